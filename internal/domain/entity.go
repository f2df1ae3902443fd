// Package domain holds sub-agent job entities, worker IPC messages and run inbox records.
// It has no dependencies on other packages.
package domain

import (
	"encoding/json"
	"time"
)

// JobState is the lifecycle state of an async job.
type JobState string

const (
	JobPending JobState = "pending"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// Terminal reports whether the state is final (done or error).
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobError
}

// JobParams is the job submission payload. It is copied into the job and never mutated.
type JobParams struct {
	Task             string   `json:"task"`
	AgentID          string   `json:"agent_id,omitempty"`
	Category         string   `json:"category,omitempty"`
	Skills           []string `json:"skills,omitempty"`
	Model            string   `json:"model,omitempty"`
	CallerModel      string   `json:"caller_model,omitempty"`
	Query            string   `json:"query,omitempty"`
	CommandID        string   `json:"command_id,omitempty"`
	MCPAllowPrefixes []string `json:"mcp_allow_prefixes,omitempty"`
	Trace            bool     `json:"trace,omitempty"`
	UserMessageID    string   `json:"user_message_id,omitempty"`
	RunID            string   `json:"run_id,omitempty"` // inbox the worker listens on for corrections
}

// Clone returns a deep copy so callers cannot mutate a job's params through shared slices.
func (p JobParams) Clone() JobParams {
	c := p
	if p.Skills != nil {
		c.Skills = append([]string(nil), p.Skills...)
	}
	if p.MCPAllowPrefixes != nil {
		c.MCPAllowPrefixes = append([]string(nil), p.MCPAllowPrefixes...)
	}
	return c
}

// JobStatus is the queryable part of an async job.
type JobStatus struct {
	ID             string          `json:"id"`
	Status         JobState        `json:"status"`
	Params         JobParams       `json:"params"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Result         json.RawMessage `json:"result,omitempty"` // set only when done
	Error          string          `json:"error,omitempty"`  // set only when error
	HeartbeatStale bool            `json:"heartbeat_stale"`
}

// StatusView is the status response returned to callers.
type StatusView struct {
	JobID          string          `json:"job_id"`
	Status         JobState        `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	HeartbeatAgeMs *int64          `json:"heartbeat_age_ms"`
	HeartbeatStale bool            `json:"heartbeat_stale"`
	Result         json.RawMessage `json:"result"`
	Error          *string         `json:"error"`
}

// ProgressEvent is relayed to the submitter's progress callback.
type ProgressEvent struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// JobResult is the result body a worker sends on success.
type JobResult struct {
	AgentID  string    `json:"agent_id"`
	Model    string    `json:"model,omitempty"`
	Response string    `json:"response"`
	Steps    []Step    `json:"steps,omitempty"`
	Stats    StepStats `json:"stats"`
}
