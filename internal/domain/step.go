package domain

import "time"

// StepType is the kind of a tracked step.
type StepType string

const (
	StepAssistant  StepType = "assistant"
	StepToolCall   StepType = "tool_call"
	StepToolResult StepType = "tool_result"
)

// ToolCallRecord is a tool call requested in an assistant turn.
type ToolCallRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Args string `json:"args,omitempty"`
}

// Step is one entry in a job's step log. Text fields may be truncated; see Truncated and OriginalLength.
type Step struct {
	Index          int              `json:"index"`
	Type           StepType         `json:"type"`
	Timestamp      time.Time        `json:"ts"`
	Text           string           `json:"text,omitempty"`
	Reasoning      string           `json:"reasoning,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolName       string           `json:"tool,omitempty"`
	CallID         string           `json:"call_id,omitempty"`
	Args           string           `json:"args,omitempty"`
	Result         string           `json:"result,omitempty"`
	ElapsedMs      int64            `json:"elapsed_ms,omitempty"`
	Truncated      bool             `json:"truncated,omitempty"`
	OriginalLength int              `json:"original_length,omitempty"`
}

// StepStats summarizes a step log.
type StepStats struct {
	ElapsedMs   int64 `json:"elapsed_ms"`
	Steps       int   `json:"steps"`
	ToolCalls   int   `json:"tool_calls"`
	ToolResults int   `json:"tool_results"`
}

// StepProgress is the progress payload emitted for each appended step.
type StepProgress struct {
	Kind  string    `json:"kind"` // "step"
	Step  Step      `json:"step"`
	Stats StepStats `json:"stats"`
}
