package domain

import (
	"encoding/json"
	"time"
)

// Event names written to the event log.
const (
	EventJobSpawnFailed   = "job_spawn_failed"
	EventJobStarted       = "job_started"
	EventJobFinished      = "job_finished"
	EventModelAuthDebug   = "model_auth_debug"
	EventModelFallback    = "model_fallback"
	EventCorrection       = "correction_applied"
	EventRouterCorrection = "router_correction"
)

// Event is one recorded event-log entry.
type Event struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"ts"`
	Name    string          `json:"event"`
	JobID   string          `json:"job_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
