package domain

import (
	"encoding/json"
	"time"
)

// MessageType identifies a worker-to-supervisor IPC message.
type MessageType string

const (
	MsgHeartbeat MessageType = "heartbeat"
	MsgProgress  MessageType = "progress"
	MsgResult    MessageType = "result"
	MsgError     MessageType = "error"
)

// WorkerMessage is one newline-delimited JSON line written by a worker on stdout.
type WorkerMessage struct {
	Type    MessageType     `json:"type"`
	TS      int64           `json:"ts,omitempty"`      // heartbeat, unix millis
	Payload json.RawMessage `json:"payload,omitempty"` // progress
	Result  json.RawMessage `json:"result,omitempty"`  // result
	Error   string          `json:"error,omitempty"`   // error
}

// Correction targets.
const (
	TargetAll    = "all"
	TargetRouter = "router"
	TargetWorker = "worker"
)

// EntryCorrection is the inbox entry type consumed by the correction manager.
const EntryCorrection = "correction"

// InboxEntry is one line of a run inbox.
type InboxEntry struct {
	Type      string    `json:"type"`
	Target    string    `json:"target,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
	ID        string    `json:"id,omitempty"`
	Source    string    `json:"source,omitempty"`
}
