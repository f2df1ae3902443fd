// Package app implements the supervisor side of async sub-agent jobs and defines its ports.
package app

import (
	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// EventLog records job events. Log is fire-and-forget: failures never reach the caller.
// Implementation: internal/repository/sqlite.
type EventLog interface {
	Log(jobID, event string, payload any)
	Recent(jobID string, limit int) ([]domain.Event, error)
}

// NopEventLog discards events.
type NopEventLog struct{}

func (NopEventLog) Log(string, string, any) {}

func (NopEventLog) Recent(string, int) ([]domain.Event, error) { return nil, nil }
