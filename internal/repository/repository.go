package repository

import (
	"log"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/repository/sqlite"
)

// NewEventLog returns an EventLog backed by SQLite at path, or a no-op log when path is empty.
// The path is typically from Config.EventLogPath() (default ~/.config/subagent/events.sqlite).
// The returned close func is always non-nil.
func NewEventLog(path string, logger *log.Logger) (app.EventLog, func() error, error) {
	if path == "" {
		return app.NopEventLog{}, func() error { return nil }, nil
	}
	store, err := sqlite.New(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}
