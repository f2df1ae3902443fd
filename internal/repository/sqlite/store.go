package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	event TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL DEFAULT 'null'
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_events_job ON events(job_id, id);
`

// Store is the event log backed by SQLite. The supervisor and its workers open the same file.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// New opens the SQLite database at path (creating parent dirs and schema).
// Write failures are reported to logger and otherwise ignored.
func New(path string, logger *log.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	// Workers write to the same file concurrently with the supervisor.
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Log appends an event. Errors are logged, never returned.
func (s *Store) Log(jobID, event string, payload any) {
	if s.db == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logf("EventLog: encode %s: %v", event, err)
		return
	}
	_, err = s.db.Exec(
		"INSERT INTO events (ts, event, job_id, payload) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), event, jobID, string(data),
	)
	if err != nil {
		s.logf("EventLog: insert %s: %v", event, err)
	}
}

// Recent returns up to limit most recent events, oldest first. An empty jobID matches all jobs.
func (s *Store) Recent(jobID string, limit int) ([]domain.Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, ts, event, job_id, payload FROM events ORDER BY id DESC LIMIT ?"
	args := []any{limit}
	if jobID != "" {
		query = "SELECT id, ts, event, job_id, payload FROM events WHERE job_id = ? ORDER BY id DESC LIMIT ?"
		args = []any{jobID, limit}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev      domain.Event
			ts      string
			payload string
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Name, &ev.JobID, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Time, err = parseTime(ts, "event")
		if err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ForJob binds the store to one job so it satisfies the worker-side event logger.
func (s *Store) ForJob(jobID string) *JobLog {
	return &JobLog{store: s, jobID: jobID}
}

// JobLog is a Store bound to one job id.
type JobLog struct {
	store *Store
	jobID string
}

// Log appends an event for the bound job.
func (j *JobLog) Log(event string, payload any) {
	j.store.Log(j.jobID, event, payload)
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}
