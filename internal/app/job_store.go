package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

const defaultStaleThreshold = 120 * time.Second

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrAlreadyTerminal   = errors.New("job already finished")
	ErrNotTerminal       = errors.New("job is still active")
)

// JobObserver is notified of job lifecycle changes (implemented by the metrics collector).
type JobObserver interface {
	JobCreated()
	JobTransition(from, to domain.JobState)
	DuplicateTerminal(kind domain.MessageType)
	HeartbeatReceived()
	JobReaped(state domain.JobState)
}

type nopObserver struct{}

func (nopObserver) JobCreated() {}
func (nopObserver) JobTransition(_, _ domain.JobState) {}
func (nopObserver) DuplicateTerminal(domain.MessageType) {}
func (nopObserver) HeartbeatReceived() {}
func (nopObserver) JobReaped(domain.JobState) {}

// JobRuntime is the supervisor-local half of a job: process handle and progress relay.
// It is never serialized.
type JobRuntime struct {
	PID            int
	StartedAt      time.Time
	Progress       func(domain.ProgressEvent)
	ProgressCount  int
	LastProgressAt time.Time
	LogPath        string
}

type jobEntry struct {
	status  domain.JobStatus
	beat    time.Time // monotonic reading of the last liveness signal
	runtime *JobRuntime
}

// JobStore owns every async job's status and enforces the state machine
// pending -> running -> done|error. Terminal states never change.
type JobStore struct {
	mu        sync.Mutex
	jobs      map[string]*jobEntry
	order     []string
	logger    *log.Logger
	now       func() time.Time
	newID     func() string
	threshold time.Duration
	observer  JobObserver
}

// JobStoreOption configures the store.
type JobStoreOption func(*JobStore)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) JobStoreOption {
	return func(s *JobStore) { s.now = now }
}

// WithIDGenerator replaces the uuid job id generator.
func WithIDGenerator(fn func() string) JobStoreOption {
	return func(s *JobStore) { s.newID = fn }
}

// WithStaleThreshold sets how long a running job may be silent before it is reported stale.
func WithStaleThreshold(d time.Duration) JobStoreOption {
	return func(s *JobStore) { s.threshold = d }
}

// WithObserver attaches a lifecycle observer.
func WithObserver(o JobObserver) JobStoreOption {
	return func(s *JobStore) { s.observer = o }
}

// NewJobStore creates an empty store.
func NewJobStore(logger *log.Logger, opts ...JobStoreOption) *JobStore {
	s := &JobStore{
		jobs:      make(map[string]*jobEntry),
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
		threshold: defaultStaleThreshold,
		observer:  nopObserver{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StaleThreshold returns the configured staleness threshold.
func (s *JobStore) StaleThreshold() time.Duration {
	return s.threshold
}

// Create registers a pending job. progress may be nil.
func (s *JobStore) Create(params domain.JobParams, progress func(domain.ProgressEvent)) domain.JobStatus {
	now := s.now()
	e := &jobEntry{
		status: domain.JobStatus{
			ID:        s.newID(),
			Status:    domain.JobPending,
			Params:    params.Clone(),
			CreatedAt: now,
			UpdatedAt: now,
		},
		beat:    now,
		runtime: &JobRuntime{Progress: progress},
	}
	s.mu.Lock()
	s.jobs[e.status.ID] = e
	s.order = append(s.order, e.status.ID)
	s.mu.Unlock()
	s.observer.JobCreated()
	return e.status
}

// Start moves a pending job to running and resets its heartbeat.
func (s *JobStore) Start(id string, pid int, logPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("start %s: %w", id, ErrJobNotFound)
	}
	if e.status.Status != domain.JobPending {
		return fmt.Errorf("start %s from %s: %w", id, e.status.Status, ErrInvalidTransition)
	}
	now := s.now()
	e.status.Status = domain.JobRunning
	e.status.UpdatedAt = now
	e.status.HeartbeatStale = false
	e.beat = now
	e.runtime.PID = pid
	e.runtime.StartedAt = now
	e.runtime.LogPath = logPath
	s.observer.JobTransition(domain.JobPending, domain.JobRunning)
	return nil
}

// ApplyHeartbeat records liveness for a running job. Returns false (no-op) for any other state.
func (s *JobStore) ApplyHeartbeat(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || e.status.Status != domain.JobRunning {
		return false
	}
	s.touchLocked(e)
	s.observer.HeartbeatReceived()
	return true
}

// ApplyProgress relays payload to the job's progress callback. Progress never changes the state
// but counts as liveness while running.
func (s *JobStore) ApplyProgress(id string, payload json.RawMessage) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.status.Status == domain.JobRunning {
		s.touchLocked(e)
	}
	e.runtime.ProgressCount++
	e.runtime.LastProgressAt = s.now()
	cb := e.runtime.Progress
	s.mu.Unlock()

	if cb != nil {
		cb(domain.ProgressEvent{JobID: id, Payload: payload})
	}
}

// ApplyResult finishes a job as done. The first terminal message wins.
func (s *JobStore) ApplyResult(id string, result json.RawMessage) error {
	return s.finish(id, domain.MsgResult, func(st *domain.JobStatus) {
		st.Status = domain.JobDone
		st.Result = result
	})
}

// ApplyError finishes a job as error. The first terminal message wins.
func (s *JobStore) ApplyError(id, msg string) error {
	return s.finish(id, domain.MsgError, func(st *domain.JobStatus) {
		st.Status = domain.JobError
		st.Error = msg
	})
}

func (s *JobStore) finish(id string, kind domain.MessageType, apply func(*domain.JobStatus)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%s for %s: %w", kind, id, ErrJobNotFound)
	}
	from := e.status.Status
	if from.Terminal() {
		s.logger.Printf("JobStore: ignoring duplicate %s for %s (already %s)", kind, id, from)
		s.observer.DuplicateTerminal(kind)
		return fmt.Errorf("%s for %s: %w", kind, id, ErrAlreadyTerminal)
	}
	apply(&e.status)
	e.status.UpdatedAt = s.now()
	e.status.HeartbeatStale = false
	s.observer.JobTransition(from, e.status.Status)
	return nil
}

// touchLocked advances the heartbeat reading strictly.
func (s *JobStore) touchLocked(e *jobEntry) {
	now := s.now()
	if !now.After(e.beat) {
		now = e.beat.Add(time.Nanosecond)
	}
	e.beat = now
	e.status.UpdatedAt = now
	e.status.HeartbeatStale = false
}

// ComputeStaleness reports whether a job in state, last heard from at beat, is stale at now.
// Only running jobs can be stale.
func ComputeStaleness(state domain.JobState, beat, now time.Time, threshold time.Duration) bool {
	if state != domain.JobRunning {
		return false
	}
	return now.Sub(beat) > threshold
}

// Get returns a copy of the job's status with staleness computed now.
func (s *JobStore) Get(id string) (domain.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.JobStatus{}, fmt.Errorf("get %s: %w", id, ErrJobNotFound)
	}
	return s.snapshotLocked(e, s.now()), nil
}

// List returns all jobs in creation order.
func (s *JobStore) List() []domain.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]domain.JobStatus, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.snapshotLocked(s.jobs[id], now))
	}
	return out
}

// FormatStatus builds the caller-facing status view.
func (s *JobStore) FormatStatus(id string) (domain.StatusView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return domain.StatusView{}, fmt.Errorf("status %s: %w", id, ErrJobNotFound)
	}
	now := s.now()
	st := s.snapshotLocked(e, now)
	view := domain.StatusView{
		JobID:          st.ID,
		Status:         st.Status,
		CreatedAt:      st.CreatedAt,
		UpdatedAt:      st.UpdatedAt,
		HeartbeatStale: st.HeartbeatStale,
	}
	if st.Status == domain.JobRunning {
		age := now.Sub(e.beat).Milliseconds()
		view.HeartbeatAgeMs = &age
	}
	if st.Status == domain.JobDone {
		view.Result = st.Result
	}
	if st.Status == domain.JobError {
		msg := st.Error
		view.Error = &msg
	}
	return view, nil
}

// StaleJobs returns the ids of running jobs whose heartbeat is older than the threshold.
func (s *JobStore) StaleJobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []string
	for _, id := range s.order {
		e := s.jobs[id]
		if ComputeStaleness(e.status.Status, e.beat, now, s.threshold) {
			e.status.HeartbeatStale = true
			out = append(out, id)
		}
	}
	return out
}

// Runtime returns a copy of the job's runtime half.
func (s *JobStore) Runtime(id string) (JobRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return JobRuntime{}, false
	}
	return *e.runtime, true
}

// DetachProcess clears the process handle once the worker has exited.
func (s *JobStore) DetachProcess(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.jobs[id]; ok {
		e.runtime.PID = 0
	}
}

// Reap removes a finished job.
func (s *JobStore) Reap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("reap %s: %w", id, ErrJobNotFound)
	}
	if !e.status.Status.Terminal() {
		return fmt.Errorf("reap %s (%s): %w", id, e.status.Status, ErrNotTerminal)
	}
	delete(s.jobs, id)
	s.observer.JobReaped(e.status.Status)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Counts returns the number of jobs per state.
func (s *JobStore) Counts() map[domain.JobState]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.JobState]int, 4)
	for _, e := range s.jobs {
		out[e.status.Status]++
	}
	return out
}

func (s *JobStore) snapshotLocked(e *jobEntry, now time.Time) domain.JobStatus {
	st := e.status
	st.Params = e.status.Params.Clone()
	st.HeartbeatStale = ComputeStaleness(st.Status, e.beat, now, s.threshold)
	return st
}
