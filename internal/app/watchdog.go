package app

import (
	"context"
	"log"
	"time"
)

// defaultWatchdogInterval is how often the watchdog sweeps for stale jobs.
const defaultWatchdogInterval = 30 * time.Second

// StaleGauge receives the number of stale running jobs after every sweep.
type StaleGauge interface {
	SetStaleJobs(n int)
}

// Watchdog monitors running jobs for heartbeat staleness.
// It runs periodically and:
// - Logs a job once when its heartbeat goes stale
// - Logs it again once when it recovers or finishes
// - Publishes the stale count to the gauge
//
// Staleness is informational: the watchdog never fails or kills a job.
type Watchdog struct {
	store    *JobStore
	logger   *log.Logger
	interval time.Duration
	gauge    StaleGauge
	stopCh   chan struct{}
	doneCh   chan struct{}
	// stale holds the jobs already reported stale, to avoid repeating the log line every sweep.
	stale map[string]bool
}

// WatchdogOption configures the watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogInterval sets the check interval.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStaleGauge sets the gauge updated after every sweep.
func WithStaleGauge(g StaleGauge) WatchdogOption {
	return func(w *Watchdog) { w.gauge = g }
}

// NewWatchdog creates a new Watchdog.
func NewWatchdog(store *JobStore, logger *log.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		store:    store,
		logger:   logger,
		interval: defaultWatchdogInterval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		stale:    make(map[string]bool),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start begins the watchdog loop. Returns when ctx is cancelled or Stop is called.
func (w *Watchdog) Start(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Printf("Watchdog: started (interval=%s, heartbeat_stale=%s)", w.interval, w.store.StaleThreshold())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Println("Watchdog: stopped (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Println("Watchdog: stopped")
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// Stop signals the watchdog to stop and waits for Start to return.
func (w *Watchdog) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// CheckOnce runs one watchdog cycle (for testing or manual trigger).
// It returns the ids of the jobs that are stale now.
func (w *Watchdog) CheckOnce() []string {
	return w.check()
}

func (w *Watchdog) check() []string {
	ids := w.store.StaleJobs()
	now := make(map[string]bool, len(ids))
	for _, id := range ids {
		now[id] = true
		if w.stale[id] {
			continue
		}
		pid := 0
		if rt, ok := w.store.Runtime(id); ok {
			pid = rt.PID
		}
		w.logger.Printf("Watchdog: job %s (pid %d) heartbeat stale (threshold %s)", id, pid, w.store.StaleThreshold())
	}
	for id := range w.stale {
		if now[id] {
			continue
		}
		st, err := w.store.Get(id)
		switch {
		case err != nil:
			w.logger.Printf("Watchdog: stale job %s was reaped", id)
		case st.Status.Terminal():
			w.logger.Printf("Watchdog: stale job %s finished (%s)", id, st.Status)
		default:
			w.logger.Printf("Watchdog: job %s heartbeat recovered", id)
		}
	}
	w.stale = now
	if w.gauge != nil {
		w.gauge.SetStaleJobs(len(ids))
	}
	return ids
}
