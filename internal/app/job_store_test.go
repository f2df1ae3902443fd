package app

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
)

// fakeClock is a settable clock for staleness tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func newTestStore(clock *fakeClock, opts ...JobStoreOption) *JobStore {
	seq := 0
	opts = append([]JobStoreOption{
		WithClock(clock.Now),
		WithIDGenerator(func() string {
			seq++
			return "job-" + string(rune('a'+seq-1))
		}),
	}, opts...)
	return NewJobStore(testLogger(), opts...)
}

func TestJobStore_Lifecycle(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	st := s.Create(domain.JobParams{Task: "t", AgentID: "a1"}, nil)
	if st.Status != domain.JobPending || st.ID != "job-a" {
		t.Fatalf("created = %+v", st)
	}
	if err := s.Start(st.ID, 42, ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(st.ID, 42, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Start err = %v, want ErrInvalidTransition", err)
	}
	if err := s.ApplyResult(st.ID, json.RawMessage(`{"agent_id":"a1"}`)); err != nil {
		t.Fatalf("ApplyResult: %v", err)
	}
	got, err := s.Get(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.JobDone || string(got.Result) != `{"agent_id":"a1"}` {
		t.Errorf("got = %+v", got)
	}
	rt, _ := s.Runtime(st.ID)
	if rt.PID != 42 {
		t.Errorf("pid = %d, want 42", rt.PID)
	}
}

func TestJobStore_DuplicateTerminalIgnored(t *testing.T) {
	s := newTestStore(newFakeClock())
	st := s.Create(domain.JobParams{Task: "t"}, nil)
	_ = s.Start(st.ID, 1, "")

	if err := s.ApplyError(st.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if err := s.ApplyResult(st.ID, json.RawMessage(`{}`)); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("err = %v, want ErrAlreadyTerminal", err)
	}
	if err := s.ApplyError(st.ID, "again"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("err = %v, want ErrAlreadyTerminal", err)
	}
	got, _ := s.Get(st.ID)
	if got.Status != domain.JobError || got.Error != "boom" || got.Result != nil {
		t.Errorf("got = %+v, want first error kept", got)
	}
}

func TestJobStore_UnknownJob(t *testing.T) {
	s := newTestStore(newFakeClock())
	if _, err := s.Get("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Get err = %v", err)
	}
	if err := s.ApplyResult("nope", nil); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("ApplyResult err = %v", err)
	}
	if s.ApplyHeartbeat("nope") {
		t.Error("heartbeat on unknown job should be a no-op")
	}
}

func TestJobStore_Staleness(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock, WithStaleThreshold(120*time.Second))
	st := s.Create(domain.JobParams{Task: "t"}, nil)

	clock.Advance(time.Hour)
	if got, _ := s.Get(st.ID); got.HeartbeatStale {
		t.Error("pending job must never be stale")
	}

	_ = s.Start(st.ID, 1, "")
	clock.Advance(60 * time.Second)
	if got, _ := s.Get(st.ID); got.HeartbeatStale {
		t.Error("stale after 60s with 120s threshold")
	}

	clock.Advance(90 * time.Second)
	got, _ := s.Get(st.ID)
	if !got.HeartbeatStale {
		t.Error("not stale after 150s of silence")
	}
	if ids := s.StaleJobs(); len(ids) != 1 || ids[0] != st.ID {
		t.Errorf("StaleJobs = %v", ids)
	}

	s.ApplyHeartbeat(st.ID)
	if got, _ := s.Get(st.ID); got.HeartbeatStale {
		t.Error("heartbeat should clear staleness")
	}

	clock.Advance(200 * time.Second)
	_ = s.ApplyResult(st.ID, json.RawMessage(`{}`))
	if got, _ := s.Get(st.ID); got.HeartbeatStale {
		t.Error("terminal job must never be stale")
	}
	if ids := s.StaleJobs(); len(ids) != 0 {
		t.Errorf("StaleJobs after finish = %v", ids)
	}
}

func TestJobStore_ProgressCountsAsLiveness(t *testing.T) {
	clock := newFakeClock()
	var got []domain.ProgressEvent
	s := newTestStore(clock, WithStaleThreshold(10*time.Second))
	st := s.Create(domain.JobParams{Task: "t"}, func(ev domain.ProgressEvent) { got = append(got, ev) })
	_ = s.Start(st.ID, 1, "")

	clock.Advance(8 * time.Second)
	s.ApplyProgress(st.ID, json.RawMessage(`{"kind":"step"}`))
	clock.Advance(8 * time.Second)
	if cur, _ := s.Get(st.ID); cur.HeartbeatStale {
		t.Error("progress should count as liveness")
	}
	if len(got) != 1 || got[0].JobID != st.ID || string(got[0].Payload) != `{"kind":"step"}` {
		t.Errorf("progress events = %+v", got)
	}
	if cur, _ := s.Get(st.ID); cur.Status != domain.JobRunning {
		t.Errorf("progress changed state to %s", cur.Status)
	}
}

func TestJobStore_HeartbeatAdvancesStrictly(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	st := s.Create(domain.JobParams{Task: "t"}, nil)
	_ = s.Start(st.ID, 1, "")

	// Clock frozen: each heartbeat must still move the reading forward.
	var last time.Time
	for i := 0; i < 3; i++ {
		if !s.ApplyHeartbeat(st.ID) {
			t.Fatal("heartbeat rejected while running")
		}
		cur, _ := s.Get(st.ID)
		if !cur.UpdatedAt.After(last) {
			t.Fatalf("heartbeat %d did not advance: %v <= %v", i, cur.UpdatedAt, last)
		}
		last = cur.UpdatedAt
	}
}

func TestJobStore_HeartbeatIgnoredOutsideRunning(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)
	st := s.Create(domain.JobParams{Task: "t"}, nil)
	if s.ApplyHeartbeat(st.ID) {
		t.Error("heartbeat accepted while pending")
	}
	_ = s.Start(st.ID, 1, "")
	_ = s.ApplyResult(st.ID, json.RawMessage(`{}`))
	before, _ := s.Get(st.ID)
	clock.Advance(time.Second)
	if s.ApplyHeartbeat(st.ID) {
		t.Error("heartbeat accepted after finish")
	}
	after, _ := s.Get(st.ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("heartbeat after finish changed the job")
	}
}

func TestJobStore_FormatStatus(t *testing.T) {
	clock := newFakeClock()
	s := newTestStore(clock)

	running := s.Create(domain.JobParams{Task: "t"}, nil)
	_ = s.Start(running.ID, 1, "")
	clock.Advance(3 * time.Second)
	view, err := s.FormatStatus(running.ID)
	if err != nil {
		t.Fatal(err)
	}
	if view.HeartbeatAgeMs == nil || *view.HeartbeatAgeMs != 3000 {
		t.Errorf("heartbeat age = %v, want 3000", view.HeartbeatAgeMs)
	}
	data, _ := json.Marshal(view)
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)
	if decoded["result"] != nil || decoded["error"] != nil {
		t.Errorf("running view should carry null result and error: %s", data)
	}

	failed := s.Create(domain.JobParams{Task: "t"}, nil)
	_ = s.Start(failed.ID, 2, "")
	_ = s.ApplyError(failed.ID, "worker exited with exit code 1")
	view, _ = s.FormatStatus(failed.ID)
	if view.HeartbeatAgeMs != nil {
		t.Error("finished job should have null heartbeat age")
	}
	if view.Error == nil || *view.Error != "worker exited with exit code 1" {
		t.Errorf("error = %v", view.Error)
	}
	if view.Result != nil {
		t.Errorf("result = %s, want nil", view.Result)
	}
}

func TestJobStore_ReapAndList(t *testing.T) {
	s := newTestStore(newFakeClock())
	a := s.Create(domain.JobParams{Task: "a"}, nil)
	b := s.Create(domain.JobParams{Task: "b"}, nil)

	if err := s.Reap(a.ID); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("reap pending err = %v, want ErrNotTerminal", err)
	}
	_ = s.Start(a.ID, 1, "")
	_ = s.ApplyResult(a.ID, json.RawMessage(`{}`))
	if err := s.Reap(a.ID); err != nil {
		t.Fatalf("Reap: %v", err)
	}
	list := s.List()
	if len(list) != 1 || list[0].ID != b.ID {
		t.Errorf("List = %+v", list)
	}
	if c := s.Counts(); c[domain.JobPending] != 1 || c[domain.JobDone] != 0 {
		t.Errorf("Counts = %v", c)
	}
}

func TestJobStore_ParamsAreCopied(t *testing.T) {
	s := newTestStore(newFakeClock())
	params := domain.JobParams{Task: "t", Skills: []string{"go"}}
	st := s.Create(params, nil)
	params.Skills[0] = "mutated"
	got, _ := s.Get(st.ID)
	if got.Params.Skills[0] != "go" {
		t.Errorf("stored params aliased caller slice: %v", got.Params.Skills)
	}
	got.Params.Skills[0] = "changed"
	again, _ := s.Get(st.ID)
	if again.Params.Skills[0] != "go" {
		t.Errorf("snapshot aliased stored params: %v", again.Params.Skills)
	}
}
