package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

type fakeRunner struct {
	store     *app.JobStore
	failSpawn bool
}

func (f *fakeRunner) Submit(params domain.JobParams, _ func(domain.ProgressEvent)) (domain.JobStatus, error) {
	if strings.TrimSpace(params.Task) == "" {
		return domain.JobStatus{}, errors.New("task is required")
	}
	st := f.store.Create(params, nil)
	if f.failSpawn {
		_ = f.store.ApplyError(st.ID, "failed to start worker: boom")
		st, _ = f.store.Get(st.ID)
		return st, errors.New("boom")
	}
	_ = f.store.Start(st.ID, 1, "")
	st, _ = f.store.Get(st.ID)
	return st, nil
}

func (f *fakeRunner) Cancel(id string) bool {
	return f.store.ApplyError(id, "job cancelled") == nil
}

func (f *fakeRunner) RunningJobs() []string {
	var ids []string
	for _, st := range f.store.List() {
		if st.Status == domain.JobRunning {
			ids = append(ids, st.ID)
		}
	}
	return ids
}

type fakeEvents struct {
	app.NopEventLog
	events []domain.Event
}

func (f *fakeEvents) Recent(jobID string, limit int) ([]domain.Event, error) {
	var out []domain.Event
	for _, e := range f.events {
		if e.JobID == jobID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fixture struct {
	srv    *httptest.Server
	store  *app.JobStore
	runner *fakeRunner
	box    *inbox.Inbox
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	store := app.NewJobStore(logger)
	runner := &fakeRunner{store: store}
	box := inbox.New(t.TempDir())
	opts = append([]Option{WithInbox(box)}, opts...)
	s := New(runner, store, logger, opts...)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: store, runner: runner, box: box}
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	return resp.StatusCode, out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	f.store.Create(domain.JobParams{Task: "t"}, nil)

	code, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	jobs, _ := body["jobs"].(map[string]any)
	assert.Equal(t, float64(1), jobs["pending"])
}

func TestSubmitAndGet(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/jobs", `{"task":"review","agent_id":"a1"}`)
	require.Equal(t, http.StatusAccepted, code)
	id, _ := body["job_id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "running", body["status"])

	code, body = f.do(t, http.MethodGet, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.NotNil(t, body["heartbeat_age_ms"])
	assert.Nil(t, body["result"])
	assert.Nil(t, body["error"])

	code, _ = f.do(t, http.MethodGet, "/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	code, _ := f.do(t, http.MethodPost, "/jobs", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/jobs", `{"task":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)

	f.runner.failSpawn = true
	code, body := f.do(t, http.MethodPost, "/jobs", `{"task":"t"}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["error"], "failed to start worker")
}

func TestListCancelReap(t *testing.T) {
	f := newFixture(t)
	_, a := f.do(t, http.MethodPost, "/jobs", `{"task":"a"}`)
	f.do(t, http.MethodPost, "/jobs", `{"task":"b"}`)
	id := a["job_id"].(string)

	code, _ := f.do(t, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusConflict, code, "running job cannot be reaped")

	code, _ = f.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusAccepted, code)

	code, _ = f.do(t, http.MethodPost, "/jobs/"+id+"/cancel", "")
	assert.Equal(t, http.StatusConflict, code)

	code, body := f.do(t, http.MethodGet, "/jobs?status=error", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["count"])

	code, _ = f.do(t, http.MethodDelete, "/jobs/"+id, "")
	assert.Equal(t, http.StatusOK, code)

	_, body = f.do(t, http.MethodGet, "/jobs", "")
	assert.Equal(t, float64(1), body["count"])
}

func TestEvents(t *testing.T) {
	events := &fakeEvents{events: []domain.Event{
		{ID: 1, Time: time.Now(), Name: domain.EventJobStarted, JobID: "j1"},
		{ID: 2, Time: time.Now(), Name: domain.EventJobFinished, JobID: "j1"},
		{ID: 3, Time: time.Now(), Name: domain.EventJobStarted, JobID: "j2"},
	}}
	f := newFixture(t, WithEventLog(events))

	code, body := f.do(t, http.MethodGet, "/jobs/j1/events?limit=1", "")
	require.Equal(t, http.StatusOK, code)
	list, _ := body["events"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, domain.EventJobFinished, list[0].(map[string]any)["event"])

	code, _ = f.do(t, http.MethodGet, "/jobs/j1/events?limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestCorrection(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/runs/run-1/corrections", `{"text":"stop and use v2","target":"worker"}`)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "worker", body["target"])
	assert.NotEmpty(t, body["id"])

	entries, err := f.box.Entries("run-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stop and use v2", entries[0].Text)

	code, _ = f.do(t, http.MethodPost, "/runs/run-1/corrections", `{"text":"x","target":"nobody"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/runs/run-1/corrections", `{"text":""}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestMetricsMounted(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("subagent_jobs_created_total 0\n"))
	})
	f := newFixture(t, WithMetrics(h))

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(data), "subagent_jobs_created_total")
}
