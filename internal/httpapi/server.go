// Package httpapi serves the supervisor's job status surface over HTTP.
package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/leeoohoo/chatos-sub001/internal/app"
	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
)

const defaultEventLimit = 50

// JobRunner starts and cancels jobs (app.WorkerManager).
type JobRunner interface {
	Submit(params domain.JobParams, progress func(domain.ProgressEvent)) (domain.JobStatus, error)
	Cancel(id string) bool
	RunningJobs() []string
}

// Server wires HTTP handlers for job submission and inspection.
type Server struct {
	jobs    JobRunner
	store   *app.JobStore
	box     *inbox.Inbox
	events  app.EventLog
	metrics http.Handler
	mcp     http.Handler
	logger  *log.Logger
}

// Option configures the server.
type Option func(*Server)

// WithInbox enables POST /runs/{run}/corrections.
func WithInbox(box *inbox.Inbox) Option {
	return func(s *Server) { s.box = box }
}

// WithEventLog enables GET /jobs/{id}/events.
func WithEventLog(events app.EventLog) Option {
	return func(s *Server) { s.events = events }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithMCP mounts the streamable MCP endpoint at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) { s.mcp = h }
}

// New constructs the API server.
func New(jobs JobRunner, store *app.JobStore, logger *log.Logger, opts ...Option) *Server {
	s := &Server{jobs: jobs, store: store, logger: logger, events: app.NopEventLog{}}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Mount("/metrics", s.metrics)
	}
	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
	}

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleReap)
		r.Post("/{id}/cancel", s.handleCancel)
		r.Get("/{id}/events", s.handleEvents)
	})
	if s.box != nil {
		r.Post("/runs/{run}/corrections", s.handleCorrection)
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	counts := s.store.Counts()
	jobs := make(map[string]int, len(counts))
	for state, n := range counts {
		jobs[string(state)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"jobs":    jobs,
		"workers": len(s.jobs.RunningJobs()),
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var params domain.JobParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(params.Task) == "" {
		http.Error(w, "task is required", http.StatusBadRequest)
		return
	}
	st, err := s.jobs.Submit(params, nil)
	if err != nil {
		if st.ID == "" {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.Printf("HTTP: job %s failed to start: %v", st.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"job_id": st.ID, "status": st.Status, "error": st.Error})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": st.ID, "status": st.Status})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	filter := domain.JobState(r.URL.Query().Get("status"))
	views := make([]domain.StatusView, 0)
	for _, st := range s.store.List() {
		if filter != "" && st.Status != filter {
			continue
		}
		if view, err := s.store.FormatStatus(st.ID); err == nil {
			views = append(views, view)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "count": len(views)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.store.FormatStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleReap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Reap(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reaped"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := s.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if st.Status.Terminal() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(st.Status), "error": "job already finished"})
		return
	}
	if !s.jobs.Cancel(id) {
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(st.Status), "error": "job has no running worker"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.events.Recent(id, limit)
	if err != nil {
		http.Error(w, "failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type correctionRequest struct {
	Text   string `json:"text"`
	Target string `json:"target"`
	Source string `json:"source"`
}

func (s *Server) handleCorrection(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}
	switch req.Target {
	case "", domain.TargetAll, domain.TargetRouter, domain.TargetWorker:
	default:
		http.Error(w, "target must be one of all, router, worker", http.StatusBadRequest)
		return
	}
	entry, err := s.box.Append(chi.URLParam(r, "run"), domain.InboxEntry{
		Type:   domain.EntryCorrection,
		Target: req.Target,
		Text:   req.Text,
		Source: req.Source,
	})
	if err != nil {
		s.logger.Printf("HTTP: append correction: %v", err)
		http.Error(w, "failed to append correction", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, app.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, app.ErrNotTerminal), errors.Is(err, app.ErrAlreadyTerminal):
		code = http.StatusConflict
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
