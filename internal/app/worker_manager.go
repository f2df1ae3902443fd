package app

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

const (
	defaultKillGrace      = 5 * time.Second
	maxWorkerMessageBytes = 16 * 1024 * 1024
	cancelledPrefix       = "job cancelled: "
)

// WorkerSpawnConfig describes how worker processes are started.
type WorkerSpawnConfig struct {
	Command           []string // empty = "<this executable> worker"
	Env               map[string]string
	InheritEnv        []string // glob patterns for env var names to inherit (empty = all)
	WorkspaceRoot     string
	SessionRoot       string
	EventLogPath      string
	ConfigPath        string
	InboxDir          string
	LogDir            string
	HeartbeatInterval time.Duration
	KillGrace         time.Duration
	InboxPollInterval time.Duration
}

// SpawnConfigFromPolicy builds the spawn config from loaded configuration.
func SpawnConfigFromPolicy(cfg *policy.Config, configPath string) WorkerSpawnConfig {
	return WorkerSpawnConfig{
		Command:           cfg.Jobs.WorkerCommand,
		Env:               cfg.Jobs.Env,
		InheritEnv:        cfg.Jobs.InheritEnv,
		WorkspaceRoot:     cfg.WorkspaceRoot,
		SessionRoot:       cfg.SessionRoot,
		EventLogPath:      cfg.EventLogPath(),
		ConfigPath:        configPath,
		InboxDir:          cfg.InboxDir(),
		LogDir:            filepath.Join(cfg.ResolveStateDir(), "workers"),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		KillGrace:         cfg.KillGrace(),
		InboxPollInterval: cfg.InboxPollInterval(),
	}
}

// ProcessInfo holds runtime process metadata for a job's worker.
type ProcessInfo struct {
	JobID        string    `json:"job_id"`
	PID          int       `json:"pid"`
	StartedAt    time.Time `json:"started_at"`
	LastOutputAt time.Time `json:"last_output_at"`
	OutputBytes  int64     `json:"output_bytes"`
	LogPath      string    `json:"log_path,omitempty"`
}

type workerProc struct {
	cmd       *exec.Cmd
	done      chan struct{}
	cancelled bool
	// router relays corrections addressed to the supervisor side of the run.
	router *inbox.Listener
}

// WorkerManager runs exactly one worker process per job and feeds its messages into the JobStore.
type WorkerManager struct {
	cfg    WorkerSpawnConfig
	store  *JobStore
	events EventLog
	logger *log.Logger

	mu              sync.Mutex
	procs           map[string]*workerProc
	processActivity map[string]*ProcessInfo
	wg              sync.WaitGroup
}

// NewWorkerManager creates a manager. events may be nil.
func NewWorkerManager(cfg WorkerSpawnConfig, store *JobStore, events EventLog, logger *log.Logger) *WorkerManager {
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if events == nil {
		events = NopEventLog{}
	}
	return &WorkerManager{
		cfg:             cfg,
		store:           store,
		events:          events,
		logger:          logger,
		procs:           make(map[string]*workerProc),
		processActivity: make(map[string]*ProcessInfo),
	}
}

// Store returns the job store the manager reports into.
func (m *WorkerManager) Store() *JobStore {
	return m.store
}

// Submit creates a pending job and starts its worker. Spawn failures leave the job in error
// and are also returned.
func (m *WorkerManager) Submit(params domain.JobParams, progress func(domain.ProgressEvent)) (domain.JobStatus, error) {
	if strings.TrimSpace(params.Task) == "" {
		return domain.JobStatus{}, errors.New("task is required")
	}
	st := m.store.Create(params, progress)
	err := m.StartAsyncJob(st.ID)
	if got, gerr := m.store.Get(st.ID); gerr == nil {
		st = got
	}
	return st, err
}

// StartAsyncJob spawns the worker for a pending job and marks it running.
// The worker is never retried: a spawn failure finishes the job with an error.
func (m *WorkerManager) StartAsyncJob(id string) error {
	st, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if st.Status != domain.JobPending {
		return fmt.Errorf("start %s from %s: %w", id, st.Status, ErrInvalidTransition)
	}

	cmd, logFile, logPath, err := m.buildCommand(st)
	if err == nil {
		err = m.startProcess(st.ID, st.Params.RunID, cmd, logFile, logPath)
	}
	if err != nil {
		if logFile != nil {
			logFile.Close()
		}
		msg := "failed to start worker: " + err.Error()
		m.logger.Printf("WorkerManager: job %s: %s", id, msg)
		m.events.Log(id, domain.EventJobSpawnFailed, map[string]string{"error": err.Error()})
		_ = m.store.ApplyError(id, msg)
		return fmt.Errorf("start worker for %s: %w", id, err)
	}
	return nil
}

func (m *WorkerManager) buildCommand(st domain.JobStatus) (*exec.Cmd, *os.File, string, error) {
	args := append([]string(nil), m.cfg.Command...)
	if len(args) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, nil, "", fmt.Errorf("resolve executable: %w", err)
		}
		args = []string{exe, "worker"}
	}
	paramsJSON, err := json.Marshal(st.Params)
	if err != nil {
		return nil, nil, "", fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.Command(args[0], args[1:]...)
	if m.cfg.WorkspaceRoot != "" {
		cmd.Dir = m.cfg.WorkspaceRoot
	}
	cmd.Env = buildWorkerEnv(m.cfg, st.ID, st.Params.RunID, string(paramsJSON))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	var logPath string
	if m.cfg.LogDir != "" {
		if err := os.MkdirAll(m.cfg.LogDir, 0755); err == nil {
			logPath = filepath.Join(m.cfg.LogDir, fmt.Sprintf("job-%s.log", strings.ReplaceAll(st.ID, "/", "-")))
			logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				m.logger.Printf("WorkerManager: open log %s: %v", logPath, err)
				logFile, logPath = nil, ""
			}
		}
	}
	if logFile != nil {
		fmt.Fprintf(logFile, "\n=== Worker for job %s at %s (dir=%s) ===\n", st.ID, time.Now().Format(time.RFC3339), cmd.Dir)
		fmt.Fprintf(logFile, "Command: %v\n", args)
	}
	return cmd, logFile, logPath, nil
}

func (m *WorkerManager) startProcess(id, runID string, cmd *exec.Cmd, logFile *os.File, logPath string) error {
	info := &ProcessInfo{JobID: id, LogPath: logPath}
	if logFile != nil {
		cmd.Stderr = &activityWriter{inner: logFile, mu: &m.mu, info: info}
	} else {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	now := time.Now()
	info.PID = cmd.Process.Pid
	info.StartedAt = now
	info.LastOutputAt = now
	proc := &workerProc{cmd: cmd, done: make(chan struct{})}
	proc.router = m.listenRouter(id, runID)
	m.mu.Lock()
	m.procs[id] = proc
	m.processActivity[id] = info
	m.mu.Unlock()

	if err := m.store.Start(id, info.PID, logPath); err != nil {
		m.logger.Printf("WorkerManager: job %s: %v", id, err)
	}
	m.logger.Printf("WorkerManager: started worker for job %s (pid %d)", id, info.PID)

	m.wg.Add(1)
	go m.supervise(id, proc, stdout, info, logFile)
	return nil
}

// supervise drains the worker's messages in arrival order, then reconciles its exit.
func (m *WorkerManager) supervise(id string, proc *workerProc, stdout io.Reader, info *ProcessInfo, logFile *os.File) {
	defer m.wg.Done()
	r := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, n, oversized, err := readMessage(r, maxWorkerMessageBytes)
		if n > 0 {
			m.mu.Lock()
			info.LastOutputAt = time.Now()
			info.OutputBytes += int64(n)
			m.mu.Unlock()
		}
		if oversized {
			m.logger.Printf("WorkerManager: job %s: dropping oversized message (%d bytes)", id, n)
		} else if len(line) > 0 {
			m.handleLine(id, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Printf("WorkerManager: job %s: read stdout: %v", id, err)
				_, _ = io.Copy(io.Discard, r)
			}
			break
		}
	}

	waitErr := proc.cmd.Wait()
	stopRouter(proc)
	if logFile != nil {
		logFile.Close()
	}

	m.mu.Lock()
	cancelled := proc.cancelled
	delete(m.procs, id)
	delete(m.processActivity, id)
	m.mu.Unlock()

	m.reconcileAfterExit(id, waitErr, cancelled)
	close(proc.done)
}

func (m *WorkerManager) handleLine(id string, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var msg domain.WorkerMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		m.logger.Printf("WorkerManager: job %s: skipping malformed message: %v", id, err)
		return
	}
	switch msg.Type {
	case domain.MsgHeartbeat:
		m.store.ApplyHeartbeat(id)
	case domain.MsgProgress:
		m.store.ApplyProgress(id, msg.Payload)
	case domain.MsgResult:
		_ = m.store.ApplyResult(id, msg.Result)
		m.stopRouterFor(id)
	case domain.MsgError:
		text := msg.Error
		if text == "" {
			text = "worker reported an error"
		}
		if m.isCancelled(id) && !strings.HasPrefix(text, cancelledPrefix) {
			text = cancelledPrefix + text
		}
		_ = m.store.ApplyError(id, text)
		m.stopRouterFor(id)
	default:
		m.logger.Printf("WorkerManager: job %s: unknown message type %q", id, msg.Type)
	}
}

// reconcileAfterExit finishes a job whose worker exited without reporting a terminal message.
func (m *WorkerManager) reconcileAfterExit(id string, waitErr error, cancelled bool) {
	defer m.store.DetachProcess(id)
	st, err := m.store.Get(id)
	if err != nil || st.Status != domain.JobRunning {
		return
	}
	msg := exitDescription(waitErr)
	if cancelled {
		msg = cancelledPrefix + msg
	}
	m.logger.Printf("WorkerManager: job %s: %s", id, msg)
	_ = m.store.ApplyError(id, msg)
}

// readMessage reads one newline-terminated message without buffering more than limit bytes.
// A longer line is consumed and discarded; n still reports its full length.
func readMessage(r *bufio.Reader, limit int) (line []byte, n int, oversized bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		n += len(chunk)
		if !oversized {
			if n > limit {
				oversized = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(rerr, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			line = nil
		}
		return line, n, oversized, rerr
	}
}

func (m *WorkerManager) isCancelled(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.procs[id]
	return ok && p.cancelled
}

// listenRouter tails the job's run inbox for corrections aimed at the router and relays
// them to the submitter's progress callback. Returns nil when the job has no run.
func (m *WorkerManager) listenRouter(id, runID string) *inbox.Listener {
	if m.cfg.InboxDir == "" || runID == "" {
		return nil
	}
	l, err := inbox.New(m.cfg.InboxDir).Listen(context.Background(), inbox.ListenerConfig{
		RunID:        runID,
		ConsumerID:   "supervisor-" + id,
		OnEntry:      func(e domain.InboxEntry) { m.relayRouterEntry(id, e) },
		SkipExisting: true,
		PollInterval: m.cfg.InboxPollInterval,
		Logger:       m.logger,
	})
	if err != nil {
		m.logger.Printf("WorkerManager: job %s: router inbox: %v", id, err)
		return nil
	}
	return l
}

func (m *WorkerManager) relayRouterEntry(id string, e domain.InboxEntry) {
	if e.Type != domain.EntryCorrection {
		return
	}
	target := e.Target
	if target == "" {
		target = domain.TargetAll
	}
	if target != domain.TargetAll && target != domain.TargetRouter {
		return
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		return
	}
	m.logger.Printf("WorkerManager: job %s: router correction %q", id, e.ID)
	m.events.Log(id, domain.EventRouterCorrection, map[string]string{"id": e.ID, "target": target, "text": text})

	rt, ok := m.store.Runtime(id)
	if !ok || rt.Progress == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"kind": "correction", "id": e.ID, "target": target, "text": text})
	if err != nil {
		return
	}
	rt.Progress(domain.ProgressEvent{JobID: id, Payload: payload})
}

func (m *WorkerManager) stopRouterFor(id string) {
	m.mu.Lock()
	p := m.procs[id]
	m.mu.Unlock()
	if p != nil {
		stopRouter(p)
	}
}

func stopRouter(p *workerProc) {
	if p.router != nil {
		p.router.Stop()
	}
}

func exitDescription(err error) string {
	if err == nil {
		return "worker exited with exit code 0 without reporting a result"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return fmt.Sprintf("worker terminated by signal %s", ws.Signal())
		}
		return fmt.Sprintf("worker exited with exit code %d", exitErr.ExitCode())
	}
	return fmt.Sprintf("worker process error: %v", err)
}

// Cancel terminates one job's worker. Exit reconciliation then finishes the job with an error.
// Returns false if the job has no live worker.
func (m *WorkerManager) Cancel(id string) bool {
	m.mu.Lock()
	proc, ok := m.procs[id]
	if ok {
		proc.cancelled = true
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.logger.Printf("WorkerManager: cancelling job %s", id)
	signalGroup(proc.cmd, syscall.SIGTERM)
	go func() {
		select {
		case <-proc.done:
		case <-time.After(m.cfg.KillGrace):
			m.logger.Printf("WorkerManager: job %s ignored SIGTERM, killing", id)
			signalGroup(proc.cmd, syscall.SIGKILL)
		}
	}()
	return true
}

// Shutdown sends SIGTERM to every worker process group, waits up to the kill grace period,
// then SIGKILLs survivors and waits for their supervisors to finish.
func (m *WorkerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	procs := make(map[string]*workerProc, len(m.procs))
	for id, p := range m.procs {
		p.cancelled = true
		procs[id] = p
	}
	m.mu.Unlock()

	for id, p := range procs {
		m.logger.Printf("WorkerManager: shutdown: SIGTERM job %s", id)
		signalGroup(p.cmd, syscall.SIGTERM)
	}

	grace := time.NewTimer(m.cfg.KillGrace)
	defer grace.Stop()
	for id, p := range procs {
		select {
		case <-p.done:
		case <-grace.C:
			// Timer fired: every remaining worker gets SIGKILL.
			for rid, rp := range procs {
				select {
				case <-rp.done:
				default:
					m.logger.Printf("WorkerManager: shutdown: SIGKILL job %s", rid)
					signalGroup(rp.cmd, syscall.SIGKILL)
				}
			}
			select {
			case <-p.done:
			case <-ctx.Done():
				return fmt.Errorf("shutdown interrupted waiting for job %s after SIGKILL: %w", id, ctx.Err())
			}
		case <-ctx.Done():
			for _, rp := range procs {
				signalGroup(rp.cmd, syscall.SIGKILL)
			}
			return fmt.Errorf("shutdown interrupted waiting for job %s: %w", id, ctx.Err())
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		_ = cmd.Process.Signal(sig)
	}
}

// RunningJobs returns the ids of jobs with a live worker process.
func (m *WorkerManager) RunningJobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.procs))
	for id := range m.procs {
		ids = append(ids, id)
	}
	return ids
}

// GetProcessInfo returns process activity info for all running workers.
func (m *WorkerManager) GetProcessInfo() map[string]ProcessInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]ProcessInfo, len(m.processActivity))
	for k, v := range m.processActivity {
		if v != nil {
			result[k] = *v
		}
	}
	return result
}

// activityWriter wraps the worker log file and records when the worker writes to stderr.
type activityWriter struct {
	inner *os.File
	mu    *sync.Mutex
	info  *ProcessInfo
}

func (w *activityWriter) Write(p []byte) (int, error) {
	n, err := w.inner.Write(p)
	if n > 0 {
		w.mu.Lock()
		w.info.LastOutputAt = time.Now()
		w.info.OutputBytes += int64(n)
		w.mu.Unlock()
	}
	return n, err
}

// buildWorkerEnv constructs the environment for a worker process.
// It handles three layers:
//  1. Base: inherited from parent process (filtered by InheritEnv patterns if set)
//  2. Job description variables always injected
//  3. Config env vars merged on top (with ${VAR} expansion from parent env)
func buildWorkerEnv(c WorkerSpawnConfig, jobID, runID, paramsJSON string) []string {
	parentEnv := os.Environ()
	parentMap := make(map[string]string, len(parentEnv))
	for _, e := range parentEnv {
		if k, v, ok := strings.Cut(e, "="); ok {
			parentMap[k] = v
		}
	}

	var base []string
	if len(c.InheritEnv) == 1 && strings.ToLower(c.InheritEnv[0]) == "none" {
		base = nil
	} else if len(c.InheritEnv) > 0 {
		for _, e := range parentEnv {
			k, _, ok := strings.Cut(e, "=")
			if !ok {
				continue
			}
			for _, pattern := range c.InheritEnv {
				if matchEnvGlob(pattern, k) {
					base = append(base, e)
					break
				}
			}
		}
	} else {
		base = append([]string(nil), parentEnv...)
	}

	for k, v := range c.Env {
		expanded := os.Expand(v, func(key string) string {
			return parentMap[key]
		})
		base = setEnvVar(base, k, expanded)
	}

	// Job variables go last so config cannot shadow them.
	base = setEnvVar(base, domain.EnvJobID, jobID)
	base = setEnvVar(base, domain.EnvJobParams, paramsJSON)
	base = setEnvVar(base, domain.EnvRunID, runID)
	base = setEnvVar(base, domain.EnvSessionRoot, c.SessionRoot)
	base = setEnvVar(base, domain.EnvWorkspaceRoot, c.WorkspaceRoot)
	base = setEnvVar(base, domain.EnvEventLog, c.EventLogPath)
	base = setEnvVar(base, domain.EnvConfig, c.ConfigPath)
	base = setEnvVar(base, domain.EnvInboxDir, c.InboxDir)
	if c.HeartbeatInterval > 0 {
		base = setEnvVar(base, domain.EnvHeartbeatMs, strconv.FormatInt(c.HeartbeatInterval.Milliseconds(), 10))
	}
	return base
}

// setEnvVar sets or replaces an env var in a []string env slice.
func setEnvVar(env []string, key, value string) []string {
	prefix := key + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// matchEnvGlob matches an env var name against a glob pattern.
// Supports * (match any chars) and ? (match single char).
func matchEnvGlob(pattern, name string) bool {
	matched, _ := filepath.Match(pattern, name)
	return matched
}
