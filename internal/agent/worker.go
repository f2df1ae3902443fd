package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/inbox"
	"github.com/leeoohoo/chatos-sub001/internal/model"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

const defaultSystemPrompt = "You are a focused sub-agent. Complete the assigned task and reply with a concise report of what you did."

// ErrBadJobEnv marks a worker started with missing or malformed job parameters.
var ErrBadJobEnv = errors.New("invalid worker environment")

// Env is the job description a worker reads from its environment.
type Env struct {
	JobID             string
	RunID             string
	Params            domain.JobParams
	SessionRoot       string
	WorkspaceRoot     string
	EventLogPath      string
	ConfigPath        string
	InboxDir          string
	HeartbeatInterval time.Duration
}

// LoadEnv parses the worker environment through getenv (usually os.Getenv).
func LoadEnv(getenv func(string) string) (Env, error) {
	env := Env{
		JobID:         getenv(domain.EnvJobID),
		RunID:         getenv(domain.EnvRunID),
		SessionRoot:   getenv(domain.EnvSessionRoot),
		WorkspaceRoot: getenv(domain.EnvWorkspaceRoot),
		EventLogPath:  getenv(domain.EnvEventLog),
		ConfigPath:    getenv(domain.EnvConfig),
		InboxDir:      getenv(domain.EnvInboxDir),
	}
	if env.JobID == "" {
		return env, fmt.Errorf("%w: %s is not set", ErrBadJobEnv, domain.EnvJobID)
	}
	raw := getenv(domain.EnvJobParams)
	if raw == "" {
		return env, fmt.Errorf("%w: %s is not set", ErrBadJobEnv, domain.EnvJobParams)
	}
	if err := json.Unmarshal([]byte(raw), &env.Params); err != nil {
		return env, fmt.Errorf("%w: decode %s: %v", ErrBadJobEnv, domain.EnvJobParams, err)
	}
	if strings.TrimSpace(env.Params.Task) == "" {
		return env, fmt.Errorf("%w: task is empty", ErrBadJobEnv)
	}
	if env.RunID == "" {
		env.RunID = env.Params.RunID
	}
	if ms, err := strconv.Atoi(getenv(domain.EnvHeartbeatMs)); err == nil && ms > 0 {
		env.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	}
	return env, nil
}

// Worker executes one job inside the worker process.
type Worker struct {
	Env       Env
	Loader    ConfigLoader
	NewClient ClientFactory
	Inbox     *inbox.Inbox // nil disables live corrections
	Events    EventLogger
	Emitter   *Emitter
	Tools     model.ToolRunner
	Logger    *log.Logger
}

// Run executes the job and reports the outcome through the emitter. The returned error mirrors
// the reported error message.
func (w *Worker) Run(ctx context.Context) error {
	events := w.Events
	if events == nil {
		events = nopEvents{}
	}
	newClient := w.NewClient
	if newClient == nil {
		newClient = DefaultClientFactory
	}
	params := w.Env.Params

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.Emitter.Heartbeat()
	go w.heartbeatLoop(ctx)

	cfg, err := w.Loader.Load(false)
	if err != nil {
		return w.fail(events, fmt.Errorf("load config: %w", err))
	}
	resolve := func(c *policy.Config) string { return ResolveModel(c, params) }
	st := &RunState{Config: cfg, TargetModel: resolve(cfg), FallbackModel: params.CallerModel}
	if st.TargetModel == "" {
		return w.fail(events, errors.New("no model configured"))
	}
	classifier := &Classifier{Loader: w.Loader, NewClient: newClient, ResolveModel: resolve, Events: events, Logger: w.Logger}
	st.Client, err = newClient(cfg, st.TargetModel)
	if err != nil {
		if classifier.Decide(err, st) != ActionRetry {
			return w.fail(events, err)
		}
	}

	slot := &CancelSlot{}
	corrections := NewCorrectionManager(domain.TargetWorker, slot, w.Logger)
	if w.Inbox != nil && w.Env.RunID != "" {
		l, err := w.Inbox.Listen(ctx, inbox.ListenerConfig{
			RunID:        w.Env.RunID,
			ConsumerID:   "worker-" + w.Env.JobID,
			OnEntry:      corrections.HandleEntry,
			SkipExisting: true,
			PollInterval: cfg.InboxPollInterval(),
			Logger:       w.Logger,
		})
		if err != nil {
			w.Logger.Printf("Worker: corrections disabled: %v", err)
		} else {
			defer l.Stop()
		}
	}

	tracker := NewStepTracker(cfg.Jobs.StepMaxChars, func(p domain.StepProgress) { w.Emitter.Progress(p) }, nil)
	loop := &ChatLoop{
		Classifier:  classifier,
		Corrections: corrections,
		Slot:        slot,
		Steps:       tracker,
		Options:     model.ChatOptions{Tools: w.Tools},
		MaxAttempts: cfg.Jobs.MaxAttempts,
		Events:      events,
		Logger:      w.Logger,
	}

	events.Log(domain.EventJobStarted, map[string]any{"model": st.TargetModel, "agent_id": params.AgentID, "run_id": w.Env.RunID})
	resp, err := loop.Run(ctx, BuildSession(cfg, params), st)
	if err != nil {
		return w.fail(events, err)
	}

	result := domain.JobResult{
		AgentID:  params.AgentID,
		Model:    st.TargetModel,
		Response: resp.Content,
		Steps:    tracker.Steps(),
		Stats:    tracker.Stats(),
	}
	events.Log(domain.EventJobFinished, map[string]any{"status": string(domain.JobDone), "model": st.TargetModel, "steps": result.Stats.Steps})
	w.Emitter.Result(result)
	return nil
}

func (w *Worker) fail(events EventLogger, err error) error {
	events.Log(domain.EventJobFinished, map[string]any{"status": string(domain.JobError), "error": err.Error()})
	w.Emitter.Error(err.Error())
	return err
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	interval := w.Env.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Emitter.Heartbeat()
		}
	}
}

// BuildSession assembles the system prompt and the task message for a job.
func BuildSession(cfg *policy.Config, params domain.JobParams) *model.Session {
	system := defaultSystemPrompt
	var skills []string
	if cfg != nil {
		if a, ok := cfg.Agents[params.AgentID]; ok {
			if a.SystemPrompt != "" {
				system = a.SystemPrompt
			}
			skills = append(skills, a.Skills...)
		}
	}
	skills = append(skills, params.Skills...)

	session := model.NewSession(system)
	var b strings.Builder
	b.WriteString(params.Task)
	if params.Query != "" {
		b.WriteString("\n\nQuery: ")
		b.WriteString(params.Query)
	}
	if len(skills) > 0 {
		b.WriteString("\n\nSkills: ")
		b.WriteString(strings.Join(skills, ", "))
	}
	if params.Category != "" {
		b.WriteString("\n\nCategory: ")
		b.WriteString(params.Category)
	}
	session.AddUser(b.String())
	return session
}
