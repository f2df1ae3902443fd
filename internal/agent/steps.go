// Package agent runs a sub-agent task inside a worker process: the chat retry loop,
// model error recovery, live corrections and step tracking.
package agent

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/model"
)

// DefaultStepMaxChars caps each text field of a recorded step.
const DefaultStepMaxChars = 4000

// StepTracker records assistant turns, tool calls and tool results for one job.
// Each appended step is handed to relay (typically a progress emitter).
type StepTracker struct {
	maxChars int
	relay    func(domain.StepProgress)
	now      func() time.Time

	mu        sync.Mutex
	start     time.Time
	steps     []domain.Step
	callStart map[string]time.Time
	toolCalls int
	results   int
}

// NewStepTracker creates a tracker. maxChars <= 0 uses DefaultStepMaxChars; relay and now may be nil.
func NewStepTracker(maxChars int, relay func(domain.StepProgress), now func() time.Time) *StepTracker {
	if maxChars <= 0 {
		maxChars = DefaultStepMaxChars
	}
	if now == nil {
		now = time.Now
	}
	return &StepTracker{
		maxChars:  maxChars,
		relay:     relay,
		now:       now,
		start:     now(),
		callStart: make(map[string]time.Time),
	}
}

// Assistant records an assistant turn.
func (t *StepTracker) Assistant(text, reasoning string, calls []model.ToolCall) {
	step := domain.Step{Type: domain.StepAssistant}
	var cut bool
	var orig int
	step.Text, cut, orig = t.capText(text)
	t.mark(&step, cut, orig)
	step.Reasoning, cut, orig = t.capText(reasoning)
	t.mark(&step, cut, orig)
	for _, c := range calls {
		args, cut, orig := t.capText(c.Arguments)
		t.mark(&step, cut, orig)
		step.ToolCalls = append(step.ToolCalls, domain.ToolCallRecord{ID: c.ID, Name: c.Name, Args: args})
	}
	t.append(step)
}

// ToolCall records the start of a tool invocation.
func (t *StepTracker) ToolCall(callID, name, args string) {
	step := domain.Step{Type: domain.StepToolCall, CallID: callID, ToolName: name}
	var cut bool
	var orig int
	step.Args, cut, orig = t.capText(args)
	t.mark(&step, cut, orig)

	t.mu.Lock()
	if callID != "" {
		t.callStart[callID] = t.now()
	}
	t.mu.Unlock()
	t.append(step)
}

// ToolResult records a tool result, pairing it with its call by id to compute elapsed time.
func (t *StepTracker) ToolResult(callID, name, result string) {
	step := domain.Step{Type: domain.StepToolResult, CallID: callID, ToolName: name}
	var cut bool
	var orig int
	step.Result, cut, orig = t.capText(result)
	t.mark(&step, cut, orig)

	t.mu.Lock()
	if started, ok := t.callStart[callID]; ok {
		step.ElapsedMs = t.now().Sub(started).Milliseconds()
		delete(t.callStart, callID)
	}
	t.mu.Unlock()
	t.append(step)
}

// Steps returns a copy of the recorded steps.
func (t *StepTracker) Steps() []domain.Step {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Step(nil), t.steps...)
}

// Stats summarizes the recorded steps.
func (t *StepTracker) Stats() domain.StepStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked()
}

// Callbacks wires the tracker into a model call.
func (t *StepTracker) Callbacks(opts model.ChatOptions) model.ChatOptions {
	opts.OnAssistant = t.Assistant
	opts.OnToolCall = t.ToolCall
	opts.OnToolResult = t.ToolResult
	return opts
}

func (t *StepTracker) statsLocked() domain.StepStats {
	return domain.StepStats{
		ElapsedMs:   t.now().Sub(t.start).Milliseconds(),
		Steps:       len(t.steps),
		ToolCalls:   t.toolCalls,
		ToolResults: t.results,
	}
}

func (t *StepTracker) append(step domain.Step) {
	t.mu.Lock()
	step.Index = len(t.steps)
	step.Timestamp = t.now()
	t.steps = append(t.steps, step)
	switch step.Type {
	case domain.StepToolCall:
		t.toolCalls++
	case domain.StepToolResult:
		t.results++
	}
	progress := domain.StepProgress{Kind: "step", Step: step, Stats: t.statsLocked()}
	relay := t.relay
	t.mu.Unlock()

	if relay != nil {
		relay(progress)
	}
}

// mark keeps the largest original length among the truncated fields of a step.
func (t *StepTracker) mark(step *domain.Step, cut bool, orig int) {
	if !cut {
		return
	}
	step.Truncated = true
	if orig > step.OriginalLength {
		step.OriginalLength = orig
	}
}

// capText truncates s to maxChars runes, returning whether it was cut and its original rune count.
func (t *StepTracker) capText(s string) (string, bool, int) {
	n := utf8.RuneCountInString(s)
	if n <= t.maxChars {
		return s, false, 0
	}
	runes := []rune(s)
	return string(runes[:t.maxChars]), true, n
}
