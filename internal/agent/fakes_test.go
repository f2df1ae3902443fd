package agent

import (
	"context"
	"errors"
	"sync"

	"github.com/leeoohoo/chatos-sub001/internal/model"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

// scriptedClient answers each Chat call with the next scripted step.
// A step with block set waits for ctx to end and returns ctx.Err().
type scriptedClient struct {
	name string

	mu      sync.Mutex
	steps   []scriptStep
	calls   int
	models  []string
	history [][]model.Message
	started chan struct{}
}

type scriptStep struct {
	resp  string
	err   error
	block bool
}

func newScriptedClient(name string, steps ...scriptStep) *scriptedClient {
	return &scriptedClient{name: name, steps: steps, started: make(chan struct{}, 64)}
}

func (c *scriptedClient) Chat(ctx context.Context, modelID string, session *model.Session, opts model.ChatOptions) (*model.Response, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.models = append(c.models, modelID)
	c.history = append(c.history, session.Messages())
	var step scriptStep
	if idx < len(c.steps) {
		step = c.steps[idx]
	} else if len(c.steps) > 0 {
		step = c.steps[len(c.steps)-1]
	}
	c.mu.Unlock()
	c.started <- struct{}{}

	if step.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if step.err != nil {
		return nil, step.err
	}
	if opts.OnAssistant != nil {
		opts.OnAssistant(step.resp, "", nil)
	}
	session.Add(model.Message{Role: model.RoleAssistant, Content: step.resp})
	return &model.Response{Content: step.resp, Model: modelID}, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// recordingEvents captures event names.
type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) Log(event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

// countingLoader returns cfg and counts forced reloads.
type countingLoader struct {
	mu     sync.Mutex
	cfg    *policy.Config
	forced int
	err    error
}

func (l *countingLoader) Load(force bool) (*policy.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if force {
		l.forced++
	}
	if l.err != nil {
		return nil, l.err
	}
	return l.cfg, nil
}

var (
	errAuth      = &model.APIError{Kind: model.KindAuth, StatusCode: 401, Message: "bad key"}
	errRateLimit = &model.APIError{Kind: model.KindTransient, StatusCode: 429, Message: "slow down"}
	errFatal     = errors.New("malformed request")
)

// clientsByModel builds a factory handing out one client per model id.
func clientsByModel(clients map[string]*scriptedClient) ClientFactory {
	return func(_ *policy.Config, id string) (model.Client, error) {
		c, ok := clients[id]
		if !ok {
			return nil, &model.APIError{Kind: model.KindConfig, Model: id, Message: "unknown model"}
		}
		return c, nil
	}
}
