package agent

import (
	"errors"
	"testing"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/model"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

func newTestClassifier(loader ConfigLoader, clients map[string]*scriptedClient, resolved string, events EventLogger) *Classifier {
	return &Classifier{
		Loader:       loader,
		NewClient:    clientsByModel(clients),
		ResolveModel: func(*policy.Config) string { return resolved },
		Events:       events,
		Logger:       discardLogger(),
	}
}

func TestClassifier_Decide(t *testing.T) {
	m1 := newScriptedClient("m1")
	m2 := newScriptedClient("m2")
	clients := map[string]*scriptedClient{"m1": m1, "m2": m2}

	tests := []struct {
		name       string
		err        error
		state      RunState
		loader     *countingLoader
		resolved   string
		want       Action
		wantTarget string
	}{
		{
			name:       "auth error refreshes config",
			err:        errAuth,
			state:      RunState{TargetModel: "m1"},
			loader:     &countingLoader{cfg: policy.DefaultConfig()},
			resolved:   "m2",
			want:       ActionRetry,
			wantTarget: "m2",
		},
		{
			name:       "auth error after refresh throws",
			err:        errAuth,
			state:      RunState{TargetModel: "m1", RefreshedConfig: true, LoggedAuthDebug: true},
			loader:     &countingLoader{cfg: policy.DefaultConfig()},
			resolved:   "m2",
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "config error with failing reload throws",
			err:        &model.APIError{Kind: model.KindConfig},
			state:      RunState{TargetModel: "m1"},
			loader:     &countingLoader{err: errors.New("read config: missing")},
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "reload resolving no model throws",
			err:        errAuth,
			state:      RunState{TargetModel: "m1"},
			loader:     &countingLoader{cfg: policy.DefaultConfig()},
			resolved:   "",
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "transient error falls back",
			err:        errRateLimit,
			state:      RunState{TargetModel: "m1", FallbackModel: "m2"},
			loader:     &countingLoader{},
			want:       ActionRetry,
			wantTarget: "m2",
		},
		{
			name:       "fallback equal to target throws",
			err:        errRateLimit,
			state:      RunState{TargetModel: "m1", FallbackModel: "m1"},
			loader:     &countingLoader{},
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "fallback already used throws",
			err:        errRateLimit,
			state:      RunState{TargetModel: "m2", FallbackModel: "m1", UsedFallbackModel: true},
			loader:     &countingLoader{},
			want:       ActionThrow,
			wantTarget: "m2",
		},
		{
			name:       "no fallback throws",
			err:        errRateLimit,
			state:      RunState{TargetModel: "m1"},
			loader:     &countingLoader{},
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "unknown fallback model throws",
			err:        errRateLimit,
			state:      RunState{TargetModel: "m1", FallbackModel: "missing"},
			loader:     &countingLoader{},
			want:       ActionThrow,
			wantTarget: "m1",
		},
		{
			name:       "other error throws",
			err:        errFatal,
			state:      RunState{TargetModel: "m1", FallbackModel: "m2"},
			loader:     &countingLoader{},
			want:       ActionThrow,
			wantTarget: "m1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := tt.state
			c := newTestClassifier(tt.loader, clients, tt.resolved, &recordingEvents{})
			if got := c.Decide(tt.err, &st); got != tt.want {
				t.Errorf("Decide = %s, want %s", got, tt.want)
			}
			if st.TargetModel != tt.wantTarget {
				t.Errorf("TargetModel = %q, want %q", st.TargetModel, tt.wantTarget)
			}
		})
	}
}

func TestClassifier_AuthDebugLoggedOnce(t *testing.T) {
	events := &recordingEvents{}
	cfg := policy.DefaultConfig()
	cfg.Models = []policy.ModelConfig{{ID: "m1", Provider: "openai", APIKey: "sk-1234567890abcd"}}
	c := newTestClassifier(&countingLoader{cfg: cfg}, map[string]*scriptedClient{"m1": newScriptedClient("m1")}, "m1", events)

	st := &RunState{Config: cfg, TargetModel: "m1"}
	c.Decide(errAuth, st)
	c.Decide(errAuth, st)
	if got := events.Count(domain.EventModelAuthDebug); got != 1 {
		t.Errorf("auth debug events = %d, want 1", got)
	}

	info := c.authDebug(errAuth, model.ClassAuth, st)
	if info["api_key"] != "sk-1*********abcd" {
		t.Errorf("api_key = %v, want masked", info["api_key"])
	}
	if info["status"] != 401 {
		t.Errorf("status = %v", info["status"])
	}
}

func TestResolveModel(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.Models = []policy.ModelConfig{{ID: "first"}, {ID: "second"}}
	cfg.Agents = map[string]policy.AgentConfig{"reviewer": {Model: "second"}}

	tests := []struct {
		name   string
		params domain.JobParams
		deflt  string
		want   string
	}{
		{"explicit", domain.JobParams{Model: "x"}, "", "x"},
		{"agent", domain.JobParams{AgentID: "reviewer"}, "first", "second"},
		{"default", domain.JobParams{AgentID: "other"}, "first", "first"},
		{"first configured", domain.JobParams{}, "", "first"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg.DefaultModel = tt.deflt
			if got := ResolveModel(cfg, tt.params); got != tt.want {
				t.Errorf("ResolveModel = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDefaultClientFactory_UnknownModel(t *testing.T) {
	_, err := DefaultClientFactory(policy.DefaultConfig(), "nope")
	if model.Classify(err) != model.ClassConfig {
		t.Errorf("Classify = %s, want config_error", model.Classify(err))
	}
}
