package agent

import (
	"errors"
	"fmt"
	"log"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/model"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

// ConfigLoader returns the current configuration, re-reading it when force is set.
type ConfigLoader interface {
	Load(force bool) (*policy.Config, error)
}

// EventLogger records worker events. Implementations must not block for long or fail loudly.
type EventLogger interface {
	Log(event string, payload any)
}

type nopEvents struct{}

func (nopEvents) Log(string, any) {}

// ClientFactory builds a model client for a configured model id.
type ClientFactory func(cfg *policy.Config, modelID string) (model.Client, error)

// RunState is the per-job model state consulted and updated by the retry loop.
// Each flag goes from false to true at most once.
type RunState struct {
	Config        *policy.Config
	Client        model.Client
	TargetModel   string
	FallbackModel string // the caller's model; used once for transient failures

	LoggedAuthDebug   bool
	RefreshedConfig   bool
	UsedFallbackModel bool
}

// Action is the classifier's verdict on a failed call.
type Action int

const (
	ActionThrow Action = iota
	ActionRetry
)

func (a Action) String() string {
	if a == ActionRetry {
		return "retry"
	}
	return "throw"
}

// Classifier decides how the retry loop reacts to a model failure.
type Classifier struct {
	Loader       ConfigLoader
	NewClient    ClientFactory
	ResolveModel func(cfg *policy.Config) string
	Events       EventLogger
	Logger       *log.Logger
}

// Decide classifies err and, when recovery is possible, updates st in place and returns ActionRetry.
func (c *Classifier) Decide(err error, st *RunState) Action {
	class := model.Classify(err)
	if class == model.ClassAuth || class == model.ClassConfig {
		if !st.LoggedAuthDebug {
			st.LoggedAuthDebug = true
			c.events().Log(domain.EventModelAuthDebug, c.authDebug(err, class, st))
		}
		if !st.RefreshedConfig {
			st.RefreshedConfig = true
			if c.refresh(st) {
				return ActionRetry
			}
		}
	}

	if model.IsRetryable(err) && st.FallbackModel != "" && st.FallbackModel != st.TargetModel && !st.UsedFallbackModel {
		st.UsedFallbackModel = true
		client, cerr := c.NewClient(st.Config, st.FallbackModel)
		if cerr != nil {
			c.Logger.Printf("Classifier: fallback model %s unavailable: %v", st.FallbackModel, cerr)
			return ActionThrow
		}
		from := st.TargetModel
		st.TargetModel = st.FallbackModel
		st.Client = client
		notice := fmt.Sprintf("Model %s failed (%v). Retrying with %s.", from, err, st.FallbackModel)
		c.events().Log(domain.EventModelFallback, map[string]string{
			"from":   from,
			"to":     st.FallbackModel,
			"reason": err.Error(),
			"notice": notice,
		})
		c.Logger.Printf("Classifier: %s", notice)
		return ActionRetry
	}
	return ActionThrow
}

func (c *Classifier) refresh(st *RunState) bool {
	cfg, err := c.Loader.Load(true)
	if err != nil {
		c.Logger.Printf("Classifier: config refresh failed: %v", err)
		return false
	}
	modelID := c.ResolveModel(cfg)
	if modelID == "" {
		c.Logger.Printf("Classifier: config refresh resolved no model")
		return false
	}
	client, err := c.NewClient(cfg, modelID)
	if err != nil {
		c.Logger.Printf("Classifier: config refresh client for %s: %v", modelID, err)
		return false
	}
	c.Logger.Printf("Classifier: reloaded config, retrying with %s", modelID)
	st.Config = cfg
	st.Client = client
	st.TargetModel = modelID
	return true
}

func (c *Classifier) authDebug(err error, class model.Class, st *RunState) map[string]any {
	info := map[string]any{
		"class": string(class),
		"model": st.TargetModel,
		"error": err.Error(),
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		info["status"] = apiErr.StatusCode
		info["provider"] = apiErr.Provider
	}
	if st.Config != nil {
		if mc, ok := st.Config.FindModel(st.TargetModel); ok {
			info["provider"] = mc.Provider
			info["base_url"] = mc.BaseURL
			info["api_key"] = policy.MaskSecret(mc.ResolveAPIKey())
		}
	}
	return info
}

func (c *Classifier) events() EventLogger {
	if c.Events == nil {
		return nopEvents{}
	}
	return c.Events
}
