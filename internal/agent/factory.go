package agent

import (
	"context"
	"fmt"

	"github.com/leeoohoo/chatos-sub001/internal/domain"
	"github.com/leeoohoo/chatos-sub001/internal/model"
	"github.com/leeoohoo/chatos-sub001/internal/policy"
)

// DefaultClientFactory builds an OpenAI-compatible client from the model's config entry.
func DefaultClientFactory(cfg *policy.Config, modelID string) (model.Client, error) {
	if cfg == nil {
		return nil, &model.APIError{Kind: model.KindConfig, Model: modelID, Message: "no configuration loaded"}
	}
	mc, ok := cfg.FindModel(modelID)
	if !ok {
		return nil, &model.APIError{Kind: model.KindConfig, Model: modelID, Message: fmt.Sprintf("model %q is not configured", modelID)}
	}
	return &upstreamClient{inner: model.NewOpenAIClient(mc.Provider, mc.BaseURL, mc.ResolveAPIKey()), upstream: mc.UpstreamModel()}, nil
}

// upstreamClient maps a configured model id to the provider's model name.
type upstreamClient struct {
	inner    model.Client
	upstream string
}

func (u *upstreamClient) Chat(ctx context.Context, _ string, session *model.Session, opts model.ChatOptions) (*model.Response, error) {
	return u.inner.Chat(ctx, u.upstream, session, opts)
}

// ResolveModel picks the model for a job: explicit param, then the agent's model, then the default,
// then the first configured model.
func ResolveModel(cfg *policy.Config, params domain.JobParams) string {
	if params.Model != "" {
		return params.Model
	}
	if cfg == nil {
		return ""
	}
	if a, ok := cfg.Agents[params.AgentID]; ok && a.Model != "" {
		return a.Model
	}
	if cfg.DefaultModel != "" {
		return cfg.DefaultModel
	}
	if len(cfg.Models) > 0 {
		return cfg.Models[0].ID
	}
	return ""
}
