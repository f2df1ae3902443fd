package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultMaxToolTurns = 25

// OpenAIClient talks to an OpenAI-compatible /chat/completions endpoint.
type OpenAIClient struct {
	BaseURL    string
	APIKey     string
	Provider   string
	HTTPClient *http.Client
}

// NewOpenAIClient creates a client. An empty apiKey is a config error reported on first use.
func NewOpenAIClient(provider, baseURL, apiKey string) *OpenAIClient {
	return &OpenAIClient{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		Provider:   provider,
		HTTPClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	Name             string         `json:"name,omitempty"`
	ToolCallID       string         `json:"tool_call_id,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
}

type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const toolInterrupted = "interrupted: tool call did not complete"

// Chat sends the session and runs tool turns until the model answers without tool calls.
func (c *OpenAIClient) Chat(ctx context.Context, model string, session *Session, opts ChatOptions) (*Response, error) {
	if c.APIKey == "" {
		return nil, &APIError{Kind: KindConfig, Provider: c.Provider, Model: model, Message: ErrMissingAPIKey.Message}
	}
	maxTurns := opts.MaxToolTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxToolTurns
	}
	for turn := 0; ; turn++ {
		msg, respModel, err := c.complete(ctx, model, session.Messages())
		if err != nil {
			return nil, err
		}
		calls := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		session.Add(Message{Role: RoleAssistant, Content: msg.Content, ToolCalls: calls})
		if opts.OnAssistant != nil {
			opts.OnAssistant(msg.Content, msg.ReasoningContent, calls)
		}
		if len(calls) == 0 || opts.Tools == nil {
			return &Response{Content: msg.Content, Reasoning: msg.ReasoningContent, Model: respModel}, nil
		}
		if turn+1 >= maxTurns {
			return nil, fmt.Errorf("tool turn limit (%d) reached", maxTurns)
		}
		for i, call := range calls {
			if ctx.Err() != nil {
				answerInterrupted(session, calls[i:])
				return nil, ctx.Err()
			}
			if opts.OnToolCall != nil {
				opts.OnToolCall(call.ID, call.Name, call.Arguments)
			}
			out, err := opts.Tools.RunTool(ctx, call.Name, call.Arguments)
			if err != nil {
				if ctx.Err() != nil {
					answerInterrupted(session, calls[i:])
					return nil, ctx.Err()
				}
				out = "error: " + err.Error()
			}
			if opts.OnToolResult != nil {
				opts.OnToolResult(call.ID, call.Name, out)
			}
			session.Add(Message{Role: RoleTool, Content: out, Name: call.Name, ToolCallID: call.ID})
		}
	}
}

// answerInterrupted closes out tool calls that will never run so the
// session stays a valid transcript for the next request.
func answerInterrupted(session *Session, calls []ToolCall) {
	for _, call := range calls {
		session.Add(Message{Role: RoleTool, Content: toolInterrupted, Name: call.Name, ToolCallID: call.ID})
	}
}

func (c *OpenAIClient) complete(ctx context.Context, model string, messages []Message) (wireMessage, string, error) {
	req := wireRequest{Model: model, Messages: make([]wireMessage, 0, len(messages))}
	for _, m := range messages {
		wm := wireMessage{Role: string(m.Role), Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{ID: tc.ID, Type: "function", Function: wireFunction{Name: tc.Name, Arguments: tc.Arguments}})
		}
		req.Messages = append(req.Messages, wm)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return wireMessage{}, "", &APIError{Kind: KindConfig, Provider: c.Provider, Model: model, Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return wireMessage{}, "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		text := strings.TrimSpace(string(data))
		var parsed wireResponse
		if json.Unmarshal(data, &parsed) == nil && parsed.Error != nil {
			text = parsed.Error.Message
		}
		return wireMessage{}, "", &APIError{
			StatusCode: resp.StatusCode,
			Kind:       KindForStatus(resp.StatusCode, text),
			Provider:   c.Provider,
			Model:      model,
			Message:    text,
		}
	}
	var parsed wireResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return wireMessage{}, "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return wireMessage{}, "", &APIError{StatusCode: resp.StatusCode, Kind: KindTransient, Provider: c.Provider, Model: model, Message: "empty choices"}
	}
	respModel := parsed.Model
	if respModel == "" {
		respModel = model
	}
	return parsed.Choices[0].Message, respModel, nil
}
