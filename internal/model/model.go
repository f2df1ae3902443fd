// Package model defines the chat-model client used by sub-agent workers and classifies its failures.
package model

import (
	"context"
	"sync"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn in a chat session.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// Session is the ordered conversation sent to the model. Safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	messages []Message
}

// NewSession starts a session with an optional system prompt.
func NewSession(systemPrompt string) *Session {
	s := &Session{}
	if systemPrompt != "" {
		s.messages = append(s.messages, Message{Role: RoleSystem, Content: systemPrompt})
	}
	return s
}

// Add appends a message.
func (s *Session) Add(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// AddUser appends a user message.
func (s *Session) AddUser(content string) {
	s.Add(Message{Role: RoleUser, Content: content})
}

// Messages returns a copy of the conversation.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// ToolRunner executes tool calls on behalf of the client. Tool implementations live outside this module.
type ToolRunner interface {
	RunTool(ctx context.Context, name, args string) (string, error)
}

// ChatOptions carries streaming callbacks and tool wiring for one Chat call.
type ChatOptions struct {
	OnAssistant  func(text, reasoning string, calls []ToolCall)
	OnToolCall   func(callID, name, args string)
	OnToolResult func(callID, name, result string)
	Tools        ToolRunner
	MaxToolTurns int
}

// Response is the final assistant output of a Chat call.
type Response struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
	Model     string `json:"model"`
}

// Client runs one chat exchange (including any tool turns) against a model.
// Implementations must return promptly once ctx is cancelled.
type Client interface {
	Chat(ctx context.Context, model string, session *Session, opts ChatOptions) (*Response, error)
}
