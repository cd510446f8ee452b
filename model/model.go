package model

import (
	"context"
	"errors"

	"github.com/hupe1980/chatmesh/core"
)

// ErrNoChoices is returned by adapters when the provider produced no output.
var ErrNoChoices = errors.New("model returned no choices")

// ToolDefinition declaratively exposes a callable agent to the model.
// Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by the turn loop.
type Request struct {
	Instructions string           `json:"instructions"` // System prompt
	Contents     []core.Content   `json:"contents"`     // Conversation history
	Tools        []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the assistant message produced by one invocation.
type Response struct {
	ID           string       `json:"id"`
	Content      core.Content `json:"content"`
	FinishReason string       `json:"finish_reason"` // "stop", "length", "tool_calls", etc.
	Usage        *TokenUsage  `json:"usage,omitempty"`
}

// Text returns the text of the response.
func (r *Response) Text() string { return r.Content.Text() }

// FunctionCalls returns the tool calls the model requested, in order.
func (r *Response) FunctionCalls() []core.FunctionCall { return r.Content.FunctionCalls() }

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "scripted", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the minimal interface required by the turn loop.
type Model interface {
	// Invoke sends the request and returns the complete assistant message.
	Invoke(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the model implementation.
	Info() Info
}

// Factory resolves the model to use for a turn.
type Factory func(ctx context.Context) (Model, error)

// Static returns a Factory that always yields m.
func Static(m Model) Factory {
	return func(context.Context) (Model, error) { return m, nil }
}

// TextResponse builds a final text answer.
func TextResponse(text string) *Response {
	return &Response{Content: core.NewAssistantContent(text, nil), FinishReason: "stop"}
}

// ToolCallResponse builds a response requesting calls.
func ToolCallResponse(calls ...core.FunctionCall) *Response {
	return &Response{Content: core.NewAssistantContent("", calls), FinishReason: "tool_calls"}
}
