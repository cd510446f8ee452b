// Package agent defines the callable units a language model can invoke as
// tools during a turn.
//
// An Agent has a unique name, a description shown to the model, JSON
// schemas for its input and output and an Execute method. Agents hold no
// mutable instance state: everything a call needs arrives through the
// *Context (conversation snapshot, strategy collaborators and tool options).
//
// Typed agents are built with New, which reflects schemas from the Go input
// and output types and validates the model supplied arguments before the
// implementation runs:
//
//	type readInput struct {
//	    Paths []string `json:"paths" jsonschema:"description=Files to read"`
//	}
//
//	a, err := agent.New("read_files", "Read files from the workspace",
//	    func(ctx context.Context, in readInput, ac *agent.Context) (string, error) {
//	        ...
//	    })
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/model"
	"github.com/hupe1980/chatmesh/search"
	"github.com/hupe1980/chatmesh/session"
)

// Error codes carried by *Error.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeOutput     = "OUTPUT_ERROR"
)

// ErrValidation is matched by errors.Is for input validation failures.
var ErrValidation = errors.New("agent input validation failed")

// Agent is a model callable tool.
type Agent interface {
	// Name returns the tool name exposed to the model.
	Name() string
	// Description returns a short imperative description for the model.
	Description() string
	// InputSchema returns the JSON schema of the accepted arguments.
	InputSchema() map[string]any
	// OutputSchema returns the JSON schema of the produced value.
	OutputSchema() map[string]any
	// Execute runs the agent with the raw JSON arguments of a tool call.
	Execute(ctx context.Context, input json.RawMessage, ac *Context) (any, error)
}

// Error represents a failure raised while executing an agent.
type Error struct {
	Agent   string `json:"agent"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("agent error [%s] in %s: %s", e.Code, e.Agent, e.Message)
	}

	return fmt.Sprintf("agent error in %s: %s", e.Agent, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new *Error with the specified details.
func NewError(agent, code, message string) *Error {
	return &Error{Agent: agent, Code: code, Message: message}
}

// ToolOptions is the per-agent gate computed for a turn from plugin state.
type ToolOptions struct {
	Enabled bool
	Values  map[string]any
}

// String returns the string value stored under key.
func (o ToolOptions) String(key string) string {
	s, _ := o.Values[key].(string)
	return s
}

// Strings returns the string list stored under key.
func (o ToolOptions) Strings(key string) []string {
	switch v := o.Values[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}

// StrategyOptions bundles the collaborators that strategies and agents use.
// Any field may be nil when the host did not configure it.
type StrategyOptions struct {
	ModelFactory model.Factory
	Searcher     search.Searcher
	Fetcher      fetch.Fetcher
	Store        session.Store
	Logger       logging.Logger
}

// Log returns the configured logger or a NoOpLogger.
func (o *StrategyOptions) Log() logging.Logger {
	if o == nil {
		return logging.NoOpLogger{}
	}

	return logging.OrNoOp(o.Logger)
}

// Context is handed to every agent call.
type Context struct {
	// Conversation is a read-only snapshot of the conversation being answered.
	Conversation *core.Conversation
	// Strategy holds the shared collaborators.
	Strategy *StrategyOptions
	// Tool is this agent's gate for the turn.
	Tool ToolOptions
	// CallID is the model assigned id of the tool call.
	CallID string
	// Logger is tagged with the agent and call id.
	Logger logging.Logger
}

// PluginState returns the state the turn recorded for plugin id.
func (c *Context) PluginState(id core.PluginID) map[string]any {
	if c == nil || c.Conversation == nil {
		return nil
	}

	st, _ := c.Conversation.PluginStates[id].(map[string]any)

	return st
}

// Log returns a non-nil logger.
func (c *Context) Log() logging.Logger {
	if c == nil {
		return logging.NoOpLogger{}
	}

	if c.Logger != nil {
		return c.Logger
	}

	return c.Strategy.Log()
}

// Definition converts a into the tool definition sent to the model.
func Definition(a Agent) model.ToolDefinition {
	return model.ToolDefinition{
		Name:        a.Name(),
		Description: a.Description(),
		Parameters:  a.InputSchema(),
	}
}
