package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// FuncAgent exposes a plain func with an explicit parameter schema. Use it
// when the schema is dynamic (for example built from plugin settings); prefer
// New otherwise.
//
// Error codes:
//
//	VALIDATION_ERROR -> arguments do not match the schema
//	EXECUTION_ERROR  -> the func returned an error that is not an *Error
//
// A FuncAgent has no mutable state after construction and is safe for
// concurrent use.
type FuncAgent struct {
	name        string
	description string
	parameters  map[string]any
	schema      *sjsonschema.Schema
	fn          func(ctx context.Context, args map[string]any, ac *Context) (any, error)
}

var _ Agent = (*FuncAgent)(nil)

// NewFunc constructs a FuncAgent from an explicit JSON schema and func.
//
// Example:
//
//	echo, err := agent.NewFunc(
//	  "echo",
//	  "Echo the given text",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{"text": map[string]any{"type": "string"}},
//	    "required": []any{"text"},
//	  },
//	  func(ctx context.Context, args map[string]any, ac *agent.Context) (any, error) {
//	    return args["text"], nil
//	  },
//	)
func NewFunc(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, args map[string]any, ac *Context) (any, error),
) (*FuncAgent, error) {
	if name == "" {
		return nil, errors.New("agent: name is required")
	}

	if parameters == nil {
		parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	sch, err := compileSchema(name+".input", parameters)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	return &FuncAgent{name: name, description: description, parameters: parameters, schema: sch, fn: fn}, nil
}

// Name implements Agent.
func (a *FuncAgent) Name() string { return a.name }

// Description implements Agent.
func (a *FuncAgent) Description() string { return a.description }

// InputSchema implements Agent.
func (a *FuncAgent) InputSchema() map[string]any { return a.parameters }

// OutputSchema implements Agent.
func (a *FuncAgent) OutputSchema() map[string]any { return map[string]any{} }

// Execute implements Agent.
func (a *FuncAgent) Execute(ctx context.Context, input json.RawMessage, ac *Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := decodeInstance(input)
	if err != nil {
		return nil, &Error{Agent: a.name, Code: CodeValidation, Message: "arguments are not valid JSON", Err: errors.Join(ErrValidation, err)}
	}

	if err := a.schema.Validate(doc); err != nil {
		return nil, &Error{Agent: a.name, Code: CodeValidation, Message: err.Error(), Err: errors.Join(ErrValidation, err)}
	}

	args := map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, &Error{Agent: a.name, Code: CodeValidation, Message: err.Error(), Err: errors.Join(ErrValidation, err)}
		}
	}

	out, err := a.fn(ctx, args, ac)
	if err != nil {
		return nil, wrapExecution(a.name, err)
	}

	return out, nil
}
