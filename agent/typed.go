package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// Func is the implementation of a typed agent.
type Func[I, O any] func(ctx context.Context, in I, ac *Context) (O, error)

// Options configure a typed agent.
type Options struct {
	// Gated makes the agent return the zero output without running when
	// its ToolOptions are not enabled for the turn.
	Gated bool

	// ValidateOutput checks the produced value against the output schema.
	ValidateOutput bool
}

// Typed is an Agent backed by a Go func with reflected schemas.
type Typed[I, O any] struct {
	name        string
	description string
	fn          Func[I, O]
	opts        Options

	inputSchema  map[string]any
	outputSchema map[string]any
	input        *sjsonschema.Schema
	output       *sjsonschema.Schema
}

var _ Agent = (*Typed[struct{}, struct{}])(nil)

// New builds a typed agent. Schemas are reflected from I and O; struct tags
// understood by github.com/invopop/jsonschema (json, jsonschema) shape them.
func New[I, O any](name, description string, fn Func[I, O], optFns ...func(o *Options)) (*Typed[I, O], error) {
	if name == "" {
		return nil, errors.New("agent: name is required")
	}

	if fn == nil {
		return nil, fmt.Errorf("agent %s: func is required", name)
	}

	opts := Options{}
	for _, f := range optFns {
		f(&opts)
	}

	in, err := reflectSchema[I]()
	if err != nil {
		return nil, fmt.Errorf("agent %s: input schema: %w", name, err)
	}

	out, err := reflectSchema[O]()
	if err != nil {
		return nil, fmt.Errorf("agent %s: output schema: %w", name, err)
	}

	inSch, err := compileSchema(name+".input", in)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	a := &Typed[I, O]{
		name:         name,
		description:  description,
		fn:           fn,
		opts:         opts,
		inputSchema:  in,
		outputSchema: out,
		input:        inSch,
	}

	if opts.ValidateOutput {
		if a.output, err = compileSchema(name+".output", out); err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
	}

	return a, nil
}

// MustNew is like New but panics on error. Intended for package level agents
// whose schemas are known to be valid.
func MustNew[I, O any](name, description string, fn Func[I, O], optFns ...func(o *Options)) *Typed[I, O] {
	a, err := New(name, description, fn, optFns...)
	if err != nil {
		panic(err)
	}

	return a
}

// Name implements Agent.
func (a *Typed[I, O]) Name() string { return a.name }

// Description implements Agent.
func (a *Typed[I, O]) Description() string { return a.description }

// InputSchema implements Agent.
func (a *Typed[I, O]) InputSchema() map[string]any { return a.inputSchema }

// OutputSchema implements Agent.
func (a *Typed[I, O]) OutputSchema() map[string]any { return a.outputSchema }

// Execute validates input, decodes it into I and runs the func.
func (a *Typed[I, O]) Execute(ctx context.Context, input json.RawMessage, ac *Context) (any, error) {
	var zero O

	if a.opts.Gated && (ac == nil || !ac.Tool.Enabled) {
		ac.Log().Debug("agent.disabled", "agent", a.name)
		return zero, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := decodeInstance(input)
	if err != nil {
		return nil, &Error{Agent: a.name, Code: CodeValidation, Message: "arguments are not valid JSON", Err: errors.Join(ErrValidation, err)}
	}

	if err := a.input.Validate(doc); err != nil {
		return nil, &Error{Agent: a.name, Code: CodeValidation, Message: err.Error(), Err: errors.Join(ErrValidation, err)}
	}

	var in I
	if len(input) > 0 && string(input) != "null" {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, &Error{Agent: a.name, Code: CodeValidation, Message: err.Error(), Err: errors.Join(ErrValidation, err)}
		}
	}

	out, err := a.fn(ctx, in, ac)
	if err != nil {
		return nil, wrapExecution(a.name, err)
	}

	if a.output != nil {
		if err := validateValue(a.output, out); err != nil {
			return nil, &Error{Agent: a.name, Code: CodeOutput, Message: err.Error(), Err: err}
		}
	}

	return out, nil
}

// wrapExecution keeps *Error and context errors as they are and tags
// everything else as an execution failure.
func wrapExecution(name string, err error) error {
	var aerr *Error
	if errors.As(err, &aerr) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &Error{Agent: name, Code: CodeExecution, Message: err.Error(), Err: err}
}

func validateValue(sch *sjsonschema.Schema, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	doc, err := decodeInstance(raw)
	if err != nil {
		return err
	}

	return sch.Validate(doc)
}
