package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/model"
)

// DefaultMaxIterations caps model invocations per turn.
const DefaultMaxIterations = 10

// ErrModelInvocation is matched by errors.Is for model failures.
var ErrModelInvocation = errors.New("model invocation failed")

// ModelError wraps a failed model invocation.
type ModelError struct {
	Model     string
	Iteration int
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s failed on iteration %d: %v", e.Model, e.Iteration, e.Err)
}

// Unwrap allows errors.Is for both ErrModelInvocation and the cause.
func (e *ModelError) Unwrap() []error { return []error{ErrModelInvocation, e.Err} }

// State is a turn loop state.
type State int

const (
	StateIdle State = iota
	StateAwaitingModel
	StateHasToolCalls
	StateExecutingTools
	StateMergingState
	StateFinalized
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateHasToolCalls:
		return "has_tool_calls"
	case StateExecutingTools:
		return "executing_tools"
	case StateMergingState:
		return "merging_state"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// LoopOptions configures a Loop.
type LoopOptions struct {
	// Instructions is the system prompt.
	Instructions string
	Nodes        []*Node
	Strategy     *agent.StrategyOptions
	ToolOptions  map[string]agent.ToolOptions
	// MaxIterations caps model invocations. Values < 1 use DefaultMaxIterations.
	MaxIterations int
	MaxParallel   int
	Observer      core.Observer
	OnTransition  func(from, to State)
	Logger        logging.Logger
}

// Loop runs one turn against a model.
type Loop struct {
	model    model.Model
	opts     LoopOptions
	tools    map[string]*Node
	executor *Executor
}

// NewLoop creates a loop. It fails with ErrDuplicateTool when two agents of
// the given nodes share a name.
func NewLoop(m model.Model, optFns ...func(o *LoopOptions)) (*Loop, error) {
	if m == nil {
		return nil, errors.New("flow: model is required")
	}

	opts := LoopOptions{MaxIterations: DefaultMaxIterations}
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.MaxIterations < 1 {
		opts.MaxIterations = DefaultMaxIterations
	}

	opts.Logger = logging.OrNoOp(opts.Logger)

	tools, err := toolIndex(opts.Nodes)
	if err != nil {
		return nil, err
	}

	return &Loop{
		model: m,
		opts:  opts,
		tools: tools,
		executor: NewExecutor(func(o *ExecutorOptions) {
			o.MaxParallel = opts.MaxParallel
		}),
	}, nil
}

// ToolDefinitions returns the tool specs of every node in node order.
func (l *Loop) ToolDefinitions() []model.ToolDefinition {
	var out []model.ToolDefinition
	for _, n := range l.opts.Nodes {
		if n != nil {
			out = append(out, n.ToolDefinitions()...)
		}
	}

	return out
}

type run struct {
	loop     *Loop
	conv     *core.Conversation
	state    State
	messages []core.Content
	lastText string
	log      logging.Logger
}

// Run drives conv, the assistant conversation being produced, to a terminal
// status. history is the model message history ending with the user turn.
//
// A cancelled context finalizes conv as cancelled and returns a nil error.
// Reaching MaxIterations finalizes it as completed with Truncated set. A model
// failure finalizes it as failed and returns a *ModelError. Records and logs
// merged before the failure are kept.
func (l *Loop) Run(ctx context.Context, conv *core.Conversation, history []core.Content) (*core.Conversation, error) {
	if conv.Finalized() {
		return conv, fmt.Errorf("flow: conversation %s is already %s", conv.ID, conv.Status)
	}

	r := &run{
		loop:     l,
		conv:     conv,
		messages: slices.Clone(history),
		log:      logging.With(l.opts.Logger, "conversation_id", conv.ID),
	}

	conv.Status = core.StatusRunning
	r.notify()

	limiter := core.NewIterationLimiter(l.opts.MaxIterations)
	tools := l.ToolDefinitions()

	for {
		if ctx.Err() != nil {
			return r.cancel(), nil
		}

		if err := limiter.Increment(); err != nil {
			return r.truncate(limiter.Count()), nil
		}

		r.transition(StateAwaitingModel)

		resp, err := r.invoke(ctx, tools, limiter.Count())
		if err != nil {
			if ctx.Err() != nil {
				return r.cancel(), nil
			}

			merr := &ModelError{Model: l.model.Info().Name, Iteration: limiter.Count(), Err: err}
			conv.Finalize(core.StatusFailed, merr)
			r.transition(StateFinalized)
			r.notify()

			return conv, merr
		}

		r.transition(StateHasToolCalls)

		calls := resp.FunctionCalls()
		if text := resp.Text(); text != "" {
			r.lastText = text
		}

		if len(calls) == 0 {
			conv.SetText(resp.Text())
			conv.Finalize(core.StatusCompleted, nil)
			r.transition(StateFinalized)
			r.notify()

			return conv, nil
		}

		r.messages = append(r.messages, resp.Content)

		r.transition(StateExecutingTools)

		results := l.executor.Execute(ctx, r.route(calls), &ExecContext{
			Conversation: conv.Clone(),
			Strategy:     l.opts.Strategy,
			ToolOptions:  l.opts.ToolOptions,
			Logger:       r.log,
		})

		if ctx.Err() != nil {
			r.merge(settled(results))
			return r.cancel(), nil
		}

		r.transition(StateMergingState)
		r.merge(results)
	}
}

func (r *run) invoke(ctx context.Context, tools []model.ToolDefinition, iteration int) (*model.Response, error) {
	start := time.Now()

	resp, err := r.loop.model.Invoke(ctx, model.Request{
		Instructions: r.loop.opts.Instructions,
		Contents:     r.messages,
		Tools:        tools,
	})
	if err == nil && resp == nil {
		err = model.ErrNoChoices
	}

	tokens := 0
	if err == nil && resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
	}

	logModelCall(r.log, r.loop.model.Info().Name, tokens, time.Since(start), err, iteration)

	return resp, err
}

// route pairs every call with the node owning its tool.
func (r *run) route(calls []core.FunctionCall) []Task {
	tasks := make([]Task, len(calls))
	for i, c := range calls {
		tasks[i] = Task{Node: r.loop.tools[c.Name], Call: c}
	}

	return tasks
}

// merge appends records and logs in call order, publishes the snapshot and
// adds one tool result message per call.
func (r *run) merge(results []CallResult) {
	if len(results) == 0 {
		return
	}

	records := make([]core.AgentRecord, 0, len(results))

	var logs []core.LogEntry
	for _, res := range results {
		records = append(records, res.Record)
		logs = append(logs, res.Logs...)
		r.messages = append(r.messages, core.NewFunctionResponseContent(res.Call, res.Record.Output, res.Err))
	}

	r.conv.Append(records, logs)
	r.notify()
}

func (r *run) cancel() *core.Conversation {
	r.conv.Finalize(core.StatusCancelled, nil)
	r.transition(StateFinalized)
	r.notify()
	r.log.Info("flow.turn.cancelled")

	return r.conv
}

func (r *run) truncate(invocations int) *core.Conversation {
	r.conv.Truncated = true
	if r.lastText != "" {
		r.conv.SetText(r.lastText)
	}

	r.conv.Finalize(core.StatusCompleted, nil)
	r.transition(StateFinalized)
	r.notify()
	r.log.Warn("flow.turn.truncated", "invocations", invocations)

	return r.conv
}

func (r *run) transition(to State) {
	from := r.state
	r.state = to

	if fn := r.loop.opts.OnTransition; fn != nil {
		fn(from, to)
	}
}

func (r *run) notify() {
	if obs := r.loop.opts.Observer; obs != nil {
		obs.OnStateUpdate(r.conv.Clone())
	}
}

// settled drops the results of calls that were aborted by cancellation.
func settled(results []CallResult) []CallResult {
	return slices.DeleteFunc(slices.Clone(results), func(res CallResult) bool {
		return errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)
	})
}

func logModelCall(l logging.Logger, name string, tokens int, dur time.Duration, err error, iteration int) {
	if cl, ok := l.(*logging.ChatLogger); ok {
		cl.WithContext("iteration", iteration).LogModelCall(name, tokens, dur, err == nil, err)
		return
	}

	if err != nil {
		l.Error("flow.model.failed", "model", name, "iteration", iteration, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}

	l.Info("flow.model.invoked", "model", name, "iteration", iteration, "token_count", tokens, "duration_ms", dur.Milliseconds())
}
