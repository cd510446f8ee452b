package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/logging"
)

// ExecContext carries what agent calls of one batch share.
type ExecContext struct {
	// Conversation is the read-only snapshot handed to agents.
	Conversation *core.Conversation
	Strategy     *agent.StrategyOptions
	// ToolOptions holds the gates per agent name. Missing entries are enabled.
	ToolOptions map[string]agent.ToolOptions
	Logger      logging.Logger
}

func (ec *ExecContext) toolOptions(name string) agent.ToolOptions {
	if ec != nil {
		if o, ok := ec.ToolOptions[name]; ok {
			return o
		}
	}

	return agent.ToolOptions{Enabled: true}
}

func (ec *ExecContext) log() logging.Logger {
	if ec == nil {
		return logging.NoOpLogger{}
	}

	if ec.Logger != nil {
		return ec.Logger
	}

	return ec.Strategy.Log()
}

// CallResult is the settled outcome of one tool call.
type CallResult struct {
	Call   core.FunctionCall
	Node   *Node
	Record core.AgentRecord
	Logs   []core.LogEntry
	Err    error
}

// PanicError is recorded when an agent panics.
type PanicError struct {
	Agent string
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("agent %s panicked: %v", p.Agent, p.Value) }

// ExecutorOptions configures the parallel executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent calls. 0 or <1 runs every call at once.
	MaxParallel int
	// LogStartEvents logs a start line per call.
	LogStartEvents bool
}

// Executor runs tool calls concurrently. Every call settles; a failing or
// panicking call never affects its siblings, and results are returned in the
// order of the incoming calls, not in completion order.
type Executor struct {
	opts ExecutorOptions
}

// NewExecutor creates an Executor.
func NewExecutor(optFns ...func(o *ExecutorOptions)) *Executor {
	opts := ExecutorOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Executor{opts: opts}
}

// Task is one routed call. A nil Node means no node owns the tool.
type Task struct {
	Node *Node
	Call core.FunctionCall
}

// Execute runs tasks and waits for all of them.
func (e *Executor) Execute(ctx context.Context, tasks []Task, ec *ExecContext) []CallResult {
	n := len(tasks)
	if n == 0 {
		return nil
	}

	log := ec.log()
	results := make([]CallResult, n)

	if n == 1 {
		results[0] = e.run(ctx, 0, tasks[0], ec, log)
		return results
	}

	maxPar := e.opts.MaxParallel
	if maxPar <= 0 || maxPar > n {
		maxPar = n
	}

	var wg sync.WaitGroup

	sem := make(chan struct{}, maxPar)
	batchStart := time.Now()

	for i := range tasks {
		wg.Add(1)

		go func(idx int, t Task) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				results[idx] = e.cancelled(idx, t, ctx.Err())
				return
			}
			defer func() { <-sem }()

			results[idx] = e.run(ctx, idx, t, ec, log)
		}(i, tasks[i])
	}

	wg.Wait()

	log.Debug("flow.tools.batch.complete",
		"count", n,
		"parallelism", maxPar,
		"duration_ms", time.Since(batchStart).Milliseconds(),
	)

	return results
}

func (e *Executor) cancelled(idx int, t Task, err error) CallResult {
	input := recordInput(t.Call.Arguments)
	record := core.NewAgentRecord(t.Call.Name, t.Call.ID, input, nil, err)

	return CallResult{Call: t.Call, Node: t.Node, Record: record, Logs: indexLogs(idx, record, []core.LogEntry{errorEntry(pluginOf(t.Node), record)}), Err: err}
}

func (e *Executor) run(ctx context.Context, idx int, t Task, ec *ExecContext, log logging.Logger) CallResult {
	call := t.Call
	input := recordInput(call.Arguments)

	if e.opts.LogStartEvents {
		log.Info("flow.tool.start", "tool", call.Name, "call_id", call.ID)
	}

	start := time.Now()

	var (
		output any
		err    error
	)

	var a agent.Agent
	if t.Node != nil {
		a, _ = t.Node.Agent(call.Name)
	}

	switch {
	case a == nil:
		err = fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)
	case ctx.Err() != nil:
		err = ctx.Err()
	default:
		ac := &agent.Context{
			Conversation: ec.snapshot(),
			Strategy:     ec.strategy(),
			Tool:         ec.toolOptions(call.Name),
			CallID:       call.ID,
			Logger:       logging.With(log, "agent", call.Name, "call_id", call.ID),
		}

		output, err = safeExecute(ctx, a, arguments(call.Arguments), ac)
	}

	logToolCall(log, call.Name, time.Since(start), err)

	record := core.NewAgentRecord(call.Name, call.ID, input, output, err)

	var logs []core.LogEntry
	if err != nil {
		logs = []core.LogEntry{errorEntry(pluginOf(t.Node), record)}
	} else {
		logs = t.Node.render(call, record)
	}

	return CallResult{Call: call, Node: t.Node, Record: record, Logs: indexLogs(idx, record, logs), Err: err}
}

func (ec *ExecContext) snapshot() *core.Conversation {
	if ec == nil {
		return nil
	}

	return ec.Conversation
}

func (ec *ExecContext) strategy() *agent.StrategyOptions {
	if ec == nil {
		return nil
	}

	return ec.Strategy
}

// safeExecute converts a panic in the agent into a *PanicError.
func safeExecute(ctx context.Context, a agent.Agent, input json.RawMessage, ac *agent.Context) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ac.Log().Error("flow.tool.panic", "recover", r)
			output, err = nil, &PanicError{Agent: a.Name(), Value: r, Stack: debug.Stack()}
		}
	}()

	return a.Execute(ctx, input, ac)
}

// ExecuteAgentTool runs the calls addressed to node. Calls the node does not
// own settle with ErrToolNotFound.
func ExecuteAgentTool(ctx context.Context, node *Node, calls []core.FunctionCall, ec *ExecContext) []CallResult {
	tasks := make([]Task, len(calls))
	for i, c := range calls {
		tasks[i] = Task{Node: node, Call: c}
	}

	return NewExecutor().Execute(ctx, tasks, ec)
}

func indexLogs(idx int, record core.AgentRecord, logs []core.LogEntry) []core.LogEntry {
	for i := range logs {
		logs[i].AgentID = record.ID
		logs[i].CallIndex = idx

		if logs[i].ID == "" {
			logs[i].ID = core.NewID()
		}
	}

	return logs
}

func pluginOf(n *Node) core.PluginID {
	if n == nil {
		return ""
	}

	return n.PluginID
}

func arguments(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}

	return json.RawMessage(raw)
}

// recordInput keeps the arguments for the ledger. Arguments that are not
// valid JSON are stored as a JSON string so the record stays encodable.
func recordInput(raw string) json.RawMessage {
	in := arguments(raw)
	if json.Valid(in) {
		return in
	}

	quoted, _ := json.Marshal(raw)

	return quoted
}

func logToolCall(l logging.Logger, tool string, dur time.Duration, err error) {
	if cl, ok := l.(*logging.ChatLogger); ok {
		cl.LogToolCall(tool, dur, err == nil, err)
		return
	}

	if err != nil {
		l.Error("flow.tool.failed", "tool", tool, "duration_ms", dur.Milliseconds(), "error", err.Error())
		return
	}

	l.Info("flow.tool.executed", "tool", tool, "duration_ms", dur.Milliseconds())
}
