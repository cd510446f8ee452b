// Package terminal records the commands run in the user's terminal. Output
// attached with terminal:output mentions is inlined into the context prompt
// and the terminal_history agent lets the model look at recent commands.
//
// The plugin depends on fs: recording a command drops the fs content cache
// since the command may have changed workspace files.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/plugins/fs"
)

// ID is the plugin id.
const ID core.PluginID = "terminal"

// MentionOutput is the mention kind attaching a recorded entry.
const MentionOutput = "output"

// CommandRecord records a command. Arguments: command, output and
// optionally the exit code.
const CommandRecord = "terminal.record"

// CommandClear forgets the history.
const CommandClear = "terminal.clear"

const stateHistory = "history"

// Entry is one recorded command.
type Entry struct {
	ID       string    `json:"id"`
	Command  string    `json:"command"`
	Output   string    `json:"output"`
	ExitCode int       `json:"exit_code"`
	At       time.Time `json:"at"`
}

// State lists the entries mentioned in a turn.
type State struct {
	Entries []Entry `json:"entries"`
}

// Options configures the plugin.
type Options struct {
	// MaxHistory bounds the recorded entries.
	MaxHistory int
	// MaxOutput truncates recorded output, keeping the tail.
	MaxOutput int
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info
	opts Options

	mu   sync.RWMutex
	pctx *plugin.Context
}

var (
	_ plugin.InitialStater = (*Plugin)(nil)
	_ plugin.Deactivator   = (*Plugin)(nil)
)

// New creates the plugin.
func New(optFns ...func(o *Options)) *Plugin {
	opts := Options{MaxHistory: 50, MaxOutput: 4000}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Plugin{
		Info: plugin.Info{
			PluginID:       ID,
			PluginVersion:  "1.0.0",
			PluginRequires: []core.PluginID{fs.ID},
		},
		opts: opts,
	}
}

// InitialState implements plugin.InitialStater.
func (p *Plugin) InitialState() plugin.State {
	return plugin.State{stateHistory: []Entry{}}
}

// Activate implements plugin.Plugin.
func (p *Plugin) Activate(_ context.Context, pctx *plugin.Context) error {
	p.mu.Lock()
	p.pctx = pctx
	p.mu.Unlock()

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	if err := pctx.RegisterCommand(CommandRecord, func(ctx context.Context, args ...any) (any, error) {
		e, err := entryOf(args)
		if err != nil {
			return nil, err
		}

		return p.Record(ctx, e)
	}); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandClear, func(context.Context, ...any) (any, error) {
		pctx.UpdateState(func(draft plugin.State) { draft[stateHistory] = []Entry{} })
		return nil, nil
	})
}

// Deactivate implements plugin.Deactivator. The plugin context is dropped
// so nothing reads the reset state slot afterwards.
func (p *Plugin) Deactivate(context.Context) error {
	p.mu.Lock()
	p.pctx = nil
	p.mu.Unlock()

	return nil
}

func (p *Plugin) current() *plugin.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.pctx
}

func entryOf(args []any) (Entry, error) {
	if len(args) < 2 {
		return Entry{}, errors.New("terminal.record: expected command and output")
	}

	cmd, ok1 := args[0].(string)
	out, ok2 := args[1].(string)

	if !ok1 || !ok2 || cmd == "" {
		return Entry{}, errors.New("terminal.record: command and output must be strings")
	}

	e := Entry{Command: cmd, Output: out}

	if len(args) > 2 {
		code, ok := args[2].(int)
		if !ok {
			return Entry{}, fmt.Errorf("terminal.record: exit code must be int, got %T", args[2])
		}

		e.ExitCode = code
	}

	return e, nil
}

// Record appends e to the history and drops the fs content cache.
func (p *Plugin) Record(ctx context.Context, e Entry) (Entry, error) {
	pctx := p.current()
	if pctx == nil {
		return Entry{}, errors.New("terminal: plugin not active")
	}

	if e.ID == "" {
		e.ID = core.NewID()
	}

	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	e.Output = tail(e.Output, p.opts.MaxOutput)

	pctx.UpdateState(func(draft plugin.State) {
		history := append(historyOf(draft), e)
		if over := len(history) - p.opts.MaxHistory; p.opts.MaxHistory > 0 && over > 0 {
			history = history[over:]
		}

		draft[stateHistory] = history
	})

	if _, err := pctx.ExecuteCommand(ctx, fs.CommandClearCache); err != nil {
		pctx.Logger().Warn("terminal.fs.clear_failed", "error", err.Error())
	}

	return e, nil
}

// History returns the recorded entries, oldest first.
func (p *Plugin) History() []Entry {
	pctx := p.current()
	if pctx == nil {
		return nil
	}

	return historyOf(pctx.State())
}

func historyOf(st plugin.State) []Entry {
	h, _ := st[stateHistory].([]Entry)

	out := make([]Entry, len(h))
	copy(out, h)

	return out
}

func (p *Plugin) find(id string) (Entry, bool) {
	for _, e := range p.History() {
		if e.ID == id {
			return e, true
		}
	}

	return Entry{}, false
}

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
			var st State
			for _, m := range mentions {
				if m.Type != string(ID)+":"+MentionOutput {
					continue
				}

				if e, ok := p.find(m.String("id")); ok {
					st.Entries = append(st.Entries, e)
				}
			}

			if len(st.Entries) == 0 {
				return nil, nil
			}

			return map[string]any{string(ID): st}, nil
		},
		BuildContextPrompt: func(_ context.Context, _ *agent.StrategyOptions, conv *core.Conversation) (string, error) {
			st, _ := conv.PluginStates[ID].(State)

			var b strings.Builder
			for _, e := range st.Entries {
				fmt.Fprintf(&b, "<terminal command=%q exit_code=\"%d\">\n%s\n</terminal>\n", e.Command, e.ExitCode, e.Output)
			}

			return b.String(), nil
		},
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			return []*flow.Node{{Name: "terminal", PluginID: ID, Agents: []agent.Agent{p.historyAgent()}}}, nil
		},
		BuildToolOptions: func(context.Context, *core.Conversation) (map[string]agent.ToolOptions, error) {
			return map[string]agent.ToolOptions{
				"terminal_history": {Enabled: true, Values: map[string]any{stateHistory: p.History()}},
			}, nil
		},
	}
}

type historyInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,description=Number of most recent commands"`
}

func (p *Plugin) historyAgent() agent.Agent {
	return agent.MustNew("terminal_history", "Return the most recent commands run in the user's terminal with their output.",
		func(_ context.Context, in historyInput, ac *agent.Context) ([]Entry, error) {
			var h []Entry
			if ac != nil {
				h, _ = ac.Tool.Values[stateHistory].([]Entry)
			}

			n := in.Limit
			if n <= 0 {
				n = 10
			}

			if len(h) > n {
				h = h[len(h)-n:]
			}

			return h, nil
		})
}

func tail(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}

	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[len(r)-n:])
}
