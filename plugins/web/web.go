// Package web is the web plugin. Pages attached with web:url mentions are
// inlined into the context prompt and the web_search agent lets the model
// fetch pages itself once web search is enabled.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/plugin"
)

// ID is the plugin id.
const ID core.PluginID = "web"

// MentionURL is the mention kind attaching a page.
const MentionURL = "url"

// CommandSetEnabled toggles web search. It takes one bool argument.
const CommandSetEnabled = "web.setEnabled"

// StateEnableWebSearch is the plugin state key gating web_search.
const StateEnableWebSearch = "enableWebSearch"

// ErrNoFetcher is returned when neither the host nor the plugin provides a
// fetcher.
var ErrNoFetcher = errors.New("web: no fetcher configured")

// Options configures the plugin.
type Options struct {
	// Fetcher is used when the host does not provide one.
	Fetcher fetch.Fetcher
	// SearchURL is a URL template with a single %s receiving the escaped
	// query. Empty disables query searches.
	SearchURL string
	// MaxPageChars truncates fetched pages.
	MaxPageChars int
	// Enabled is the initial state of web search.
	Enabled bool
}

// State lists the URLs mentioned in a turn.
type State struct {
	URLs []string `json:"urls"`
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info
	opts Options
	log  logging.Logger

	mu   sync.RWMutex
	pctx *plugin.Context
}

var (
	_ plugin.InitialStater = (*Plugin)(nil)
	_ plugin.Deactivator   = (*Plugin)(nil)
)

// New creates the plugin.
func New(optFns ...func(o *Options)) *Plugin {
	opts := Options{MaxPageChars: 4000}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Plugin{
		Info: plugin.Info{PluginID: ID, PluginVersion: "1.0.0"},
		opts: opts,
		log:  logging.NoOpLogger{},
	}
}

// InitialState implements plugin.InitialStater.
func (p *Plugin) InitialState() plugin.State {
	return plugin.State{StateEnableWebSearch: p.opts.Enabled}
}

// Activate implements plugin.Plugin.
func (p *Plugin) Activate(_ context.Context, pctx *plugin.Context) error {
	p.mu.Lock()
	p.pctx = pctx
	p.mu.Unlock()

	p.log = pctx.Logger()

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandSetEnabled, func(_ context.Context, args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("web.setEnabled: expected one bool argument")
		}

		enabled, ok := args[0].(bool)
		if !ok {
			return nil, fmt.Errorf("web.setEnabled: argument must be bool, got %T", args[0])
		}

		pctx.UpdateState(func(draft plugin.State) { draft[StateEnableWebSearch] = enabled })

		return enabled, nil
	})
}

// Deactivate implements plugin.Deactivator.
func (p *Plugin) Deactivate(context.Context) error {
	p.mu.Lock()
	p.pctx = nil
	p.mu.Unlock()

	return nil
}

// Enabled reports whether web search is enabled. An inactive plugin reports
// the configured default.
func (p *Plugin) Enabled() bool {
	p.mu.RLock()
	pctx := p.pctx
	p.mu.RUnlock()

	if pctx == nil {
		return p.opts.Enabled
	}

	enabled, _ := pctx.State()[StateEnableWebSearch].(bool)

	return enabled
}

func (p *Plugin) fetcher(opts *agent.StrategyOptions) (fetch.Fetcher, error) {
	if opts != nil && opts.Fetcher != nil {
		return opts.Fetcher, nil
	}

	if p.opts.Fetcher != nil {
		return p.opts.Fetcher, nil
	}

	return nil, ErrNoFetcher
}

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
			if !p.Enabled() {
				return "", nil
			}

			return "Use web_search to fetch web pages when the workspace does not answer the question.\n", nil
		},
		BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
			var st State
			for _, m := range mentions {
				if m.Type != string(ID)+":"+MentionURL {
					continue
				}

				if u := m.String("url"); u != "" && !slices.Contains(st.URLs, u) {
					st.URLs = append(st.URLs, u)
				}
			}

			if len(st.URLs) == 0 {
				return nil, nil
			}

			return map[string]any{string(ID): st}, nil
		},
		BuildContextPrompt: p.contextPrompt,
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			return []*flow.Node{{Name: "web", PluginID: ID, Agents: []agent.Agent{p.searchAgent()}}}, nil
		},
		BuildToolOptions: func(context.Context, *core.Conversation) (map[string]agent.ToolOptions, error) {
			return map[string]agent.ToolOptions{
				"web_search": {Enabled: p.Enabled(), Values: map[string]any{"searchURL": p.opts.SearchURL}},
			}, nil
		},
	}
}

// contextPrompt inlines the mentioned pages. Pages that fail to load are
// skipped.
func (p *Plugin) contextPrompt(ctx context.Context, opts *agent.StrategyOptions, conv *core.Conversation) (string, error) {
	st := stateOf(conv)
	if len(st.URLs) == 0 {
		return "", nil
	}

	f, err := p.fetcher(opts)
	if err != nil {
		return "", err
	}

	var b strings.Builder

	for _, u := range st.URLs {
		text, err := f.Load(ctx, u)
		if err != nil {
			p.log.Warn("web.page.skipped", "url", u, "error", err.Error())
			continue
		}

		fmt.Fprintf(&b, "<page url=%q>\n%s\n</page>\n", u, truncate(text, p.opts.MaxPageChars))
	}

	return b.String(), nil
}

func stateOf(conv *core.Conversation) State {
	if conv == nil {
		return State{}
	}

	switch st := conv.PluginStates[ID].(type) {
	case State:
		return st
	case map[string]any:
		return State{URLs: agent.ToolOptions{Values: st}.Strings("urls")}
	default:
		return State{}
	}
}

// searchURL expands the search template.
func searchURL(template, query string) string {
	return fmt.Sprintf(template, url.QueryEscape(query))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}

	return string(r[:n])
}
