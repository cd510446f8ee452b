// Package chatmesh assembles a ready to use chat engine from a host
// configuration. New wires the session store, the model invoker, the search
// index and the fetcher selected by a config.Config into an engine.Engine
// and registers the builtin plugins the configuration enables:
//
//	cfg, _ := config.Load("chatmesh.toml")
//	mesh, err := chatmesh.New(ctx, func(o *chatmesh.Options) { o.Config = cfg })
//	if err != nil { ... }
//	defer mesh.Close(ctx)
//
//	ai, err := mesh.Ask(ctx, "", "explain main.go",
//		core.NewMention(fs.ID, fs.MentionFile, map[string]any{"path": "main.go"}))
//
// Applications that need finer control use the engine package directly.
package chatmesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/hupe1980/chatmesh/config"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/engine"
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/model"
	"github.com/hupe1980/chatmesh/model/anthropic"
	"github.com/hupe1980/chatmesh/model/openai"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/plugins/docs"
	"github.com/hupe1980/chatmesh/plugins/fs"
	"github.com/hupe1980/chatmesh/plugins/git"
	"github.com/hupe1980/chatmesh/plugins/mcp"
	"github.com/hupe1980/chatmesh/plugins/terminal"
	"github.com/hupe1980/chatmesh/plugins/web"
	"github.com/hupe1980/chatmesh/search/bleve"
	"github.com/hupe1980/chatmesh/session"
	"github.com/hupe1980/chatmesh/session/sqlite"
)

// ScriptedReply is the answer of the "scripted" model provider.
const ScriptedReply = "This is a scripted reply."

// Options configures the Mesh instance.
type Options struct {
	// Config defaults to config.Default().
	Config *config.Config

	// WorkDir is the workspace of the fs and git plugins unless their
	// options name one. Defaults to the working directory.
	WorkDir string

	// ModelFactory overrides the model selected by Config.Model.
	ModelFactory model.Factory

	// Plugins are registered together with the builtin ones.
	Plugins []plugin.Plugin

	// Observer receives every conversation snapshot of a turn.
	Observer core.Observer

	// Logger defaults to a NoOpLogger.
	Logger logging.Logger

	// MCPDialer overrides how the mcp plugin reaches Config.MCP servers.
	MCPDialer mcp.Dialer
}

// PluginInfo describes a registered plugin.
type PluginInfo struct {
	ID      core.PluginID `json:"id"`
	Version string        `json:"version"`
	Status  string        `json:"status"`
}

// Mesh owns an engine and the resources created for it.
type Mesh struct {
	engine  *engine.Engine
	cfg     *config.Config
	plugins []plugin.Plugin
	docs    *docs.Plugin
	closers []io.Closer
	logger  logging.Logger
}

// New builds the engine described by the configuration. A builtin plugin
// that fails to activate is logged and left out; the remaining plugins are
// still registered.
func New(ctx context.Context, optFns ...func(o *Options)) (*Mesh, error) {
	opts := Options{
		Config: config.Default(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}

		opts.WorkDir = wd
	}

	m := &Mesh{cfg: opts.Config, logger: logging.OrNoOp(opts.Logger)}

	store, err := m.openStore(ctx)
	if err != nil {
		return nil, err
	}

	factory := opts.ModelFactory
	if factory == nil {
		mdl, err := NewModel(opts.Config.Model)
		if err != nil {
			_ = m.close()
			return nil, err
		}

		factory = model.Static(mdl)
	}

	if err := ensureDir(opts.Config.Search.Path); err != nil {
		_ = m.close()
		return nil, err
	}

	index, err := bleve.New(func(o *bleve.Options) { o.Path = opts.Config.Search.Path })
	if err != nil {
		_ = m.close()
		return nil, fmt.Errorf("create search index: %w", err)
	}

	m.closers = append(m.closers, index)

	fetcher, err := fetch.NewHTTPFetcher(func(o *fetch.Options) { o.Logger = m.logger })
	if err != nil {
		_ = m.close()
		return nil, err
	}

	m.engine = engine.New(func(o *engine.Options) {
		o.Config = engine.Config{
			MaxIterations:    opts.Config.Engine.MaxIterations,
			MaxParallelTools: opts.Config.Engine.MaxParallelTools,
			Instructions:     opts.Config.Engine.Instructions,
		}
		o.Store = store
		o.ModelFactory = factory
		o.Searcher = index
		o.Fetcher = fetcher
		o.Observer = opts.Observer
		o.Logger = m.logger
	})

	plugins, err := m.builtins(opts, store, index, fetcher)
	if err != nil {
		_ = m.close()
		return nil, err
	}

	m.plugins = append(plugins, opts.Plugins...)

	if err := m.engine.RegisterPlugins(ctx, m.plugins...); err != nil {
		m.logger.Warn("chatmesh.plugins.failed", "error", err.Error())
	}

	return m, nil
}

func (m *Mesh) openStore(ctx context.Context) (engine.Store, error) {
	switch m.cfg.Store.Driver {
	case "sqlite":
		if !strings.HasPrefix(m.cfg.Store.DSN, "file:") && m.cfg.Store.DSN != ":memory:" {
			if err := ensureDir(m.cfg.Store.DSN); err != nil {
				return nil, err
			}
		}

		s, err := sqlite.Open(ctx, m.cfg.Store.DSN)
		if err != nil {
			return nil, err
		}

		m.closers = append(m.closers, s)

		return s, nil
	default:
		return session.NewInMemoryStore(), nil
	}
}

// NewModel creates the model invoker named by cfg.Provider.
func NewModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}

			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey
			o.BaseURL = cfg.BaseURL
		}), nil
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}

			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
			o.APIKey = cfg.APIKey
		}), nil
	case "scripted":
		return model.NewScriptedModel().WithFallback(model.TextResponse(ScriptedReply)), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

func (m *Mesh) builtins(opts Options, store session.Store, index *bleve.Index, fetcher *fetch.HTTPFetcher) ([]plugin.Plugin, error) {
	cfg := opts.Config

	var out []plugin.Plugin

	if cfg.PluginEnabled(string(fs.ID)) {
		pc := cfg.Plugin(string(fs.ID))

		p, err := fs.New(func(o *fs.Options) {
			o.Root = workDir(pc, opts.WorkDir)
			o.Include = pc.Strings("include")
			if exclude := pc.Strings("exclude"); len(exclude) > 0 {
				o.Exclude = exclude
			}
			o.MaxFolderFiles = pc.Int("max_folder_files", o.MaxFolderFiles)
			o.Watch = pc.Bool("watch", false)
		})
		if err != nil {
			return nil, fmt.Errorf("fs plugin: %w", err)
		}

		out = append(out, p)
	}

	if cfg.PluginEnabled(string(docs.ID)) {
		pc := cfg.Plugin(string(docs.ID))

		m.docs = docs.New(func(o *docs.Options) {
			o.Index = index
			o.Store = store
			o.Loader = fetcher
			o.MaxDepth = pc.Int("max_depth", o.MaxDepth)
			o.MaxPages = pc.Int("max_pages", o.MaxPages)
			o.Results = pc.Int("results", o.Results)
		})

		out = append(out, m.docs)
	}

	if cfg.PluginEnabled(string(web.ID)) {
		pc := cfg.Plugin(string(web.ID))

		out = append(out, web.New(func(o *web.Options) {
			o.Fetcher = fetcher
			o.SearchURL = pc.String("search_url")
			o.MaxPageChars = pc.Int("max_page_chars", o.MaxPageChars)
			o.Enabled = pc.Bool("search", false)
		}))
	}

	if cfg.PluginEnabled(string(git.ID)) {
		pc := cfg.Plugin(string(git.ID))

		out = append(out, git.New(func(o *git.Options) {
			o.Path = workDir(pc, opts.WorkDir)
			o.Limit = pc.Int("limit", o.Limit)
		}))
	}

	if cfg.PluginEnabled(string(terminal.ID)) && cfg.PluginEnabled(string(fs.ID)) {
		pc := cfg.Plugin(string(terminal.ID))

		out = append(out, terminal.New(func(o *terminal.Options) {
			o.MaxHistory = pc.Int("max_history", o.MaxHistory)
		}))
	}

	if len(cfg.MCP.Servers) > 0 && cfg.PluginEnabled(string(mcp.ID)) {
		servers := make([]mcp.Server, 0, len(cfg.MCP.Servers))
		for _, s := range cfg.MCP.Servers {
			servers = append(servers, mcp.Server{
				Name:    s.Name,
				Command: s.Command,
				Args:    s.Args,
				Env:     s.Env,
				URL:     s.URL,
				Headers: s.Headers,
			})
		}

		out = append(out, mcp.New(func(o *mcp.Options) {
			o.Servers = servers
			if opts.MCPDialer != nil {
				o.Dialer = opts.MCPDialer
			}
		}))
	}

	return out, nil
}

// ensureDir creates the parent directory of path.
func ensureDir(path string) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	return nil
}

func workDir(pc config.PluginConfig, def string) string {
	if root := pc.String("root"); root != "" {
		return config.ExpandPath(root)
	}

	return def
}

// Engine returns the underlying engine.
func (m *Mesh) Engine() *engine.Engine { return m.engine }

// Ask runs one turn on thread. An empty threadID starts a new thread.
func (m *Mesh) Ask(ctx context.Context, threadID, text string, mentions ...core.Mention) (*core.Conversation, error) {
	human := core.NewConversation(core.RoleHuman, text, mentions...)
	human.ThreadID = threadID

	return m.engine.RunTurn(ctx, human)
}

// Plugins describes every plugin handed to the engine, including the ones
// that failed to activate.
func (m *Mesh) Plugins() []PluginInfo {
	reg := m.engine.Registry()

	out := make([]PluginInfo, 0, len(m.plugins))
	for _, p := range m.plugins {
		out = append(out, PluginInfo{
			ID:      p.ID(),
			Version: p.Version(),
			Status:  reg.Status(p.ID()).String(),
		})
	}

	return out
}

// IndexSites crawls the sites listed in the docs plugin options. Sites are
// named after their host.
func (m *Mesh) IndexSites(ctx context.Context) ([]docs.Site, error) {
	if m.docs == nil || m.engine.Registry().Status(docs.ID) != plugin.StatusActive {
		return nil, errors.New("docs plugin is not active")
	}

	var (
		out  []docs.Site
		errs []error
	)

	for _, raw := range m.cfg.Plugin(string(docs.ID)).Strings("sites") {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("invalid site url %q", raw))
			continue
		}

		site, err := m.docs.IndexSite(ctx, u.Host, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		out = append(out, *site)
	}

	return out, errors.Join(errs...)
}

// Close unloads the plugins and releases the store and the index.
func (m *Mesh) Close(ctx context.Context) error {
	var errs []error

	if m.engine != nil {
		errs = append(errs, m.engine.Shutdown(ctx))
	}

	errs = append(errs, m.close())

	return errors.Join(errs...)
}

func (m *Mesh) close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		errs = append(errs, m.closers[i].Close())
	}

	m.closers = nil

	return errors.Join(errs...)
}
