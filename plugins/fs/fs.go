// Package fs is the workspace file plugin. Users attach files and folders
// with fs:file and fs:folder mentions; their content is inlined into the
// context prompt and the read_files agent lets the model read further
// files on its own.
//
// Paths are always relative to the workspace root and never escape it.
// Include and exclude globs (github.com/gobwas/glob syntax, '/' separated)
// decide which files are visible. File content is cached in an LRU cache;
// with Watch enabled an fsnotify watcher evicts changed files and marks
// their mentions stale so the next turn refreshes them.
package fs

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/plugin"
)

// ID is the plugin id.
const ID core.PluginID = "fs"

// Mention kinds.
const (
	MentionFile   = "file"
	MentionFolder = "folder"
)

// CommandClearCache purges the content cache.
const CommandClearCache = "fs.clearCache"

// CommandListFiles returns the visible files below an optional folder.
const CommandListFiles = "fs.listFiles"

// Options configures the plugin.
type Options struct {
	// Root is the workspace root. Defaults to the working directory.
	Root string
	// Include limits visible files to matching paths. Empty includes all.
	Include []string
	// Exclude hides matching paths.
	Exclude []string
	// MaxFileBytes truncates file content.
	MaxFileBytes int64
	// MaxFolderFiles caps the files a folder mention expands to.
	MaxFolderFiles int
	// CacheSize is the number of cached file contents.
	CacheSize int
	// Watch starts an fsnotify watcher on activation.
	Watch bool
}

// DefaultExclude hides VCS metadata and dependency folders.
var DefaultExclude = []string{".git", ".git/**", "node_modules", "vendor", "**/node_modules", "**/vendor"}

// State is the per turn state reduced from the mentions.
type State struct {
	Files   []string `json:"files"`
	Folders []string `json:"folders,omitempty"`
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info

	opts    Options
	root    string
	include []glob.Glob
	exclude []glob.Glob
	cache   *lru.Cache[string, string]

	mu      sync.Mutex
	stale   map[string]struct{}
	watcher *watcher
	log     logging.Logger
}

var (
	_ plugin.Plugin      = (*Plugin)(nil)
	_ plugin.Deactivator = (*Plugin)(nil)
)

// New creates the plugin.
func New(optFns ...func(o *Options)) (*Plugin, error) {
	opts := Options{
		Root:           ".",
		Exclude:        DefaultExclude,
		MaxFileBytes:   64 << 10,
		MaxFolderFiles: 20,
		CacheSize:      256,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("fs: resolve root: %w", err)
	}

	include, err := compileGlobs(opts.Include)
	if err != nil {
		return nil, err
	}

	exclude, err := compileGlobs(opts.Exclude)
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[string, string](max(opts.CacheSize, 1))
	if err != nil {
		return nil, fmt.Errorf("fs: create cache: %w", err)
	}

	return &Plugin{
		Info:    plugin.Info{PluginID: ID, PluginVersion: "1.0.0"},
		opts:    opts,
		root:    root,
		include: include,
		exclude: exclude,
		cache:   cache,
		stale:   map[string]struct{}{},
		log:     logging.NoOpLogger{},
	}, nil
}

// Activate registers the chat strategy, the mention refreshers and the
// commands, and starts the watcher when enabled.
func (p *Plugin) Activate(ctx context.Context, pctx *plugin.Context) error {
	p.log = pctx.Logger()

	if p.opts.Watch {
		w, err := newWatcher(p.root, p.hidden, p.changed, p.log)
		if err != nil {
			return err
		}

		p.mu.Lock()
		p.watcher = w
		p.mu.Unlock()
	}

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	if err := plugin.Provide(pctx, capability.MentionUtilsKey, p.mentionUtils); err != nil {
		return err
	}

	if err := pctx.RegisterCommand(CommandClearCache, func(context.Context, ...any) (any, error) {
		p.cache.Purge()
		return nil, nil
	}); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandListFiles, func(ctx context.Context, args ...any) (any, error) {
		folder := "."
		if len(args) > 0 {
			if s, ok := args[0].(string); ok && s != "" {
				folder = s
			}
		}

		return p.listFiles(ctx, folder, 0)
	})
}

// Deactivate stops the watcher and drops cached content.
func (p *Plugin) Deactivate(context.Context) error {
	p.mu.Lock()
	w := p.watcher
	p.watcher = nil
	p.mu.Unlock()

	p.cache.Purge()

	if w != nil {
		return w.Close()
	}

	return nil
}

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
			return "Files attached by the user are included in <file> tags. Use read_files to read other workspace files.\n", nil
		},
		BuildPluginStates: p.buildState,
		BuildContextPrompt: func(ctx context.Context, _ *agent.StrategyOptions, conv *core.Conversation) (string, error) {
			return p.contextPrompt(ctx, stateOf(conv))
		},
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			return []*flow.Node{{Name: "fs", PluginID: ID, Agents: []agent.Agent{p.readFilesAgent()}, Render: renderRead}}, nil
		},
	}
}

func (p *Plugin) mentionUtils() *capability.MentionUtilsProvider {
	return &capability.MentionUtilsProvider{
		RefreshMentionFns: func(context.Context) (map[string]capability.RefreshMentionFunc, error) {
			return map[string]capability.RefreshMentionFunc{
				string(ID) + ":" + MentionFile: p.refreshFile,
			}, nil
		},
	}
}

// buildState reduces fs mentions to the list of attached files. Folder
// mentions expand to the visible files below them.
func (p *Plugin) buildState(ctx context.Context, mentions []core.Mention) (map[string]any, error) {
	var (
		st   State
		seen = map[string]bool{}
	)

	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			st.Files = append(st.Files, rel)
		}
	}

	for _, m := range mentions {
		if m.PluginID() != ID {
			continue
		}

		rel, err := p.relative(m.String("path"))
		if err != nil {
			p.log.Warn("fs.mention.skipped", "mention", m.Type, "error", err.Error())
			continue
		}

		switch m.Kind() {
		case MentionFile:
			add(rel)
		case MentionFolder:
			st.Folders = append(st.Folders, rel)

			files, err := p.listFiles(ctx, rel, p.opts.MaxFolderFiles)
			if err != nil {
				p.log.Warn("fs.folder.skipped", "path", rel, "error", err.Error())
				continue
			}

			for _, f := range files {
				add(f)
			}
		}
	}

	if len(st.Files) == 0 && len(st.Folders) == 0 {
		return nil, nil
	}

	return map[string]any{string(ID): st}, nil
}

// stateOf returns the fs state recorded on conv.
func stateOf(conv *core.Conversation) State {
	if conv == nil {
		return State{}
	}

	switch st := conv.PluginStates[ID].(type) {
	case State:
		return st
	case *State:
		if st != nil {
			return *st
		}
	case map[string]any:
		return State{Files: stringList(st["files"]), Folders: stringList(st["folders"])}
	}

	return State{}
}

func stringList(v any) []string {
	return agent.ToolOptions{Values: map[string]any{"v": v}}.Strings("v")
}

// refreshFile stamps the current size and modification time on a file
// mention and clears its stale mark.
func (p *Plugin) refreshFile(_ context.Context, m core.Mention) (core.Mention, error) {
	rel, err := p.relative(m.String("path"))
	if err != nil {
		return m, nil
	}

	info, err := p.stat(rel)
	if err != nil {
		return m.With("path", rel).With("missing", true), nil
	}

	p.mu.Lock()
	_, wasStale := p.stale[rel]
	delete(p.stale, rel)
	p.mu.Unlock()

	if wasStale {
		p.cache.Remove(rel)
	}

	return m.With("path", rel).With("size", info.Size()).With("mod_time", info.ModTime().UTC()), nil
}

// Stale reports whether rel changed since its mention was last refreshed.
func (p *Plugin) Stale(rel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.stale[filepath.ToSlash(rel)]

	return ok
}

// changed is called by the watcher for every modified path.
func (p *Plugin) changed(rel string) {
	p.cache.Remove(rel)

	p.mu.Lock()
	p.stale[rel] = struct{}{}
	p.mu.Unlock()

	p.log.Debug("fs.file.changed", "path", rel)
}
