package engine

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
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/internal/util"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/model"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/search"
	"github.com/hupe1980/chatmesh/session"
)

var (
	// ErrTurnInProgress is returned when a turn is already running for the
	// same thread.
	ErrTurnInProgress = errors.New("engine: turn already in progress")
	// ErrConversationFinalized is returned when RunTurn is handed a
	// conversation that already reached a terminal status.
	ErrConversationFinalized = errors.New("engine: conversation already finalized")
	// ErrNoModel is returned when no model factory is configured.
	ErrNoModel = errors.New("engine: no model configured")
)

// hostPluginID tags the node wrapping agents contributed through
// BuildAgents.
const hostPluginID core.PluginID = "engine"

// Store persists settings and conversations.
type Store interface {
	session.Store
	session.ConversationStore
}

// Config defines tuning parameters of a turn.
type Config struct {
	// MaxIterations caps model invocations per turn.
	MaxIterations int
	// MaxParallelTools bounds concurrently executing tool calls. Zero runs
	// every call of a batch at once.
	MaxParallelTools int
	// Instructions is prepended to the system prompt assembled by plugins.
	// It is rendered as a text/template with ThreadID, Plugins (active
	// plugin ids) and Date.
	Instructions string
}

// DefaultConfig provides the default turn parameters.
var DefaultConfig = Config{
	MaxIterations:    flow.DefaultMaxIterations,
	MaxParallelTools: 4,
}

// Options configures an Engine instance using the functional options pattern.
type Options struct {
	Config Config

	// Store defaults to an in-memory store.
	Store Store

	// ModelFactory resolves the model of each turn.
	ModelFactory model.Factory

	Searcher search.Searcher
	Fetcher  fetch.Fetcher

	// Observer receives every conversation snapshot of a turn.
	Observer core.Observer

	// Logger defaults to a NoOpLogger.
	Logger logging.Logger
}

// Engine hosts plugins and runs chat turns against the capabilities they
// contribute. All methods are safe for concurrent use.
type Engine struct {
	opts     Options
	registry *plugin.Registry
	logger   logging.Logger

	mu    sync.Mutex
	turns map[string]*sync.Mutex
}

// New creates an Engine with an empty plugin registry.
func New(optFns ...func(o *Options)) *Engine {
	opts := Options{
		Config: DefaultConfig,
		Store:  session.NewInMemoryStore(),
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	logger := logging.OrNoOp(opts.Logger)

	return &Engine{
		opts: opts,
		registry: plugin.NewRegistry(func(o *plugin.Options) {
			o.Logger = logger
			o.OnStatusChange = func(id core.PluginID, from, to plugin.Status) {
				if cl, ok := logger.(*logging.ChatLogger); ok {
					cl.LogPluginTransition(string(id), from.String(), to.String())
				}
			}
		}),
		logger: logger,
		turns:  map[string]*sync.Mutex{},
	}
}

// Registry returns the plugin registry.
func (e *Engine) Registry() *plugin.Registry { return e.registry }

// Store returns the configured store.
func (e *Engine) Store() Store { return e.opts.Store }

// RegisterPlugin activates p.
func (e *Engine) RegisterPlugin(ctx context.Context, p plugin.Plugin) error {
	return e.registry.Load(ctx, p)
}

// RegisterPlugins activates plugins in dependency order.
func (e *Engine) RegisterPlugins(ctx context.Context, plugins ...plugin.Plugin) error {
	return e.registry.LoadAll(ctx, plugins...)
}

// UnloadPlugin deactivates the plugin and revokes its contributions. The
// next turn no longer sees them.
func (e *Engine) UnloadPlugin(ctx context.Context, id core.PluginID) error {
	return e.registry.Unload(ctx, id)
}

// ExecuteCommand runs a plugin command.
func (e *Engine) ExecuteCommand(ctx context.Context, name string, args ...any) (any, error) {
	return e.registry.ExecuteCommand(ctx, name, args...)
}

// Shutdown unloads every plugin in reverse load order.
func (e *Engine) Shutdown(ctx context.Context) error {
	return e.registry.UnloadAll(ctx)
}

// MergedCapability folds every active contribution for key.
func MergedCapability[T any](e *Engine, key plugin.Key[T]) (T, bool) {
	return plugin.Merged(e.registry, key)
}

// StrategyOptions returns the collaborators handed to strategies and agents.
func (e *Engine) StrategyOptions() *agent.StrategyOptions {
	return &agent.StrategyOptions{
		ModelFactory: e.opts.ModelFactory,
		Searcher:     e.opts.Searcher,
		Fetcher:      e.opts.Fetcher,
		Store:        e.opts.Store,
		Logger:       e.logger,
	}
}

// Thread returns the stored conversations of a thread in creation order.
func (e *Engine) Thread(ctx context.Context, threadID string) ([]*core.Conversation, error) {
	return e.opts.Store.ListConversations(ctx, threadID)
}

// AddSystemMessage appends a completed host note to thread. Later turns on
// the thread send it to the model as a system message.
func (e *Engine) AddSystemMessage(ctx context.Context, threadID, text string) (*core.Conversation, error) {
	if threadID == "" {
		return nil, errors.New("engine: thread id is required")
	}

	c := core.NewConversation(core.RoleSystemMessage, text)
	c.ThreadID = threadID
	c.Finalize(core.StatusCompleted, nil)

	if err := e.opts.Store.SaveConversation(ctx, c); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}

	return c, nil
}

// RunTurn answers the human conversation. The mentions of human are
// refreshed, reduced to plugin state and finalized with it; the returned
// assistant conversation carries the records and logs of the turn.
//
// Only one turn per thread runs at a time; a concurrent call fails with
// ErrTurnInProgress. A cancelled context yields a cancelled conversation
// and a nil error.
func (e *Engine) RunTurn(ctx context.Context, human *core.Conversation) (*core.Conversation, error) {
	if human.Finalized() {
		return nil, fmt.Errorf("%w: %s", ErrConversationFinalized, human.ID)
	}

	if human.ThreadID == "" {
		human.ThreadID = human.ID
	}

	unlock, ok := e.tryLock(human.ThreadID)
	if !ok {
		return nil, fmt.Errorf("%w: thread %s", ErrTurnInProgress, human.ThreadID)
	}
	defer unlock()

	log := logging.With(e.logger, "thread_id", human.ThreadID)

	if e.opts.ModelFactory == nil {
		return nil, ErrNoModel
	}

	m, err := e.opts.ModelFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}

	opts := e.StrategyOptions()
	opts.Logger = log

	t, err := e.prepare(ctx, opts, human)
	if err != nil {
		return nil, err
	}

	history, err := e.history(ctx, human, t.contextPrompt)
	if err != nil {
		return nil, err
	}

	// The loop rejects conflicting tool names; build it before human is
	// finalized so a failed turn can be retried.
	loop, err := flow.NewLoop(m, func(o *flow.LoopOptions) {
		o.Instructions = t.instructions
		o.Nodes = t.nodes
		o.Strategy = opts
		o.ToolOptions = t.toolOptions
		o.MaxIterations = e.opts.Config.MaxIterations
		o.MaxParallel = e.opts.Config.MaxParallelTools
		o.Observer = core.Observers{e.persister(ctx, log), e.opts.Observer}
		o.Logger = log
	})
	if err != nil {
		return nil, err
	}

	human.Finalize(core.StatusCompleted, nil)

	if err := e.opts.Store.SaveConversation(ctx, human); err != nil {
		return nil, fmt.Errorf("save conversation: %w", err)
	}

	ai := core.NewConversation(core.RoleAI, "")
	ai.ThreadID = human.ThreadID
	for id, st := range human.PluginStates {
		ai.PluginStates[id] = st
	}

	result, runErr := loop.Run(ctx, ai, history)

	if err := e.opts.Store.SaveConversation(context.WithoutCancel(ctx), result); err != nil {
		return result, errors.Join(runErr, fmt.Errorf("save conversation: %w", err))
	}

	log.Info("engine.turn.finished",
		"conversation_id", result.ID,
		"status", string(result.Status),
		"agents", len(result.Agents),
		"truncated", result.Truncated,
	)

	return result, runErr
}

type turn struct {
	instructions  string
	contextPrompt string
	nodes         []*flow.Node
	toolOptions   map[string]agent.ToolOptions
}

// prepare folds the chat strategy of every active plugin into the inputs
// of one turn and records the plugin states on human.
func (e *Engine) prepare(ctx context.Context, opts *agent.StrategyOptions, human *core.Conversation) (*turn, error) {
	utils, _ := MergedCapability(e, capability.MentionUtilsKey)

	mentions, err := capability.RefreshMentions(ctx, utils, human.Mentions)
	if err != nil {
		return nil, fmt.Errorf("refresh mentions: %w", err)
	}

	human.Mentions = mentions

	strategy, ok := MergedCapability(e, capability.ChatStrategyKey)
	if !ok || strategy == nil {
		strategy = &capability.ChatStrategyProvider{}
	}

	if strategy.BuildPluginStates != nil {
		states, err := strategy.BuildPluginStates(ctx, mentions)
		if err != nil {
			return nil, fmt.Errorf("build plugin states: %w", err)
		}

		if human.PluginStates == nil {
			human.PluginStates = map[core.PluginID]any{}
		}

		for id, st := range states {
			human.PluginStates[core.PluginID(id)] = st
		}
	}

	t := &turn{}

	var system []string
	if e.opts.Config.Instructions != "" {
		instructions, err := util.RenderTemplate(e.opts.Config.Instructions, e.templateData(human))
		if err != nil {
			return nil, fmt.Errorf("render instructions: %w", err)
		}

		system = append(system, instructions)
	}

	if strategy.BuildSystemPrompt != nil {
		prompt, err := strategy.BuildSystemPrompt(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("build system prompt: %w", err)
		}

		if prompt = strings.TrimSpace(prompt); prompt != "" {
			system = append(system, prompt)
		}
	}

	t.instructions = strings.Join(system, "\n\n")

	if strategy.BuildContextPrompt != nil {
		if t.contextPrompt, err = strategy.BuildContextPrompt(ctx, opts, human); err != nil {
			return nil, fmt.Errorf("build context prompt: %w", err)
		}
	}

	if strategy.BuildNodes != nil {
		if t.nodes, err = strategy.BuildNodes(ctx, opts); err != nil {
			return nil, fmt.Errorf("build nodes: %w", err)
		}
	}

	if strategy.BuildAgents != nil {
		agents, err := strategy.BuildAgents(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("build agents: %w", err)
		}

		if len(agents) > 0 {
			t.nodes = append(t.nodes, &flow.Node{Name: "agents", PluginID: hostPluginID, Agents: agents})
		}
	}

	if strategy.BuildToolOptions != nil {
		if t.toolOptions, err = strategy.BuildToolOptions(ctx, human); err != nil {
			return nil, fmt.Errorf("build tool options: %w", err)
		}
	}

	return t, nil
}

// templateData is the data Config.Instructions is rendered with.
func (e *Engine) templateData(human *core.Conversation) map[string]any {
	active := e.registry.Active()

	plugins := make([]string, len(active))
	for i, id := range active {
		plugins[i] = string(id)
	}

	return map[string]any{
		"ThreadID": human.ThreadID,
		"Plugins":  plugins,
		"Date":     time.Now().Format(time.DateOnly),
	}
}

// history returns the finalized conversations of the thread as model
// messages followed by the human message and its context prompt.
func (e *Engine) history(ctx context.Context, human *core.Conversation, contextPrompt string) ([]core.Content, error) {
	prior, err := e.opts.Store.ListConversations(ctx, human.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}

	var done []*core.Conversation
	for _, c := range prior {
		if c.ID != human.ID && c.Status == core.StatusCompleted {
			done = append(done, c)
		}
	}

	msgs := core.History(done)

	text := human.Text()
	if contextPrompt = strings.TrimSpace(contextPrompt); contextPrompt != "" {
		text = strings.TrimSpace(text + "\n\n" + contextPrompt)
	}

	return append(msgs, core.NewTextContent(core.RoleUser, text)), nil
}

// persister saves every snapshot. Failures are logged; the final save in
// RunTurn reports them to the caller.
func (e *Engine) persister(ctx context.Context, log logging.Logger) core.Observer {
	ctx = context.WithoutCancel(ctx)

	return core.ObserverFunc(func(snapshot *core.Conversation) {
		if err := e.opts.Store.SaveConversation(ctx, snapshot); err != nil {
			log.Warn("engine.snapshot.save_failed", "conversation_id", snapshot.ID, "error", err.Error())
		}
	})
}

func (e *Engine) tryLock(threadID string) (func(), bool) {
	e.mu.Lock()
	l, ok := e.turns[threadID]
	if !ok {
		l = &sync.Mutex{}
		e.turns[threadID] = l
	}
	e.mu.Unlock()

	if !l.TryLock() {
		return nil, false
	}

	return l.Unlock, true
}
