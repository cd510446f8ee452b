package plugin

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/provider"
)

// Options configures a Registry.
type Options struct {
	// Logger receives lifecycle logs. Defaults to a NoOpLogger.
	Logger logging.Logger

	// OnStatusChange is called after every lifecycle transition, outside the
	// registry lock.
	OnStatusChange func(id core.PluginID, from, to Status)
}

type revoker interface {
	Unregister(pluginID string) bool
}

type command struct {
	owner   core.PluginID
	handler CommandHandler
}

type entry struct {
	plugin Plugin
	status Status
	slot   *slot
}

// Registry owns plugin lifecycles, the capability provider managers and the
// command table. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	entries   map[core.PluginID]*entry
	order     []core.PluginID
	providers map[string]revoker
	commands  map[string]command

	opts   Options
	logger logging.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(optFns ...func(o *Options)) *Registry {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Registry{
		entries:   map[core.PluginID]*entry{},
		providers: map[string]revoker{},
		commands:  map[string]command{},
		opts:      opts,
		logger:    logging.OrNoOp(opts.Logger),
	}
}

// Load activates p. Dependencies must already be active. A failing or
// panicking Activate leaves p unloaded with every registration it made
// revoked; other plugins are unaffected.
func (r *Registry) Load(ctx context.Context, p Plugin) error {
	id := p.ID()

	r.mu.Lock()
	if _, ok := r.entries[id]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, id)
	}

	var missing []core.PluginID
	for _, dep := range p.Dependencies() {
		if e, ok := r.entries[dep]; !ok || e.status != StatusActive {
			missing = append(missing, dep)
		}
	}

	if len(missing) > 0 {
		r.mu.Unlock()

		err := &DependencyError{Plugin: id, Missing: missing}
		r.logger.Warn("plugin.load.dependency_unmet", "plugin", id, "missing", missing)

		return err
	}

	e := &entry{plugin: p, status: StatusActivating, slot: newSlot(initialState(p))}
	r.entries[id] = e
	r.mu.Unlock()

	r.notify(id, StatusUnloaded, StatusActivating)

	pctx := &Context{
		id:       id,
		registry: r,
		entry:    e,
		logger:   logging.With(r.logger, "plugin", string(id)),
	}

	if err := safeActivate(ctx, p, pctx); err != nil {
		r.mu.Lock()
		r.purgeLocked(id)
		delete(r.entries, id)
		r.mu.Unlock()

		r.notify(id, StatusActivating, StatusUnloaded)
		r.logger.Error("plugin.activate.failed", "plugin", id, "error", err.Error())

		return &ActivationError{Plugin: id, Err: err}
	}

	r.mu.Lock()
	e.status = StatusActive
	r.order = append(r.order, id)
	r.mu.Unlock()

	r.notify(id, StatusActivating, StatusActive)
	r.logger.Info("plugin.activated", "plugin", id, "version", p.Version())

	return nil
}

// LoadAll loads plugins in dependency order (stable with respect to the
// input order). Every plugin is attempted; failures are joined.
func (r *Registry) LoadAll(ctx context.Context, plugins ...Plugin) error {
	var errs []error
	for _, p := range dependencyOrder(plugins) {
		if err := r.Load(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Unload deactivates the plugin and revokes its capability registrations
// and commands. Deactivate errors are logged and never block removal.
func (r *Registry) Unload(ctx context.Context, id core.PluginID) error {
	r.mu.Lock()

	e, ok := r.entries[id]
	if !ok || e.status != StatusActive {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	for _, other := range r.order {
		if other == id {
			continue
		}

		if slices.Contains(r.entries[other].plugin.Dependencies(), id) {
			r.mu.Unlock()
			return fmt.Errorf("%w: %s is required by %s", ErrHasDependents, id, other)
		}
	}

	e.status = StatusDeactivating
	r.mu.Unlock()

	r.notify(id, StatusActive, StatusDeactivating)

	if d, ok := e.plugin.(Deactivator); ok {
		if err := safeDeactivate(ctx, d); err != nil {
			r.logger.Warn("plugin.deactivate.failed", "plugin", id, "error", err.Error())
		}
	}

	r.mu.Lock()
	r.purgeLocked(id)
	delete(r.entries, id)
	r.order = slices.DeleteFunc(r.order, func(o core.PluginID) bool { return o == id })
	r.mu.Unlock()

	e.slot.reset()

	r.notify(id, StatusDeactivating, StatusUnloaded)
	r.logger.Info("plugin.unloaded", "plugin", id)

	return nil
}

// UnloadAll unloads every active plugin in reverse load order.
func (r *Registry) UnloadAll(ctx context.Context) error {
	ids := r.Active()

	var errs []error
	for _, id := range slices.Backward(ids) {
		if err := r.Unload(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Status returns the lifecycle status of id.
func (r *Registry) Status(id core.PluginID) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.status
	}

	return StatusUnloaded
}

// State returns the current state snapshot of id.
func (r *Registry) State(id core.PluginID) (State, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return nil, false
	}

	return e.slot.load(), true
}

// UpdateState applies fn to a copy of the state of id, for host driven
// changes such as settings toggles.
func (r *Registry) UpdateState(id core.PluginID, fn func(draft State)) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	e.slot.update(fn)

	return nil
}

// Plugin returns the loaded plugin with id.
func (r *Registry) Plugin(id core.PluginID) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}

	return e.plugin, true
}

// Active returns the active plugin ids in load order.
func (r *Registry) Active() []core.PluginID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Commands returns the registered command names sorted.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ExecuteCommand runs a registered command.
func (r *Registry) ExecuteCommand(ctx context.Context, name string, args ...any) (any, error) {
	r.mu.RLock()
	cmd, ok := r.commands[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}

	r.logger.Debug("plugin.command.execute", "plugin", cmd.owner, "command", name)

	return cmd.handler(ctx, args...)
}

func (r *Registry) registerCommand(e *entry, name string, h CommandHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := e.plugin.ID()
	if r.entries[id] != e {
		return fmt.Errorf("%w: %s", ErrNotLoaded, id)
	}

	if existing, ok := r.commands[name]; ok {
		return fmt.Errorf("%w: %s (owned by %s)", ErrCommandExists, name, existing.owner)
	}

	r.commands[name] = command{owner: id, handler: h}

	return nil
}

// purgeLocked revokes every registration owned by id. Caller holds r.mu.
func (r *Registry) purgeLocked(id core.PluginID) {
	for _, m := range r.providers {
		m.Unregister(string(id))
	}

	for name, cmd := range r.commands {
		if cmd.owner == id {
			delete(r.commands, name)
		}
	}
}

func (r *Registry) notify(id core.PluginID, from, to Status) {
	r.logger.Debug("plugin.status.changed", "plugin", id, "from", from.String(), "to", to.String())

	if r.opts.OnStatusChange != nil {
		r.opts.OnStatusChange(id, from, to)
	}
}

// managerFor returns the provider manager stored under key, creating it when
// create is set.
func managerFor[T any](r *Registry, key Key[T], create bool) (*provider.Manager[T], error) {
	if create {
		r.mu.Lock()
		defer r.mu.Unlock()
	} else {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}

	if m, ok := r.providers[key.name]; ok {
		typed, ok := m.(*provider.Manager[T])
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrCapabilityType, key.name)
		}

		return typed, nil
	}

	if !create {
		return nil, nil
	}

	m := provider.NewManager[T]()
	r.providers[key.name] = m

	return m, nil
}

// Merged returns the deep merge of every contribution for key. It reports
// false when no active plugin contributes.
func Merged[T any](r *Registry, key Key[T]) (T, bool) {
	m, err := managerFor(r, key, false)
	if err != nil || m == nil {
		var zero T
		return zero, false
	}

	return m.MergeAll()
}

// All returns one fresh instance per contributing plugin in registration
// order.
func All[T any](r *Registry, key Key[T]) []T {
	m, err := managerFor(r, key, false)
	if err != nil || m == nil {
		return nil
	}

	return m.Values()
}

// Contributors returns the ids of plugins contributing to key.
func Contributors[T any](r *Registry, key Key[T]) []core.PluginID {
	m, err := managerFor(r, key, false)
	if err != nil || m == nil {
		return nil
	}

	ids := m.PluginIDs()

	out := make([]core.PluginID, len(ids))
	for i, id := range ids {
		out[i] = core.PluginID(id)
	}

	return out
}

func initialState(p Plugin) State {
	if is, ok := p.(InitialStater); ok {
		return is.InitialState().Clone()
	}

	return State{}
}

func safeActivate(ctx context.Context, p Plugin, pctx *Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
		}
	}()

	return p.Activate(ctx, pctx)
}

func safeDeactivate(ctx context.Context, d Deactivator) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError(rec)
		}
	}()

	return d.Deactivate(ctx)
}

// PanicError is a recovered panic converted to an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic recovered: %v", p.Value) }

func panicError(r any) error { return &PanicError{Value: r, Stack: debug.Stack()} }

// dependencyOrder sorts plugins so that every plugin follows the batch
// members it depends on. Ties keep input order; cycles fall back to input
// order and fail dependency checks at load time.
func dependencyOrder(plugins []Plugin) []Plugin {
	inBatch := make(map[core.PluginID]bool, len(plugins))
	for _, p := range plugins {
		inBatch[p.ID()] = true
	}

	placed := make(map[core.PluginID]bool, len(plugins))
	remaining := slices.Clone(plugins)
	out := make([]Plugin, 0, len(plugins))

	for len(remaining) > 0 {
		next := slices.IndexFunc(remaining, func(p Plugin) bool {
			for _, dep := range p.Dependencies() {
				if inBatch[dep] && !placed[dep] {
					return false
				}
			}

			return true
		})
		if next < 0 {
			return append(out, remaining...)
		}

		p := remaining[next]
		out = append(out, p)
		placed[p.ID()] = true
		remaining = slices.Delete(remaining, next, next+1)
	}

	return out
}

// slot holds one plugin's state. Readers load an immutable snapshot;
// writers are serialized and publish a fresh copy.
type slot struct {
	mu      sync.Mutex
	cur     atomic.Pointer[State]
	initial State
}

func newSlot(initial State) *slot {
	s := &slot{initial: initial}
	s.reset()

	return s
}

func (s *slot) load() State {
	if p := s.cur.Load(); p != nil {
		return *p
	}

	return nil
}

func (s *slot) update(fn func(draft State)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	draft := s.load().Clone()
	fn(draft)
	s.cur.Store(&draft)
}

func (s *slot) reset() {
	st := s.initial.Clone()
	s.cur.Store(&st)
}
