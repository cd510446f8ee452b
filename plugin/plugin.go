// Package plugin implements the plugin lifecycle: dependency checked
// activation with failure isolation, per-plugin state slots, capability
// registration through typed keys and a shared command table.
//
// A plugin only ever sees its own *Context. Everything it contributes
// (capability factories, commands) is tagged with its id and revoked when
// the plugin is unloaded or its activation fails.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/hupe1980/chatmesh/core"
)

var (
	// ErrDependencyUnmet is returned when a dependency is not active.
	ErrDependencyUnmet = errors.New("plugin dependency unmet")
	// ErrActivationFailed is returned when Activate fails or panics.
	ErrActivationFailed = errors.New("plugin activation failed")
	// ErrNotLoaded is returned for operations on unknown plugins.
	ErrNotLoaded = errors.New("plugin not loaded")
	// ErrAlreadyLoaded is returned when a plugin id is activating or active.
	ErrAlreadyLoaded = errors.New("plugin already loaded")
	// ErrHasDependents is returned when unloading a plugin other active plugins depend on.
	ErrHasDependents = errors.New("plugin has active dependents")
	// ErrCommandNotFound is returned when executing an unknown command.
	ErrCommandNotFound = errors.New("command not found")
	// ErrCommandExists is returned when a command name is already taken.
	ErrCommandExists = errors.New("command already registered")
	// ErrRegistrationClosed is returned when a capability is provided outside activation.
	ErrRegistrationClosed = errors.New("capability registration closed")
	// ErrCapabilityType is returned when a key name is reused with another type.
	ErrCapabilityType = errors.New("capability registered with a different type")
)

// Plugin is a feature module. Implementations are constructed once and
// activated by a Registry.
type Plugin interface {
	ID() core.PluginID
	Version() string
	Dependencies() []core.PluginID
	Activate(ctx context.Context, pctx *Context) error
}

// Deactivator is implemented by plugins that release resources on unload.
type Deactivator interface {
	Deactivate(ctx context.Context) error
}

// InitialStater is implemented by plugins that seed their state slot.
type InitialStater interface {
	InitialState() State
}

// Info implements the identification half of Plugin and is meant to be
// embedded.
type Info struct {
	PluginID       core.PluginID
	PluginVersion  string
	PluginRequires []core.PluginID
}

// ID implements Plugin.
func (i Info) ID() core.PluginID { return i.PluginID }

// Version implements Plugin.
func (i Info) Version() string { return i.PluginVersion }

// Dependencies implements Plugin.
func (i Info) Dependencies() []core.PluginID { return i.PluginRequires }

// State is the opaque per-plugin state. Values handed out by Context.State
// must be treated as read-only; use Context.UpdateState to change them.
type State map[string]any

// Clone returns a shallow copy of s.
func (s State) Clone() State {
	if s == nil {
		return State{}
	}

	return maps.Clone(s)
}

// Status is the lifecycle status of a plugin.
type Status int

const (
	StatusUnloaded Status = iota
	StatusActivating
	StatusActive
	StatusDeactivating
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusUnloaded:
		return "unloaded"
	case StatusActivating:
		return "activating"
	case StatusActive:
		return "active"
	case StatusDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// DependencyError lists the dependencies that were not active.
type DependencyError struct {
	Plugin  core.PluginID
	Missing []core.PluginID
}

func (e *DependencyError) Error() string {
	names := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		names[i] = string(id)
	}

	return fmt.Sprintf("plugin %s: missing dependencies %s", e.Plugin, strings.Join(names, ", "))
}

// Unwrap returns ErrDependencyUnmet.
func (e *DependencyError) Unwrap() error { return ErrDependencyUnmet }

// ActivationError wraps the error (or recovered panic) raised by Activate.
type ActivationError struct {
	Plugin core.PluginID
	Err    error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("plugin %s: activation failed: %v", e.Plugin, e.Err)
}

// Unwrap returns both ErrActivationFailed and the underlying cause.
func (e *ActivationError) Unwrap() []error { return []error{ErrActivationFailed, e.Err} }

// Key is a typed capability key. Keys with equal names must share T.
type Key[T any] struct {
	name string
}

// NewKey creates a capability key.
func NewKey[T any](name string) Key[T] { return Key[T]{name: name} }

// Name returns the key name.
func (k Key[T]) Name() string { return k.name }

// CommandHandler executes a named command.
type CommandHandler func(ctx context.Context, args ...any) (any, error)
