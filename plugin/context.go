package plugin

import (
	"context"
	"fmt"

	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/provider"
)

// Context is the only handle a plugin gets on the host. It is bound to a
// single plugin id: state access and registrations always target that id.
type Context struct {
	id       core.PluginID
	registry *Registry
	entry    *entry
	logger   logging.Logger
}

// PluginID returns the id this context is bound to.
func (c *Context) PluginID() core.PluginID { return c.id }

// Logger returns a logger tagged with the plugin id.
func (c *Context) Logger() logging.Logger { return c.logger }

// State returns the current state snapshot. Treat it as read-only.
func (c *Context) State() State { return c.entry.slot.load() }

// UpdateState applies fn to a copy of the current state and publishes the
// result. Concurrent updates are serialized.
func (c *Context) UpdateState(fn func(draft State)) { c.entry.slot.update(fn) }

// RegisterCommand adds a command to the registry-wide command table.
func (c *Context) RegisterCommand(name string, h CommandHandler) error {
	return c.registry.registerCommand(c.entry, name, h)
}

// ExecuteCommand runs any registered command by name.
func (c *Context) ExecuteCommand(ctx context.Context, name string, args ...any) (any, error) {
	return c.registry.ExecuteCommand(ctx, name, args...)
}

// Provide registers factory as this plugin's contribution for key. It is
// only allowed while the plugin is activating; providing again for the same
// key overwrites the plugin's own entry.
func Provide[T any](c *Context, key Key[T], factory provider.Factory[T]) error {
	m, err := managerFor(c.registry, key, true)
	if err != nil {
		return err
	}

	c.registry.mu.RLock()
	current := c.registry.entries[c.id] == c.entry && c.entry.status == StatusActivating
	c.registry.mu.RUnlock()

	if !current {
		return fmt.Errorf("%w: %s for %s", ErrRegistrationClosed, c.id, key.name)
	}

	m.Register(string(c.id), factory)

	return nil
}
