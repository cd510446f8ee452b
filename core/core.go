package core

import "github.com/google/uuid"

// PluginID identifies a plugin. Builtin plugins declare their id as a
// constant in their own package.
type PluginID string

// String implements fmt.Stringer.
func (id PluginID) String() string { return string(id) }

// NewID generates a globally unique identifier for conversations, agent
// records and log entries.
func NewID() string { return uuid.NewString() }
