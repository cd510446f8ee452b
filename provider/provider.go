// Package provider keeps the per-capability table of plugin contributions and
// folds them into a single composite instance on demand.
package provider

import (
	"slices"
	"sync"

	"github.com/hupe1980/chatmesh/merge"
)

// Factory produces a fresh capability instance.
type Factory[T any] func() T

// Manager stores one factory per plugin id for a single capability kind.
// Iteration follows registration order; re-registering an id overwrites its
// factory in place and keeps the original position.
type Manager[T any] struct {
	mu        sync.RWMutex
	order     []string
	factories map[string]Factory[T]
}

// NewManager creates an empty Manager.
func NewManager[T any]() *Manager[T] {
	return &Manager[T]{factories: make(map[string]Factory[T])}
}

// Register stores factory under pluginID.
func (m *Manager[T]) Register(pluginID string, factory Factory[T]) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.factories[pluginID]; !ok {
		m.order = append(m.order, pluginID)
	}

	m.factories[pluginID] = factory
}

// Unregister removes the factory registered by pluginID and reports whether
// one existed.
func (m *Manager[T]) Unregister(pluginID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.factories[pluginID]; !ok {
		return false
	}

	delete(m.factories, pluginID)
	m.order = slices.DeleteFunc(m.order, func(id string) bool { return id == pluginID })

	return true
}

// Values calls every factory once and returns the instances in registration
// order.
func (m *Manager[T]) Values() []T {
	factories := m.snapshot()

	values := make([]T, 0, len(factories))
	for _, f := range factories {
		values = append(values, f())
	}

	return values
}

// MergeAll returns the deep merge of all contributions. It reports false when
// nothing is registered.
func (m *Manager[T]) MergeAll() (T, bool) {
	return merge.Fold(m.Values()...)
}

// Len returns the number of registrations.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.order)
}

// Has reports whether pluginID contributed.
func (m *Manager[T]) Has(pluginID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.factories[pluginID]

	return ok
}

// PluginIDs returns the contributing plugin ids in registration order.
func (m *Manager[T]) PluginIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.order)
}

func (m *Manager[T]) snapshot() []Factory[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Factory[T], 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.factories[id])
	}

	return out
}
