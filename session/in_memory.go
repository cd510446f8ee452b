package session

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/chatmesh/core"
)

// InMemoryStore is a volatile Store and ConversationStore keeping data in
// process local maps. It is safe for concurrent access and best suited for
// tests or ephemeral hosts. Conversations are cloned on the way in and out to
// prevent external mutation of internal state.
type InMemoryStore struct {
	mu            sync.RWMutex
	values        map[string][]byte
	conversations map[string]*core.Conversation
}

var (
	_ Store             = (*InMemoryStore)(nil)
	_ ConversationStore = (*InMemoryStore)(nil)
)

// NewInMemoryStore constructs an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		values:        map[string][]byte{},
		conversations: map[string]*core.Conversation{},
	}
}

// Get implements Store.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}

	return slices.Clone(v), nil
}

// Set implements Store.
func (s *InMemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = slices.Clone(value)

	return nil
}

// Delete implements Store. Deleting a missing key is not an error.
func (s *InMemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)

	return nil
}

// List implements Store.
func (s *InMemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []string{}
	for k := range maps.Keys(s.values) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	slices.Sort(keys)

	return keys, nil
}

// SaveConversation implements ConversationStore.
func (s *InMemoryStore) SaveConversation(_ context.Context, conv *core.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.conversations[conv.ID]; ok && cur.Seq > conv.Seq {
		return nil
	}

	s.conversations[conv.ID] = conv.Clone()

	return nil
}

// LoadConversation implements ConversationStore.
func (s *InMemoryStore) LoadConversation(_ context.Context, id string) (*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	return c.Clone(), nil
}

// ListConversations implements ConversationStore.
func (s *InMemoryStore) ListConversations(_ context.Context, threadID string) ([]*core.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*core.Conversation
	for _, c := range s.conversations {
		if c.ThreadID == threadID {
			out = append(out, c.Clone())
		}
	}

	sortByCreation(out)

	return out, nil
}

// ListThreads implements ConversationStore. It returns the latest
// conversation of every thread, most recently updated first.
func (s *InMemoryStore) ListThreads(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := map[string]*core.Conversation{}
	for _, c := range s.conversations {
		if cur, ok := latest[c.ThreadID]; !ok || c.CreatedAt.After(cur.CreatedAt) {
			latest[c.ThreadID] = c
		}
	}

	out := make([]Summary, 0, len(latest))
	for _, c := range latest {
		out = append(out, SummaryOf(c))
	}

	slices.SortFunc(out, func(a, b Summary) int {
		if n := b.UpdatedAt.Compare(a.UpdatedAt); n != 0 {
			return n
		}

		return strings.Compare(a.ThreadID, b.ThreadID)
	})

	return out, nil
}

func sortByCreation(convs []*core.Conversation) {
	slices.SortStableFunc(convs, func(a, b *core.Conversation) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}

		return strings.Compare(a.ID, b.ID)
	})
}
