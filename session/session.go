package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/chatmesh/core"
)

// ErrNotFound is returned when a key or conversation does not exist.
var ErrNotFound = errors.New("session: not found")

// Store is a key/value settings store. Keys are slash separated paths such as
// "docs/sites/go.dev"; List returns the keys under a prefix in lexical order.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Summary describes a stored conversation without its records.
type Summary struct {
	ID        string
	ThreadID  string
	Role      core.Role
	Status    core.Status
	Seq       int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationStore persists conversations. Saving an older Seq than the
// stored one is ignored so late snapshots never roll a conversation back.
type ConversationStore interface {
	SaveConversation(ctx context.Context, conv *core.Conversation) error
	LoadConversation(ctx context.Context, id string) (*core.Conversation, error)
	// ListConversations returns the conversations of a thread ordered by
	// creation time.
	ListConversations(ctx context.Context, threadID string) ([]*core.Conversation, error)
	ListThreads(ctx context.Context) ([]Summary, error)
}

// GetJSON decodes the value stored under key into T.
func GetJSON[T any](ctx context.Context, s Store, key string) (T, error) {
	var out T

	raw, err := s.Get(ctx, key)
	if err != nil {
		return out, err
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}

	return out, nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	return s.Set(ctx, key, raw)
}

// SummaryOf builds the summary of a conversation.
func SummaryOf(c *core.Conversation) Summary {
	return Summary{
		ID:        c.ID,
		ThreadID:  c.ThreadID,
		Role:      c.Role,
		Status:    c.Status,
		Seq:       c.Seq,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}
