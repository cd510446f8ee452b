package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T) *InMemoryIndex {
	t.Helper()

	idx := NewInMemoryIndex()
	require.NoError(t, idx.Index(context.Background(),
		Document{ID: "ctx", Title: "Package context", Content: "Context carries deadlines and cancellation. Use context everywhere.", Source: "go.dev"},
		Document{ID: "slog", Title: "Package slog", Content: "Structured logging.", Source: "go.dev"},
		Document{ID: "react", Title: "Hooks", Content: "useContext reads context.", Source: "react.dev"},
	))

	return idx
}

func TestInMemoryIndexRanksByOccurrences(t *testing.T) {
	idx := seed(t)

	rows, err := idx.Search(context.Background(), Query{Text: "context"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "ctx", rows[0].ID)
	assert.Equal(t, "react", rows[1].ID)
}

func TestInMemoryIndexSourceFilterAndLimit(t *testing.T) {
	idx := seed(t)

	rows, err := idx.Search(context.Background(), Query{Text: "context", Source: "react.dev"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "react", rows[0].ID)

	rows, err = idx.Search(context.Background(), Query{Source: "go.dev", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestInMemoryIndexGetContentAndDelete(t *testing.T) {
	idx := seed(t)

	content, err := idx.GetContent(context.Background(), Row{ID: "slog"})
	require.NoError(t, err)
	assert.Equal(t, "Structured logging.", content)

	require.NoError(t, idx.Delete(context.Background(), "slog"))
	_, err = idx.GetContent(context.Background(), Row{ID: "slog"})
	assert.Error(t, err)
	assert.Equal(t, 2, idx.Len())
}

func TestInMemoryIndexEmptyQuery(t *testing.T) {
	_, err := seed(t).Search(context.Background(), Query{})
	assert.ErrorIs(t, err, ErrEmptyQuery)
}
