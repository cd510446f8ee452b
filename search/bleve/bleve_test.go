package bleve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/search"
)

func newIndex(t *testing.T) *Index {
	t.Helper()

	idx, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	require.NoError(t, idx.Index(context.Background(),
		search.Document{ID: "ctx", Title: "Package context", Content: "Context carries deadlines and cancellation signals.", Source: "go.dev"},
		search.Document{ID: "slog", Title: "Package slog", Content: "Structured logging with levels.", Source: "go.dev"},
		search.Document{ID: "hooks", Title: "Hooks", Content: "Cancellation of effects on unmount.", Source: "react.dev"},
	))

	return idx
}

func TestIndexSearchMatchesText(t *testing.T) {
	idx := newIndex(t)

	rows, err := idx.Search(context.Background(), search.Query{Text: "structured logging"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "slog", rows[0].ID)
	assert.Equal(t, "go.dev", rows[0].Source)
}

func TestIndexSearchFiltersBySource(t *testing.T) {
	idx := newIndex(t)

	rows, err := idx.Search(context.Background(), search.Query{Text: "cancellation", Source: "react.dev"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hooks", rows[0].ID)
}

func TestIndexGetContentAndDelete(t *testing.T) {
	idx := newIndex(t)

	content, err := idx.GetContent(context.Background(), search.Row{ID: "ctx"})
	require.NoError(t, err)
	assert.Contains(t, content, "deadlines")

	require.NoError(t, idx.Delete(context.Background(), "ctx"))

	rows, err := idx.Search(context.Background(), search.Query{Text: "deadlines"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestIndexEmptyQuery(t *testing.T) {
	_, err := newIndex(t).Search(context.Background(), search.Query{})
	assert.ErrorIs(t, err, search.ErrEmptyQuery)
}
