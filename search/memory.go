package search

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
)

// InMemoryIndex is a naive process-local Index.
//
// Concurrency: protected by RWMutex.
// Search: case-insensitive term matching over title and content. The score
// is the number of query term occurrences; ties are broken by id so results
// are deterministic. Suitable for tests and small corpora only.
type InMemoryIndex struct {
	mu   sync.RWMutex
	docs map[string]Document
}

var _ Index = (*InMemoryIndex)(nil)

// NewInMemoryIndex creates an empty index.
func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{docs: map[string]Document{}}
}

// Index stores docs, replacing documents with the same id.
func (m *InMemoryIndex) Index(_ context.Context, docs ...Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("search: document id is required")
		}

		d.Metadata = maps.Clone(d.Metadata)
		m.docs[d.ID] = d
	}

	return nil
}

// Delete removes documents by id. Unknown ids are ignored.
func (m *InMemoryIndex) Delete(_ context.Context, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.docs, id)
	}

	return nil
}

// Search implements Searcher.
func (m *InMemoryIndex) Search(ctx context.Context, q Query) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 && q.Source == "" {
		return nil, ErrEmptyQuery
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]Row, 0)
	for _, d := range m.docs {
		if q.Source != "" && d.Source != q.Source {
			continue
		}

		score := 1.0
		if len(terms) > 0 {
			haystack := strings.ToLower(d.Title + " " + d.Content)

			score = 0
			for _, t := range terms {
				score += float64(strings.Count(haystack, t))
			}

			if score == 0 {
				continue
			}
		}

		rows = append(rows, Row{ID: d.ID, Title: d.Title, Source: d.Source, Score: score, Metadata: maps.Clone(d.Metadata)})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}

		return rows[i].ID < rows[j].ID
	})

	if len(rows) > q.limit() {
		rows = rows[:q.limit()]
	}

	return rows, nil
}

// GetContent implements Searcher.
func (m *InMemoryIndex) GetContent(_ context.Context, row Row) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.docs[row.ID]
	if !ok {
		return "", fmt.Errorf("search: document %q not found", row.ID)
	}

	return d.Content, nil
}

// Len returns the number of stored documents.
func (m *InMemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.docs)
}
