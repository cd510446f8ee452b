// Package search defines the similarity search collaborator used by agents
// and context strategies, plus a process-local index for tests and small
// workspaces. A full-text implementation backed by bleve lives in
// search/bleve.
package search

import (
	"context"
	"errors"
)

// ErrEmptyQuery is returned when a query has neither text nor source.
var ErrEmptyQuery = errors.New("search: empty query")

// DefaultLimit caps results when Query.Limit is not set.
const DefaultLimit = 10

// Document is an indexable unit of text.
type Document struct {
	ID       string
	Title    string
	Content  string
	Source   string // origin, e.g. a documentation site or repository
	Metadata map[string]string
}

// Row is one search hit.
type Row struct {
	ID       string
	Title    string
	Source   string
	Score    float64
	Metadata map[string]string
}

// Query selects rows. An empty Source matches every source.
type Query struct {
	Text   string
	Source string
	Limit  int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}

	return q.Limit
}

// Searcher retrieves rows and their content.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Row, error)
	GetContent(ctx context.Context, row Row) (string, error)
}

// Indexer adds and removes documents.
type Indexer interface {
	Index(ctx context.Context, docs ...Document) error
	Delete(ctx context.Context, ids ...string) error
}

// Index is a Searcher that can be populated.
type Index interface {
	Searcher
	Indexer
}
