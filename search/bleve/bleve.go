// Package bleve implements search.Index on top of a bleve full-text index.
// Title and content are analyzed with the standard analyzer; the source is
// indexed as a keyword so filters match exactly.
package bleve

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/hupe1980/chatmesh/search"
)

const (
	fieldTitle   = "title"
	fieldContent = "content"
	fieldSource  = "source"
)

// Options configures an Index.
type Options struct {
	// Path stores the index on disk. Empty keeps it in memory.
	Path string
}

// Index is a bleve backed search.Index. Documents indexed through this value
// are cached in memory; documents of a reopened on-disk index are read back
// from stored fields.
type Index struct {
	index bleve.Index

	mu   sync.RWMutex
	docs map[string]search.Document
}

var _ search.Index = (*Index)(nil)

type indexedDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// New opens (or creates) an index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}

	im := buildMapping()

	var (
		idx bleve.Index
		err error
	)

	switch {
	case opts.Path == "":
		idx, err = bleve.NewMemOnly(im)
	default:
		idx, err = bleve.Open(opts.Path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(opts.Path, im)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("open bleve index: %w", err)
	}

	return &Index{index: idx, docs: map[string]search.Document{}}, nil
}

func buildMapping() *mapping.IndexMappingImpl {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	doc.AddFieldMappingsAt(fieldTitle, text)
	doc.AddFieldMappingsAt(fieldContent, text)

	kw := bleve.NewKeywordFieldMapping()
	doc.AddFieldMappingsAt(fieldSource, kw)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc

	return im
}

// Index adds documents using a single batch.
func (i *Index) Index(ctx context.Context, docs ...search.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := i.index.NewBatch()
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("search: document id is required")
		}

		if err := batch.Index(d.ID, indexedDoc{Title: d.Title, Content: d.Content, Source: d.Source}); err != nil {
			return fmt.Errorf("index %s: %w", d.ID, err)
		}
	}

	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	i.mu.Lock()
	for _, d := range docs {
		d.Metadata = maps.Clone(d.Metadata)
		i.docs[d.ID] = d
	}
	i.mu.Unlock()

	return nil
}

// Delete removes documents.
func (i *Index) Delete(ctx context.Context, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := i.index.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}

	if err := i.index.Batch(batch); err != nil {
		return fmt.Errorf("apply batch: %w", err)
	}

	i.mu.Lock()
	for _, id := range ids {
		delete(i.docs, id)
	}
	i.mu.Unlock()

	return nil
}

// Search implements search.Searcher.
func (i *Index) Search(ctx context.Context, q search.Query) ([]search.Row, error) {
	if q.Text == "" && q.Source == "" {
		return nil, search.ErrEmptyQuery
	}

	limit := q.Limit
	if limit <= 0 {
		limit = search.DefaultLimit
	}

	req := bleve.NewSearchRequest(buildQuery(q))
	req.Size = limit
	req.Fields = []string{fieldTitle, fieldSource}

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	rows := make([]search.Row, 0, len(res.Hits))
	for _, hit := range res.Hits {
		d, ok := i.docs[hit.ID]
		if !ok {
			d = search.Document{ID: hit.ID, Title: stringField(hit.Fields, fieldTitle), Source: stringField(hit.Fields, fieldSource)}
		}

		rows = append(rows, search.Row{
			ID:       hit.ID,
			Title:    d.Title,
			Source:   d.Source,
			Score:    hit.Score,
			Metadata: maps.Clone(d.Metadata),
		})
	}

	return rows, nil
}

func buildQuery(q search.Query) query.Query {
	var queries []query.Query

	if q.Text != "" {
		queries = append(queries, bleve.NewMatchQuery(q.Text))
	}

	if q.Source != "" {
		term := bleve.NewTermQuery(q.Source)
		term.SetField(fieldSource)
		queries = append(queries, term)
	}

	if len(queries) == 1 {
		return queries[0]
	}

	boolQuery := bleve.NewBooleanQuery()
	for _, sub := range queries {
		boolQuery.AddMust(sub)
	}

	return boolQuery
}

// GetContent implements search.Searcher.
func (i *Index) GetContent(ctx context.Context, row search.Row) (string, error) {
	i.mu.RLock()
	d, ok := i.docs[row.ID]
	i.mu.RUnlock()

	if ok {
		return d.Content, nil
	}

	req := bleve.NewSearchRequest(bleve.NewDocIDQuery([]string{row.ID}))
	req.Fields = []string{fieldContent}

	res, err := i.index.SearchInContext(ctx, req)
	if err != nil {
		return "", fmt.Errorf("load content: %w", err)
	}

	if len(res.Hits) == 0 {
		return "", fmt.Errorf("search: document %q not found", row.ID)
	}

	return stringField(res.Hits[0].Fields, fieldContent), nil
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}

// Close releases the underlying index.
func (i *Index) Close() error {
	return i.index.Close()
}
