package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/search"
	"github.com/hupe1980/chatmesh/search/bleve"
	"github.com/hupe1980/chatmesh/session"
)

type pages map[string]*fetch.Page

func (p pages) Page(_ context.Context, url string) (*fetch.Page, error) {
	pg, ok := p[url]
	if !ok {
		return nil, fmt.Errorf("%w: 404", fetch.ErrStatus)
	}

	return pg, nil
}

func site() pages {
	return pages{
		"https://go.dev/": {
			URL:   "https://go.dev/",
			Title: "The Go Programming Language",
			Text:  "Go is an open source programming language.",
			Links: []string{"https://go.dev/doc", "https://example.com/elsewhere"},
		},
		"https://go.dev/doc": {
			URL:   "https://go.dev/doc",
			Title: "Documentation",
			Text:  "Goroutines are lightweight threads managed by the runtime.",
		},
	}
}

func load(t *testing.T, p *Plugin) *plugin.Registry {
	t.Helper()

	r := plugin.NewRegistry()
	require.NoError(t, r.Load(context.Background(), p))

	return r
}

func TestIndexSiteAndListSites(t *testing.T) {
	ctx := context.Background()
	store := session.NewInMemoryStore()
	index := search.NewInMemoryIndex()

	p := New(func(o *Options) {
		o.Loader = site()
		o.Store = store
		o.Index = index
	})
	r := load(t, p)

	out, err := r.ExecuteCommand(ctx, CommandIndexSite, "go", "https://go.dev/")
	require.NoError(t, err)

	s := out.(*Site)
	assert.Equal(t, []string{"https://go.dev/", "https://go.dev/doc"}, s.Pages)
	assert.Equal(t, 2, index.Len())

	listed, err := r.ExecuteCommand(ctx, CommandListSites)
	require.NoError(t, err)

	sites := listed.([]Site)
	require.Len(t, sites, 1)
	assert.Equal(t, "go", sites[0].Name)

	keys, err := store.List(ctx, SitePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/sites/go"}, keys)
}

func TestReindexDropsVanishedPages(t *testing.T) {
	ctx := context.Background()
	index := search.NewInMemoryIndex()
	loader := site()

	p := New(func(o *Options) {
		o.Loader = loader
		o.Index = index
	})

	_, err := p.IndexSite(ctx, "go", "https://go.dev/")
	require.NoError(t, err)

	loader["https://go.dev/"].Links = nil

	s, err := p.IndexSite(ctx, "go", "https://go.dev/")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://go.dev/"}, s.Pages)
	assert.Equal(t, 1, index.Len())

	require.NoError(t, p.RemoveSite(ctx, "go"))
	assert.Equal(t, 0, index.Len())

	sites, err := p.Sites(ctx)
	require.NoError(t, err)
	assert.Empty(t, sites)
}

func TestIndexSiteErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New().IndexSite(ctx, "go", "https://go.dev/")
	require.ErrorIs(t, err, ErrNoLoader)

	_, err = New(func(o *Options) { o.Loader = pages{} }).IndexSite(ctx, "go", "https://go.dev/")
	require.ErrorIs(t, err, fetch.ErrStatus)

	r := load(t, New())
	_, err = r.ExecuteCommand(ctx, CommandIndexSite, "only-name")
	require.Error(t, err)
}

func TestStrategyGatesSearchOnMentionedSites(t *testing.T) {
	ctx := context.Background()
	r := load(t, New())

	strategy, ok := plugin.Merged(r, capability.ChatStrategyKey)
	require.True(t, ok)

	states, err := strategy.BuildPluginStates(ctx, []core.Mention{core.NewMention("fs", "file", "a.go")})
	require.NoError(t, err)
	assert.Empty(t, states)

	conv := core.NewConversation(core.RoleHuman, "how do goroutines work?")

	gates, err := strategy.BuildToolOptions(ctx, conv)
	require.NoError(t, err)
	assert.False(t, gates["search_docs"].Enabled)

	states, err = strategy.BuildPluginStates(ctx, []core.Mention{
		core.NewMention(ID, MentionSite, map[string]any{"name": "go"}),
		core.NewMention(ID, MentionSite, "go"),
	})
	require.NoError(t, err)
	assert.Equal(t, State{Sites: []string{"go"}}, states[string(ID)])

	conv.PluginStates[ID] = states[string(ID)]

	gates, err = strategy.BuildToolOptions(ctx, conv)
	require.NoError(t, err)
	assert.True(t, gates["search_docs"].Enabled)
	assert.Equal(t, []string{"go"}, gates["search_docs"].Strings("sites"))

	prompt, err := strategy.BuildContextPrompt(ctx, nil, conv)
	require.NoError(t, err)
	assert.Equal(t, "Documentation sites: go\n", prompt)
}

func TestSearchDocsAgentWithBleve(t *testing.T) {
	ctx := context.Background()

	index, err := bleve.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	p := New(func(o *Options) {
		o.Loader = site()
		o.Index = index
		o.MaxContent = 10
	})

	_, err = p.IndexSite(ctx, "go", "https://go.dev/")
	require.NoError(t, err)

	a := p.searchAgent()

	out, err := a.Execute(ctx, json.RawMessage(`{"query":"goroutines"}`), &agent.Context{
		Tool: agent.ToolOptions{Enabled: true, Values: map[string]any{"sites": []string{"go"}}},
	})
	require.NoError(t, err)

	results := out.([]Result)
	require.Len(t, results, 1)
	assert.Equal(t, "Documentation", results[0].Title)
	assert.Equal(t, "https://go.dev/doc", results[0].URL)
	assert.Equal(t, "Goroutines", results[0].Content)

	out, err = a.Execute(ctx, json.RawMessage(`{"query":"goroutines"}`), &agent.Context{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSearchDocsPrefersHostSearcher(t *testing.T) {
	ctx := context.Background()

	host := search.NewInMemoryIndex()
	require.NoError(t, host.Index(ctx, search.Document{ID: "h1", Title: "Host", Content: "host channels", Source: "go"}))

	p := New()

	out, err := p.searchAgent().Execute(ctx, json.RawMessage(`{"query":"channels"}`), &agent.Context{
		Strategy: &agent.StrategyOptions{Searcher: host},
		Tool:     agent.ToolOptions{Enabled: true, Values: map[string]any{"sites": []any{"go"}}},
	})
	require.NoError(t, err)

	results := out.([]Result)
	require.Len(t, results, 1)
	assert.Equal(t, "Host", results[0].Title)
}
