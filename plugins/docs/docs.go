// Package docs is the documentation retrieval plugin. Sites are crawled
// into a search index with the docs.indexSite command; a docs:site mention
// enables the search_docs agent for that site during the turn.
package docs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/capability"
	"github.com/hupe1980/chatmesh/core"
	"github.com/hupe1980/chatmesh/fetch"
	"github.com/hupe1980/chatmesh/flow"
	"github.com/hupe1980/chatmesh/logging"
	"github.com/hupe1980/chatmesh/plugin"
	"github.com/hupe1980/chatmesh/search"
	"github.com/hupe1980/chatmesh/session"
)

// ID is the plugin id.
const ID core.PluginID = "docs"

// MentionSite is the mention kind selecting a documentation site.
const MentionSite = "site"

// Commands.
const (
	CommandListSites  = "docs.listSites"
	CommandIndexSite  = "docs.indexSite"
	CommandRemoveSite = "docs.removeSite"
)

// SitePrefix is the store prefix of site records.
const SitePrefix = "docs/sites/"

// ErrNoLoader is returned by docs.indexSite without a configured loader.
var ErrNoLoader = errors.New("docs: no page loader configured")

// Site is an indexed documentation site.
type Site struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Pages     []string  `json:"pages"`
	IndexedAt time.Time `json:"indexed_at"`
}

// State lists the sites mentioned in a turn.
type State struct {
	Sites []string `json:"sites"`
}

// Options configures the plugin.
type Options struct {
	// Index receives crawled pages. It is also searched when the host does
	// not provide a searcher.
	Index search.Index
	// Store keeps the site records.
	Store session.Store
	// Loader fetches pages for indexing.
	Loader fetch.PageLoader
	// Crawl limits crawling.
	MaxDepth int
	MaxPages int
	// Results is the number of rows returned per site.
	Results int
	// MaxContent truncates the content of each result.
	MaxContent int
}

// Plugin implements plugin.Plugin.
type Plugin struct {
	plugin.Info
	opts Options
	log  logging.Logger
}

// New creates the plugin.
func New(optFns ...func(o *Options)) *Plugin {
	opts := Options{
		MaxDepth:   2,
		MaxPages:   50,
		Results:    3,
		MaxContent: 2000,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Index == nil {
		opts.Index = search.NewInMemoryIndex()
	}

	if opts.Store == nil {
		opts.Store = session.NewInMemoryStore()
	}

	return &Plugin{
		Info: plugin.Info{PluginID: ID, PluginVersion: "1.0.0"},
		opts: opts,
		log:  logging.NoOpLogger{},
	}
}

// Activate implements plugin.Plugin.
func (p *Plugin) Activate(_ context.Context, pctx *plugin.Context) error {
	p.log = pctx.Logger()

	if err := plugin.Provide(pctx, capability.ChatStrategyKey, p.strategy); err != nil {
		return err
	}

	if err := pctx.RegisterCommand(CommandListSites, func(ctx context.Context, _ ...any) (any, error) {
		return p.Sites(ctx)
	}); err != nil {
		return err
	}

	if err := pctx.RegisterCommand(CommandIndexSite, func(ctx context.Context, args ...any) (any, error) {
		name, url, err := siteArgs(args)
		if err != nil {
			return nil, err
		}

		return p.IndexSite(ctx, name, url)
	}); err != nil {
		return err
	}

	return pctx.RegisterCommand(CommandRemoveSite, func(ctx context.Context, args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("docs.removeSite: expected site name")
		}

		name, _ := args[0].(string)

		return nil, p.RemoveSite(ctx, name)
	})
}

func siteArgs(args []any) (string, string, error) {
	if len(args) != 2 {
		return "", "", errors.New("docs.indexSite: expected name and url")
	}

	name, ok1 := args[0].(string)
	url, ok2 := args[1].(string)

	if !ok1 || !ok2 || name == "" || url == "" {
		return "", "", errors.New("docs.indexSite: name and url must be non-empty strings")
	}

	return name, url, nil
}

// Sites returns the indexed sites ordered by name.
func (p *Plugin) Sites(ctx context.Context) ([]Site, error) {
	keys, err := p.opts.Store.List(ctx, SitePrefix)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}

	out := make([]Site, 0, len(keys))
	for _, key := range keys {
		s, err := session.GetJSON[Site](ctx, p.opts.Store, key)
		if err != nil {
			return nil, err
		}

		out = append(out, s)
	}

	return out, nil
}

// IndexSite crawls url and indexes every page under the site name. Pages
// of a previous crawl that are gone are removed from the index.
func (p *Plugin) IndexSite(ctx context.Context, name, url string) (*Site, error) {
	if p.opts.Loader == nil {
		return nil, ErrNoLoader
	}

	crawler := fetch.NewCrawler(p.opts.Loader, func(o *fetch.CrawlerOptions) {
		o.MaxDepth = p.opts.MaxDepth
		o.MaxPages = p.opts.MaxPages
		o.Logger = p.log
	})

	pages, err := crawler.Crawl(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("crawl %s: %w", name, err)
	}

	docs := make([]search.Document, 0, len(pages))
	site := &Site{Name: name, URL: url, IndexedAt: time.Now().UTC()}

	for _, pg := range pages {
		docs = append(docs, search.Document{
			ID:       docID(name, pg.URL),
			Title:    pg.Title,
			Content:  pg.Text,
			Source:   name,
			Metadata: map[string]string{"url": pg.URL},
		})
		site.Pages = append(site.Pages, pg.URL)
	}

	if prev, err := session.GetJSON[Site](ctx, p.opts.Store, SitePrefix+name); err == nil {
		var gone []string
		for _, u := range prev.Pages {
			if !slices.Contains(site.Pages, u) {
				gone = append(gone, docID(name, u))
			}
		}

		if len(gone) > 0 {
			if err := p.opts.Index.Delete(ctx, gone...); err != nil {
				return nil, err
			}
		}
	}

	if err := p.opts.Index.Index(ctx, docs...); err != nil {
		return nil, fmt.Errorf("index %s: %w", name, err)
	}

	if err := session.SetJSON(ctx, p.opts.Store, SitePrefix+name, site); err != nil {
		return nil, err
	}

	p.log.Info("docs.site.indexed", "site", name, "pages", len(docs))

	return site, nil
}

// RemoveSite deletes the site record and its pages.
func (p *Plugin) RemoveSite(ctx context.Context, name string) error {
	site, err := session.GetJSON[Site](ctx, p.opts.Store, SitePrefix+name)
	if err != nil {
		return err
	}

	ids := make([]string, len(site.Pages))
	for i, u := range site.Pages {
		ids[i] = docID(name, u)
	}

	if err := p.opts.Index.Delete(ctx, ids...); err != nil {
		return err
	}

	return p.opts.Store.Delete(ctx, SitePrefix+name)
}

func docID(site, url string) string { return site + "|" + url }

func (p *Plugin) strategy() *capability.ChatStrategyProvider {
	return &capability.ChatStrategyProvider{
		BuildSystemPrompt: func(context.Context, *agent.StrategyOptions) (string, error) {
			return "When the user mentions a documentation site, answer from it using search_docs and cite the page URLs.\n", nil
		},
		BuildPluginStates: func(_ context.Context, mentions []core.Mention) (map[string]any, error) {
			var st State
			for _, m := range mentions {
				if m.Type != string(ID)+":"+MentionSite {
					continue
				}

				if name := m.String("name"); name != "" && !slices.Contains(st.Sites, name) {
					st.Sites = append(st.Sites, name)
				}
			}

			if len(st.Sites) == 0 {
				return nil, nil
			}

			return map[string]any{string(ID): st}, nil
		},
		BuildContextPrompt: func(_ context.Context, _ *agent.StrategyOptions, conv *core.Conversation) (string, error) {
			st := stateOf(conv)
			if len(st.Sites) == 0 {
				return "", nil
			}

			return "Documentation sites: " + strings.Join(st.Sites, ", ") + "\n", nil
		},
		BuildNodes: func(context.Context, *agent.StrategyOptions) ([]*flow.Node, error) {
			return []*flow.Node{{Name: "docs", PluginID: ID, Agents: []agent.Agent{p.searchAgent()}}}, nil
		},
		BuildToolOptions: func(_ context.Context, conv *core.Conversation) (map[string]agent.ToolOptions, error) {
			st := stateOf(conv)

			return map[string]agent.ToolOptions{
				"search_docs": {Enabled: len(st.Sites) > 0, Values: map[string]any{"sites": st.Sites}},
			}, nil
		},
	}
}

func stateOf(conv *core.Conversation) State {
	if conv == nil {
		return State{}
	}

	switch st := conv.PluginStates[ID].(type) {
	case State:
		return st
	case map[string]any:
		return State{Sites: agent.ToolOptions{Values: st}.Strings("sites")}
	default:
		return State{}
	}
}
