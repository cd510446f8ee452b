package web

import (
	"context"
	"errors"

	"github.com/hupe1980/chatmesh/agent"
)

type searchInput struct {
	Query string   `json:"query,omitempty" jsonschema:"description=Search query. Requires a configured search engine"`
	URLs  []string `json:"urls,omitempty" jsonschema:"description=Pages to fetch"`
}

// Page is one fetched page.
type Page struct {
	URL     string `json:"url"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (p *Plugin) searchAgent() agent.Agent {
	return agent.MustNew("web_search", "Fetch web pages by URL or search the web for a query.",
		func(ctx context.Context, in searchInput, ac *agent.Context) ([]Page, error) {
			f, err := p.fetcher(ac.Strategy)
			if err != nil {
				return nil, err
			}

			urls := in.URLs
			if in.Query != "" {
				tmpl := ac.Tool.String("searchURL")
				if tmpl == "" {
					tmpl = p.opts.SearchURL
				}

				if tmpl != "" {
					urls = append(urls, searchURL(tmpl, in.Query))
				} else if len(urls) == 0 {
					return nil, errors.New("web: no search engine configured, pass urls instead")
				}
			}

			if len(urls) == 0 {
				return nil, errors.New("web: query or urls required")
			}

			out := make([]Page, 0, len(urls))
			for _, u := range urls {
				text, err := f.Load(ctx, u)
				if err != nil {
					if ctx.Err() != nil {
						return nil, ctx.Err()
					}

					out = append(out, Page{URL: u, Error: err.Error()})

					continue
				}

				out = append(out, Page{URL: u, Content: truncate(text, p.opts.MaxPageChars)})
			}

			return out, nil
		}, func(o *agent.Options) { o.Gated = true })
}
