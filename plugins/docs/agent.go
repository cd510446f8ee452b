package docs

import (
	"context"

	"github.com/hupe1980/chatmesh/agent"
	"github.com/hupe1980/chatmesh/search"
)

type searchInput struct {
	Query string `json:"query" jsonschema:"required,minLength=1,description=What to look up"`
}

// Result is one documentation hit.
type Result struct {
	Site    string  `json:"site"`
	Title   string  `json:"title"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score"`
	Content string  `json:"content"`
}

// searchAgent searches every mentioned site. It is gated: without a
// mentioned site it returns no results.
func (p *Plugin) searchAgent() agent.Agent {
	return agent.MustNew("search_docs", "Search the documentation sites the user mentioned.",
		func(ctx context.Context, in searchInput, ac *agent.Context) ([]Result, error) {
			searcher := search.Searcher(p.opts.Index)
			if ac.Strategy != nil && ac.Strategy.Searcher != nil {
				searcher = ac.Strategy.Searcher
			}

			var out []Result

			for _, site := range ac.Tool.Strings("sites") {
				rows, err := searcher.Search(ctx, search.Query{Text: in.Query, Source: site, Limit: p.opts.Results})
				if err != nil {
					return nil, err
				}

				for _, row := range rows {
					content, err := searcher.GetContent(ctx, row)
					if err != nil {
						ac.Log().Warn("docs.content.failed", "id", row.ID, "error", err.Error())
						continue
					}

					out = append(out, Result{
						Site:    site,
						Title:   row.Title,
						URL:     row.Metadata["url"],
						Score:   row.Score,
						Content: truncate(content, p.opts.MaxContent),
					})
				}
			}

			return out, nil
		}, func(o *agent.Options) { o.Gated = true })
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}

	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
