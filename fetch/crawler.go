package fetch

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hupe1980/chatmesh/logging"
)

// PageLoader loads a parsed page. HTTPFetcher implements it.
type PageLoader interface {
	Page(ctx context.Context, rawURL string) (*Page, error)
}

// CrawlerOptions bounds a crawl.
type CrawlerOptions struct {
	// MaxDepth is the number of link hops followed from the start page.
	MaxDepth int
	// MaxPages caps the number of pages returned.
	MaxPages int
	Logger   logging.Logger
}

// Crawler walks links breadth first, staying on the start URL's host.
type Crawler struct {
	loader PageLoader
	opts   CrawlerOptions
}

// NewCrawler creates a crawler with depth 2 and a 50 page cap.
func NewCrawler(loader PageLoader, optFns ...func(o *CrawlerOptions)) *Crawler {
	opts := CrawlerOptions{
		MaxDepth: 2,
		MaxPages: 50,
		Logger:   logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Crawler{loader: loader, opts: opts}
}

// Crawl returns pages in visit order. Pages that fail to load are logged and
// skipped; only a failing start page or cancellation is returned as error.
func (c *Crawler) Crawl(ctx context.Context, start string) ([]*Page, error) {
	root, err := normalize(start)
	if err != nil {
		return nil, err
	}

	type item struct {
		url   string
		depth int
	}

	var (
		pages   []*Page
		queue   = []item{{url: root.String()}}
		visited = map[string]bool{root.String(): true}
	)

	for len(queue) > 0 && len(pages) < c.opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		next := queue[0]
		queue = queue[1:]

		page, err := c.loader.Page(ctx, next.url)
		if err != nil {
			if next.depth == 0 {
				return nil, fmt.Errorf("crawl %s: %w", next.url, err)
			}

			c.opts.Logger.Warn("fetch.crawl.skipped", "fetch.url", next.url, "error", err)

			continue
		}

		pages = append(pages, page)

		if next.depth >= c.opts.MaxDepth {
			continue
		}

		for _, link := range page.Links {
			if visited[link] || !sameHost(root, link) {
				continue
			}

			visited[link] = true
			queue = append(queue, item{url: link, depth: next.depth + 1})
		}
	}

	c.opts.Logger.Info("fetch.crawl.completed", "fetch.url", root.String(), "fetch.pages", len(pages))

	return pages, nil
}

func sameHost(root *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}

	return u.Host == root.Host
}
