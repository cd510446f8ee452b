// Package fetch loads remote pages for agents. HTTPFetcher retrieves a single
// URL and converts HTML to plain text; Crawler walks same-host links breadth
// first. Both share an LRU page cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hupe1980/chatmesh/logging"
)

var (
	// ErrInvalidURL is returned for URLs that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("fetch: invalid url")
	// ErrStatus is returned when the server answers with a non-2xx status.
	ErrStatus = errors.New("fetch: unexpected status")
)

// Fetcher loads the textual content of a URL.
type Fetcher interface {
	Load(ctx context.Context, rawURL string) (string, error)
}

// Page is a fetched document.
type Page struct {
	URL   string
	Title string
	Text  string
	Links []string
}

// Options configures an HTTPFetcher.
type Options struct {
	Client    *http.Client
	UserAgent string
	// MaxBytes bounds the body read per page.
	MaxBytes int64
	// CacheSize is the number of pages kept in the LRU cache. Zero disables it.
	CacheSize int
	Logger    logging.Logger
}

// HTTPFetcher is a Fetcher backed by net/http.
type HTTPFetcher struct {
	opts  Options
	cache *lru.Cache[string, *Page]
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher creates a fetcher with a 30s client timeout, a 2 MiB body
// limit and a 128 page cache.
func NewHTTPFetcher(optFns ...func(o *Options)) (*HTTPFetcher, error) {
	opts := Options{
		Client:    &http.Client{Timeout: 30 * time.Second},
		UserAgent: "chatmesh/1.0",
		MaxBytes:  2 << 20,
		CacheSize: 128,
		Logger:    logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	f := &HTTPFetcher{opts: opts}

	if opts.CacheSize > 0 {
		cache, err := lru.New[string, *Page](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create page cache: %w", err)
		}

		f.cache = cache
	}

	return f, nil
}

// Load implements Fetcher.
func (f *HTTPFetcher) Load(ctx context.Context, rawURL string) (string, error) {
	page, err := f.Page(ctx, rawURL)
	if err != nil {
		return "", err
	}

	return page.Text, nil
}

// Page fetches and parses a URL, consulting the cache first.
func (f *HTTPFetcher) Page(ctx context.Context, rawURL string) (*Page, error) {
	u, err := normalize(rawURL)
	if err != nil {
		return nil, err
	}

	key := u.String()

	if f.cache != nil {
		if p, ok := f.cache.Get(key); ok {
			f.opts.Logger.Debug("fetch.cache.hit", "fetch.url", key)
			return p, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrStatus, key, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}

	var page *Page
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		page = parseHTML(resp.Request.URL, body)
	} else {
		page = &Page{URL: key, Text: string(body)}
	}

	page.URL = key

	f.opts.Logger.Debug("fetch.page.loaded",
		"fetch.url", key,
		"fetch.bytes", len(body),
		"fetch.links", len(page.Links),
	)

	if f.cache != nil {
		f.cache.Add(key, page)
	}

	return page, nil
}

// Purge empties the page cache.
func (f *HTTPFetcher) Purge() {
	if f.cache != nil {
		f.cache.Purge()
	}
}

func normalize(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	u.Fragment = ""

	return u, nil
}
