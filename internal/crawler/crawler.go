// Package crawler pulls external documents and feeds them into the same
// batch-write entry point as API clients. It stays polite: robots.txt is
// honored, requests are rate limited, and crawls never leave the seed host.
package crawler

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config tunes crawl scope and politeness.
type Config struct {
	MaxPages          int     `yaml:"max_pages" mapstructure:"max_pages"`
	MaxDepth          int     `yaml:"max_depth" mapstructure:"max_depth"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Concurrency       int     `yaml:"concurrency" mapstructure:"concurrency"`
	FragmentBytes     int     `yaml:"fragment_bytes" mapstructure:"fragment_bytes"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
}

func (c Config) withDefaults() Config {
	if c.MaxPages <= 0 {
		c.MaxPages = 20
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 2
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.FragmentBytes <= 0 {
		c.FragmentBytes = 8192
	}
	if c.UserAgent == "" {
		c.UserAgent = "corpus-crawler/1.0"
	}
	return c
}

// Document is one fetched and cleaned page.
type Document struct {
	URL   string
	Title string
	Text  string
}

// Crawler fetches pages breadth-first from a seed.
type Crawler struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	adapter Adapter
	logger  *zap.Logger

	mu     sync.Mutex
	robots map[string]*robotstxt.RobotsData
}

// New creates a Crawler using the given source adapter.
func New(cfg Config, adapter Adapter) *Crawler {
	cfg = cfg.withDefaults()
	if adapter == nil {
		adapter = GenericAdapter{}
	}
	return &Crawler{
		cfg:     cfg,
		client:  &http.Client{Timeout: 30 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		adapter: adapter,
		logger:  zap.L().Named("crawler"),
		robots:  make(map[string]*robotstxt.RobotsData),
	}
}

// Crawl walks from the seed breadth-first within the seed host, up to
// MaxDepth levels and MaxPages pages.
func (c *Crawler) Crawl(ctx context.Context, seed string) ([]Document, error) {
	seedURL, err := url.Parse(seed)
	if err != nil {
		return nil, eris.Wrapf(err, "crawler: parse seed %s", seed)
	}
	if seedURL.Scheme != "http" && seedURL.Scheme != "https" {
		return nil, eris.Errorf("crawler: unsupported scheme %q", seedURL.Scheme)
	}

	var (
		mu      sync.Mutex
		docs    []Document
		visited = map[string]bool{canonical(seedURL): true}
	)
	frontier := []*url.URL{seedURL}

	for depth := 0; depth <= c.cfg.MaxDepth && len(frontier) > 0; depth++ {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.Concurrency)

		var nextMu sync.Mutex
		var next []*url.URL

		for _, u := range frontier {
			u := u
			g.Go(func() error {
				mu.Lock()
				full := len(docs) >= c.cfg.MaxPages
				mu.Unlock()
				if full {
					return nil
				}

				doc, links, err := c.fetch(gctx, u)
				if err != nil {
					c.logger.Warn("page skipped", zap.String("url", u.String()), zap.Error(err))
					return nil
				}
				if doc != nil {
					mu.Lock()
					if len(docs) < c.cfg.MaxPages {
						docs = append(docs, *doc)
					}
					mu.Unlock()
				}

				for _, link := range links {
					if link.Host != seedURL.Host {
						continue
					}
					key := canonical(link)
					mu.Lock()
					seen := visited[key]
					visited[key] = true
					mu.Unlock()
					if seen {
						continue
					}
					nextMu.Lock()
					next = append(next, link)
					nextMu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return docs, err
		}
		frontier = next
	}

	c.logger.Info("crawl finished", zap.String("seed", seed), zap.Int("pages", len(docs)))
	return docs, nil
}

// fetch retrieves one page, returning the cleaned document and outbound
// links. Disallowed or non-HTML pages return a nil document.
func (c *Crawler) fetch(ctx context.Context, u *url.URL) (*Document, []*url.URL, error) {
	allowed, err := c.allowed(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	if !allowed {
		c.logger.Debug("robots.txt disallows", zap.String("url", u.String()))
		return nil, nil, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "crawler: rate wait")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, eris.Wrap(err, "crawler: build request")
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "crawler: fetch %s", u)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, eris.Errorf("crawler: fetch %s: status %d", u, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "text/html") {
		return nil, nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, nil, eris.Wrapf(err, "crawler: read %s", u)
	}

	page, err := ExtractPage(body, u)
	if err != nil {
		return nil, nil, err
	}

	text := c.adapter.Clean(page)
	if strings.TrimSpace(text) == "" {
		return nil, page.Links, nil
	}
	return &Document{URL: u.String(), Title: page.Title, Text: text}, page.Links, nil
}

// allowed consults robots.txt for the URL's host, caching per host.
// Unreachable robots.txt allows by default.
func (c *Crawler) allowed(ctx context.Context, u *url.URL) (bool, error) {
	c.mu.Lock()
	data, ok := c.robots[u.Host]
	c.mu.Unlock()

	if !ok {
		robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
		if err != nil {
			return false, eris.Wrap(err, "crawler: build robots request")
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)

		resp, err := c.client.Do(req)
		if err != nil {
			data, _ = robotstxt.FromStatusAndBytes(404, nil)
		} else {
			data, err = robotstxt.FromResponse(resp)
			resp.Body.Close()
			if err != nil {
				data, _ = robotstxt.FromStatusAndBytes(404, nil)
			}
		}
		c.mu.Lock()
		c.robots[u.Host] = data
		c.mu.Unlock()
	}

	return data.TestAgent(u.Path, c.cfg.UserAgent), nil
}

func canonical(u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawQuery = ""
	return strings.TrimSuffix(cp.String(), "/")
}
