// Package source lists candidate page URLs for the engine's scan phase.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"refreshbot/pkg/logx"
)

// Static is a fixed list of page URLs.
type Static struct {
	URLs []string
}

func (s Static) Origins() []string {
	if len(s.URLs) == 0 {
		return nil
	}
	return []string{fmt.Sprintf("static(%d urls)", len(s.URLs))}
}

func (s Static) Candidates(context.Context) ([]string, error) {
	return slices.Clone(s.URLs), nil
}

// Sitemap reads page URLs from sitemap.xml files. A sitemap index is
// followed one level down.
type Sitemap struct {
	client  *http.Client
	urls    []string
	maxURLs int
	log     logx.Logger
}

type SitemapOption func(*Sitemap)

func WithHTTPClient(c *http.Client) SitemapOption { return func(s *Sitemap) { s.client = c } }

// WithMaxURLs caps how many page URLs one scan returns. 0 means no cap.
func WithMaxURLs(n int) SitemapOption { return func(s *Sitemap) { s.maxURLs = n } }

func WithLogger(log logx.Logger) SitemapOption { return func(s *Sitemap) { s.log = log } }

func NewSitemap(urls []string, opts ...SitemapOption) *Sitemap {
	s := &Sitemap{urls: slices.Clone(urls)}
	for _, o := range opts {
		o(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	return s
}

func (s *Sitemap) Origins() []string { return slices.Clone(s.urls) }

// Candidates fetches every configured sitemap. A sitemap that fails is
// reported in the joined error while the others still contribute.
func (s *Sitemap) Candidates(ctx context.Context) ([]string, error) {
	var (
		out  []string
		errs []error
		seen = map[string]struct{}{}
	)
	add := func(u string) bool {
		if _, ok := seen[u]; ok {
			return true
		}
		seen[u] = struct{}{}
		out = append(out, u)
		return s.maxURLs <= 0 || len(out) < s.maxURLs
	}

	for _, root := range s.urls {
		pages, children, err := s.fetch(ctx, root)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, child := range children {
			nested, _, err := s.fetch(ctx, child)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			pages = append(pages, nested...)
		}
		for _, p := range pages {
			if !add(p) {
				return out, errors.Join(errs...)
			}
		}
	}
	s.log.Debug("sitemaps read", logx.Int("sitemaps", len(s.urls)), logx.Int("urls", len(out)))
	return out, errors.Join(errs...)
}

// fetch returns the page URLs of a urlset and the child sitemaps of an
// index.
func (s *Sitemap) fetch(ctx context.Context, sitemapURL string) (pages, children []string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sitemap %s: build request: %w", sitemapURL, err)
	}
	req.Header.Set("User-Agent", "refreshbot/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sitemap %s: %w", sitemapURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("sitemap %s returned %s", sitemapURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("sitemap %s: parse: %w", sitemapURL, err)
	}
	doc.Find("sitemap > loc").Each(func(_ int, sel *goquery.Selection) {
		if u := strings.TrimSpace(sel.Text()); u != "" {
			children = append(children, u)
		}
	})
	doc.Find("url > loc").Each(func(_ int, sel *goquery.Selection) {
		if u := strings.TrimSpace(sel.Text()); u != "" {
			pages = append(pages, u)
		}
	})
	return pages, children, nil
}

// Source is what Multi combines; it matches the engine's scan source.
type Source interface {
	Origins() []string
	Candidates(ctx context.Context) ([]string, error)
}

// Multi merges several sources, first occurrence wins.
type Multi []Source

func (m Multi) Origins() []string {
	var out []string
	for _, s := range m {
		out = append(out, s.Origins()...)
	}
	return out
}

func (m Multi) Candidates(ctx context.Context) ([]string, error) {
	var (
		out  []string
		errs []error
		seen = map[string]struct{}{}
	)
	for _, s := range m {
		urls, err := s.Candidates(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, u := range urls {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return out, errors.Join(errs...)
}
