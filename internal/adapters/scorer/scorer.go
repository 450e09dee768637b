// Package scorer rates how badly a live page needs a refresh.
package scorer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"refreshbot/internal/controller"
	"refreshbot/internal/task/policy"
)

type Config struct {
	// RatePerSec bounds page fetches across all concurrent scorers.
	RatePerSec float64
	Timeout    time.Duration
	UserAgent  string
	// StaleAfter is the content age that counts as outdated.
	StaleAfter time.Duration
}

// HTTPScorer fetches a page and scores it from 100 down, one deduction per
// structural problem found.
type HTTPScorer struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     Config
	now     func() time.Time
}

func New(cfg Config, client *http.Client) *HTTPScorer {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "refreshbot/1.0"
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 365 * 24 * time.Hour
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	burst := max(int(cfg.RatePerSec), 1)
	return &HTTPScorer{
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (s *HTTPScorer) Score(ctx context.Context, pageURL string) (controller.HealthReport, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return controller.HealthReport{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return controller.HealthReport{}, policy.NoRetry(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return controller.HealthReport{}, fmt.Errorf("fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return controller.HealthReport{}, fmt.Errorf("fetch %s: %s", pageURL, resp.Status)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return controller.HealthReport{}, fmt.Errorf("parse %s: %w", pageURL, err)
	}
	page := inspect(doc, resp)
	if resp.Request != nil && resp.Request.URL.String() != pageURL {
		page.redirected = true
	}
	return s.rate(page), nil
}

type pageFacts struct {
	title       string
	description string
	h1          int
	words       int
	images      int
	missingAlt  int
	modified    time.Time
	redirected  bool
}

func inspect(doc *goquery.Document, resp *http.Response) pageFacts {
	var p pageFacts
	p.title = strings.TrimSpace(doc.Find("title").First().Text())
	p.description, _ = doc.Find(`meta[name="description"]`).Attr("content")
	p.description = strings.TrimSpace(p.description)
	p.h1 = doc.Find("h1").Length()

	body := doc.Find("article").First()
	if body.Length() == 0 {
		body = doc.Find("body")
	}
	body.Find("script, style, nav, footer").Remove()
	p.words = len(strings.Fields(body.Text()))

	doc.Find("img").Each(func(_ int, img *goquery.Selection) {
		p.images++
		if alt, ok := img.Attr("alt"); !ok || strings.TrimSpace(alt) == "" {
			p.missingAlt++
		}
	})

	for _, sel := range []string{`meta[property="article:modified_time"]`, `meta[property="og:updated_time"]`, `meta[property="article:published_time"]`} {
		if v, ok := doc.Find(sel).Attr("content"); ok {
			if t, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				p.modified = t
				break
			}
		}
	}
	if p.modified.IsZero() {
		if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
			p.modified = t
		}
	}
	return p
}

func (s *HTTPScorer) rate(p pageFacts) controller.HealthReport {
	score := 100
	var issues []string
	deduct := func(n int, issue string) {
		score -= n
		issues = append(issues, issue)
	}

	switch n := len([]rune(p.title)); {
	case n == 0:
		deduct(15, "missing title")
	case n < 20 || n > 70:
		deduct(5, fmt.Sprintf("title length %d outside 20..70", n))
	}
	if p.description == "" {
		deduct(10, "missing meta description")
	}
	switch {
	case p.h1 == 0:
		deduct(10, "no h1")
	case p.h1 > 1:
		deduct(5, fmt.Sprintf("%d h1 headings", p.h1))
	}
	switch {
	case p.words < 300:
		deduct(25, fmt.Sprintf("thin content (%d words)", p.words))
	case p.words < 600:
		deduct(10, fmt.Sprintf("short content (%d words)", p.words))
	}
	if p.images > 0 && p.missingAlt*3 > p.images {
		deduct(10, fmt.Sprintf("%d of %d images missing alt text", p.missingAlt, p.images))
	}
	if !p.modified.IsZero() {
		switch age := s.now().Sub(p.modified); {
		case age > 2*s.cfg.StaleAfter:
			deduct(30, fmt.Sprintf("not updated for %d days", int(age.Hours()/24)))
		case age > s.cfg.StaleAfter:
			deduct(20, fmt.Sprintf("not updated for %d days", int(age.Hours()/24)))
		}
	}
	if p.redirected {
		deduct(5, "redirects")
	}
	return controller.HealthReport{Score: max(score, 0), Issues: issues}
}
