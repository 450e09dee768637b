// Package publisher writes accepted content where a site can pick it up.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"refreshbot/internal/controller"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
)

// FilePublisher sanitizes each article and writes <slug>.html plus a
// <slug>.json sidecar into Dir. A static site build or a sync job takes it
// from there.
type FilePublisher struct {
	Dir string
	// BaseURL, when set, is where Dir is served; published URLs use it
	// instead of file:// paths.
	BaseURL string
	Status  string

	policy *bluemonday.Policy
	now    func() time.Time
}

func NewFile(dir, baseURL, status string) *FilePublisher {
	return &FilePublisher{
		Dir:     dir,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Status:  status,
		policy:  bluemonday.UGCPolicy(),
		now:     time.Now,
	}
}

func (p *FilePublisher) HasCredentials() bool { return strings.TrimSpace(p.Dir) != "" }

type frontMatter struct {
	Title       string    `json:"title"`
	Slug        string    `json:"slug"`
	Status      string    `json:"status"`
	SourceURL   string    `json:"source_url"`
	ItemID      string    `json:"item_id"`
	Quality     int       `json:"quality"`
	WordCount   int       `json:"word_count"`
	PublishedAt time.Time `json:"published_at"`
}

func (p *FilePublisher) Publish(ctx context.Context, it queue.Item, c controller.Content) (controller.PublishResult, error) {
	if err := ctx.Err(); err != nil {
		return controller.PublishResult{}, err
	}
	if !p.HasCredentials() {
		return controller.PublishResult{}, policy.NoRetry(errors.New("publisher: no output dir"))
	}
	slug := safeSlug(c.Slug)
	if slug == "" {
		slug = it.ID
	}
	if slug == "" {
		return controller.PublishResult{}, policy.NoRetry(errors.New("publisher: content has no slug"))
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return controller.PublishResult{}, fmt.Errorf("publisher: %w", err)
	}

	html := p.policy.Sanitize(c.HTML)
	if strings.TrimSpace(html) == "" {
		return controller.PublishResult{}, policy.NoRetry(errors.New("publisher: body empty after sanitizing"))
	}
	meta, err := json.MarshalIndent(frontMatter{
		Title:       c.Title,
		Slug:        slug,
		Status:      p.Status,
		SourceURL:   it.URL,
		ItemID:      it.ID,
		Quality:     c.QualityScore,
		WordCount:   c.WordCount,
		PublishedAt: p.now().UTC(),
	}, "", "  ")
	if err != nil {
		return controller.PublishResult{}, fmt.Errorf("publisher: encode meta: %w", err)
	}

	htmlPath := filepath.Join(p.Dir, slug+".html")
	if err := writeAtomic(htmlPath, []byte(html)); err != nil {
		return controller.PublishResult{}, fmt.Errorf("publisher: %w", err)
	}
	if err := writeAtomic(filepath.Join(p.Dir, slug+".json"), meta); err != nil {
		return controller.PublishResult{}, fmt.Errorf("publisher: %w", err)
	}

	if p.BaseURL != "" {
		return controller.PublishResult{PublishedURL: p.BaseURL + "/" + url.PathEscape(slug)}, nil
	}
	abs, err := filepath.Abs(htmlPath)
	if err != nil {
		abs = htmlPath
	}
	return controller.PublishResult{PublishedURL: (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()}, nil
}

// safeSlug drops anything that could escape Dir.
func safeSlug(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, s)
	return strings.Trim(s, "-_")
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
