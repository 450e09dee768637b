package controller

import (
	"context"
	"time"

	"refreshbot/internal/storage"
	"refreshbot/internal/task/queue"
)

// HealthReport is a page's urgency signal; lower Score is more urgent.
type HealthReport struct {
	Score  int      `json:"score"`
	Issues []string `json:"issues,omitempty"`
}

// HealthScorer rates a page. It must be read-only; the engine calls it
// concurrently.
type HealthScorer interface {
	Score(ctx context.Context, url string) (HealthReport, error)
}

type GenerateOptions struct {
	URL    string
	Status string
}

// Content is a generated page.
type Content struct {
	Title        string `json:"title"`
	Slug         string `json:"slug"`
	HTML         string `json:"html"`
	QualityScore int    `json:"qualityScore"`
	WordCount    int    `json:"wordCount"`
}

// ContentPipeline produces new content for a topic.
type ContentPipeline interface {
	Generate(ctx context.Context, keyword string, opts GenerateOptions) (Content, error)
}

type PublishResult struct {
	PublishedURL string `json:"publishedUrl"`
}

// Publisher pushes accepted content to the target site.
type Publisher interface {
	Publish(ctx context.Context, item queue.Item, content Content) (PublishResult, error)
}

// ScanSource lists candidate page URLs.
type ScanSource interface {
	// Origins names where candidates come from (sites, sitemaps, lists).
	// Start refuses to run when it is empty.
	Origins() []string
	Candidates(ctx context.Context) ([]string, error)
}

// Credentialed is implemented by collaborators that need secrets. Start
// fails when one reports none.
type Credentialed interface {
	HasCredentials() bool
}

// HistorySink persists finalized outcomes. Optional.
type HistorySink interface {
	AppendHistory(ctx context.Context, r storage.HistoryRecord) error
	CountSince(ctx context.Context, since time.Time, actions ...string) (int, error)
}
