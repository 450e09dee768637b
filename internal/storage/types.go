package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only
	// HistoryKeep bounds the history log; older records are compacted away.
	// 0 means 5000.
	HistoryKeep int
}

// History actions.
const (
	ActionPublished = "published"
	ActionGenerated = "generated"
	ActionSkipped   = "skipped"
	ActionError     = "error"
)

// HistoryRecord is the outcome of one finalized item.
type HistoryRecord struct {
	ItemID       string    `json:"item_id"`
	At           time.Time `json:"at"`
	URL          string    `json:"url"`
	Keyword      string    `json:"keyword,omitempty"`
	Action       string    `json:"action"`
	Stage        string    `json:"stage,omitempty"`
	Title        string    `json:"title,omitempty"`
	Slug         string    `json:"slug,omitempty"`
	QualityScore int       `json:"quality_score,omitempty"`
	WordCount    int       `json:"word_count,omitempty"`
	PublishedURL string    `json:"published_url,omitempty"`
	Error        string    `json:"error,omitempty"`
	RetryCount   int       `json:"retry_count,omitempty"`
	TookMS       int64     `json:"took_ms,omitempty"`
	// Content is kept for held and rejected results so they can be
	// reviewed and published by hand.
	Content string `json:"content,omitempty"`
}

// Store is the persistence API used by the engine.
type Store interface {
	SaveQueue(ctx context.Context, data []byte) error
	LoadQueue(ctx context.Context) ([]byte, error)

	AppendHistory(ctx context.Context, r HistoryRecord) error
	// RecentHistory returns up to limit records, most recent first.
	RecentHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	// CountSince counts records at or after since, optionally filtered by action.
	CountSince(ctx context.Context, since time.Time, actions ...string) (int, error)

	Close() error
}

func historyKeep(cfg Config) int {
	if cfg.HistoryKeep <= 0 {
		return 5000
	}
	return cfg.HistoryKeep
}

func matchAction(action string, actions []string) bool {
	if len(actions) == 0 {
		return true
	}
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}
