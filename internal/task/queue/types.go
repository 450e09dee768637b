package queue

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Priority is the urgency tier and the primary sort key.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Weight orders tiers; higher is processed first. Unknown tiers weigh 0.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

func (p Priority) Valid() bool { return p.Weight() > 0 }

func ParsePriority(s string) (Priority, bool) {
	p := Priority(strings.ToLower(strings.TrimSpace(s)))
	return p, p.Valid()
}

// PriorityForScore maps a 0..100 health score to a tier.
func PriorityForScore(score int) Priority {
	switch {
	case score < 30:
		return PriorityCritical
	case score < 50:
		return PriorityHigh
	case score < 70:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Source records where an item came from. Diagnostics only.
type Source string

const (
	SourceManual Source = "manual"
	SourceScan   Source = "scan"
)

// Item is one page waiting for a refresh.
type Item struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Priority    Priority  `json:"priority"`
	HealthScore int       `json:"health_score"`
	AddedAt     time.Time `json:"added_at"`
	Source      Source    `json:"source"`
	RetryCount  int       `json:"retry_count"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewItem builds an item with a fresh time-ordered id.
func NewItem(rawURL string, p Priority, health int, src Source, now time.Time) Item {
	return Item{
		ID:          uuid.Must(uuid.NewV7()).String(),
		URL:         strings.TrimSpace(rawURL),
		Priority:    p,
		HealthScore: clampScore(health),
		AddedAt:     now,
		Source:      src,
	}
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Less reports whether a sorts before b: priority weight descending, health
// ascending, then enqueue time and id so the order is total.
func Less(a, b Item) bool {
	if wa, wb := a.Priority.Weight(), b.Priority.Weight(); wa != wb {
		return wa > wb
	}
	if a.HealthScore != b.HealthScore {
		return a.HealthScore < b.HealthScore
	}
	if !a.AddedAt.Equal(b.AddedAt) {
		return a.AddedAt.Before(b.AddedAt)
	}
	return a.ID < b.ID
}
