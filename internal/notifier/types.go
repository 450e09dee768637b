package notifier

import (
	"time"

	kit "refreshbot/internal/transport"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	Target  kit.ChatTarget
	// MinLevel is the lowest activity type forwarded: info, success,
	// warning or error.
	MinLevel      string
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
}

type HistoryItem struct {
	At   time.Time
	Text string
}
