package controller

import (
	"slices"
	"time"

	"refreshbot/internal/storage"
	"refreshbot/internal/task/policy"
	"refreshbot/internal/task/queue"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

type Phase string

const (
	PhaseNone       Phase = "none"
	PhaseScanning   Phase = "scanning"
	PhaseScoring    Phase = "scoring"
	PhaseGenerating Phase = "generating"
	PhasePublishing Phase = "publishing"
)

// ringCap bounds both the activity log and the history.
const ringCap = 100

type ActivityType string

const (
	ActivityInfo    ActivityType = "info"
	ActivitySuccess ActivityType = "success"
	ActivityWarning ActivityType = "warning"
	ActivityError   ActivityType = "error"
)

// Activity is one human-readable event.
type Activity struct {
	Time    time.Time      `json:"time"`
	Type    ActivityType   `json:"type"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type Stats struct {
	TotalProcessed      int       `json:"totalProcessed"`
	SuccessCount        int       `json:"successCount"`
	ErrorCount          int       `json:"errorCount"`
	SkippedCount        int       `json:"skippedCount"`
	TotalWordsGenerated int       `json:"totalWordsGenerated"`
	CycleCount          int       `json:"cycleCount"`
	ProcessedToday      int       `json:"processedToday"`
	AvgQualityScore     float64   `json:"avgQualityScore"`
	SessionStartedAt    time.Time `json:"sessionStartedAt,omitzero"`
	LastScanAt          time.Time `json:"lastScanAt,omitzero"`
	NextScanAt          time.Time `json:"nextScanAt,omitzero"`
}

// State is the engine's observable state. Callers only ever see copies.
type State struct {
	Status        Status                  `json:"status"`
	Phase         Phase                   `json:"currentPhase"`
	CurrentURL    string                  `json:"currentUrl,omitempty"`
	Queue         []queue.Item            `json:"queue"`
	PoolSize      int                     `json:"poolSize"`
	Stats         Stats                   `json:"stats"`
	Circuit       policy.CircuitSnapshot  `json:"circuit"`
	ThrottleDelay time.Duration           `json:"throttleDelay"`
	Config        Config                  `json:"config"`
	LastError     string                  `json:"lastError,omitempty"`
	Activity      []Activity              `json:"activityLog"`
	History       []storage.HistoryRecord `json:"history"`
}

// Counters are running totals. In a Delta they are increments.
type Counters struct {
	TotalProcessed      int `json:"totalProcessed,omitempty"`
	SuccessCount        int `json:"successCount,omitempty"`
	ErrorCount          int `json:"errorCount,omitempty"`
	SkippedCount        int `json:"skippedCount,omitempty"`
	TotalWordsGenerated int `json:"totalWordsGenerated,omitempty"`
}

// Delta is a partial state update. Nil fields are unchanged.
//
// Counters are increments the receiver adds. Every other field is an
// absolute value that replaces the receiver's. Stats, when set, replaces all
// stats and is applied before Counters; it is only sent when a session
// starts. History is a single record to prepend.
type Delta struct {
	Status           *Status                 `json:"status,omitempty"`
	Phase            *Phase                  `json:"currentPhase,omitempty"`
	CurrentURL       *string                 `json:"currentUrl,omitempty"`
	Queue            *[]queue.Item           `json:"queue,omitempty"`
	PoolSize         *int                    `json:"poolSize,omitempty"`
	Stats            *Stats                  `json:"stats,omitempty"`
	Counters         *Counters               `json:"counters,omitempty"`
	CycleCount       *int                    `json:"cycleCount,omitempty"`
	ProcessedToday   *int                    `json:"processedToday,omitempty"`
	AvgQualityScore  *float64                `json:"avgQualityScore,omitempty"`
	SessionStartedAt *time.Time              `json:"sessionStartedAt,omitempty"`
	LastScanAt       *time.Time              `json:"lastScanAt,omitempty"`
	NextScanAt       *time.Time              `json:"nextScanAt,omitempty"`
	Circuit          *policy.CircuitSnapshot `json:"circuit,omitempty"`
	ThrottleDelay    *time.Duration          `json:"throttleDelay,omitempty"`
	Config           *Config                 `json:"config,omitempty"`
	LastError        *string                 `json:"lastError,omitempty"`
	History          *storage.HistoryRecord  `json:"history,omitempty"`
}

// Apply folds d into s.
func (s *State) Apply(d Delta) {
	if d.Status != nil {
		s.Status = *d.Status
	}
	if d.Phase != nil {
		s.Phase = *d.Phase
	}
	if d.CurrentURL != nil {
		s.CurrentURL = *d.CurrentURL
	}
	if d.Queue != nil {
		s.Queue = slices.Clone(*d.Queue)
	}
	if d.PoolSize != nil {
		s.PoolSize = *d.PoolSize
	}
	if d.Stats != nil {
		s.Stats = *d.Stats
	}
	if c := d.Counters; c != nil {
		s.Stats.TotalProcessed += c.TotalProcessed
		s.Stats.SuccessCount += c.SuccessCount
		s.Stats.ErrorCount += c.ErrorCount
		s.Stats.SkippedCount += c.SkippedCount
		s.Stats.TotalWordsGenerated += c.TotalWordsGenerated
	}
	if d.CycleCount != nil {
		s.Stats.CycleCount = *d.CycleCount
	}
	if d.ProcessedToday != nil {
		s.Stats.ProcessedToday = *d.ProcessedToday
	}
	if d.AvgQualityScore != nil {
		s.Stats.AvgQualityScore = *d.AvgQualityScore
	}
	if d.SessionStartedAt != nil {
		s.Stats.SessionStartedAt = *d.SessionStartedAt
	}
	if d.LastScanAt != nil {
		s.Stats.LastScanAt = *d.LastScanAt
	}
	if d.NextScanAt != nil {
		s.Stats.NextScanAt = *d.NextScanAt
	}
	if d.Circuit != nil {
		s.Circuit = *d.Circuit
	}
	if d.ThrottleDelay != nil {
		s.ThrottleDelay = *d.ThrottleDelay
	}
	if d.Config != nil {
		s.Config = *d.Config
	}
	if d.LastError != nil {
		s.LastError = *d.LastError
	}
	if d.History != nil {
		s.History = prepend(s.History, *d.History)
	}
}

// Clone returns a deep copy safe to hand to another goroutine.
func (s State) Clone() State {
	s.Queue = slices.Clone(s.Queue)
	s.Activity = slices.Clone(s.Activity)
	s.History = slices.Clone(s.History)
	s.Config.ExcludedURLs = slices.Clone(s.Config.ExcludedURLs)
	s.Config.ExcludedCategories = slices.Clone(s.Config.ExcludedCategories)
	return s
}

// prepend keeps the newest ringCap entries, newest first.
func prepend[T any](ring []T, v T) []T {
	out := make([]T, 0, min(len(ring)+1, ringCap))
	out = append(out, v)
	for _, r := range ring {
		if len(out) == ringCap {
			break
		}
		out = append(out, r)
	}
	return out
}

func ptr[T any](v T) *T { return &v }
