package controller

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"refreshbot/internal/task/scheduler"
)

// Config holds the engine tunables. A running engine picks up a new Config
// at its next cycle boundary; it never changes mid-item.
type Config struct {
	ScanIntervalHours         float64  `json:"scanIntervalHours"`
	ScanSchedule              string   `json:"scanSchedule,omitempty"`
	MaxPerDay                 int      `json:"maxPerDay"`
	QualityThreshold          int      `json:"qualityThreshold"`
	AutoPublish               bool     `json:"autoPublish"`
	DefaultStatus             string   `json:"defaultStatus"`
	ActiveHoursStart          int      `json:"activeHoursStart"`
	ActiveHoursEnd            int      `json:"activeHoursEnd"`
	Timezone                  string   `json:"timezone,omitempty"`
	RetryAttempts             int      `json:"retryAttempts"`
	ProcessingIntervalMinutes float64  `json:"processingIntervalMinutes"`
	EnableWeekends            bool     `json:"enableWeekends"`
	MinHealthScore            int      `json:"minHealthScore"`
	ScoreBatchSize            int      `json:"scoreBatchSize"`
	ScoreConcurrency          int      `json:"scoreConcurrency"`
	ExcludedURLs              []string `json:"excludedUrls,omitempty"`
	ExcludedCategories        []string `json:"excludedCategories,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		ScanIntervalHours:         24,
		MaxPerDay:                 10,
		QualityThreshold:          85,
		DefaultStatus:             "draft",
		ActiveHoursStart:          6,
		ActiveHoursEnd:            22,
		RetryAttempts:             3,
		ProcessingIntervalMinutes: 5,
		EnableWeekends:            false,
		MinHealthScore:            70,
		ScoreBatchSize:            10,
		ScoreConcurrency:          3,
	}
}

// Validate reports every violated bound at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.ScanIntervalHours <= 0 && strings.TrimSpace(c.ScanSchedule) == "" {
		bad("scanIntervalHours must be > 0")
	}
	if strings.TrimSpace(c.ScanSchedule) != "" {
		if _, err := scheduler.ParseSchedule(c.ScanSchedule); err != nil {
			bad("scanSchedule: %w", err)
		}
	}
	if c.MaxPerDay < 1 {
		bad("maxPerDay must be >= 1")
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		bad("qualityThreshold must be within 0..100")
	}
	if c.MinHealthScore < 0 || c.MinHealthScore > 100 {
		bad("minHealthScore must be within 0..100")
	}
	switch c.DefaultStatus {
	case "draft", "publish":
	default:
		bad("defaultStatus must be draft or publish, got %q", c.DefaultStatus)
	}
	if c.ActiveHoursStart < 0 || c.ActiveHoursStart > 23 {
		bad("activeHoursStart must be within 0..23")
	}
	if c.ActiveHoursEnd < 0 || c.ActiveHoursEnd > 23 {
		bad("activeHoursEnd must be within 0..23")
	}
	if c.RetryAttempts < 0 {
		bad("retryAttempts must be >= 0")
	}
	if c.ProcessingIntervalMinutes < 0 {
		bad("processingIntervalMinutes must be >= 0")
	}
	if c.ScoreBatchSize < 0 || c.ScoreConcurrency < 0 {
		bad("scoreBatchSize and scoreConcurrency must be >= 0")
	}
	if _, err := c.Location(); err != nil {
		bad("timezone: %w", err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone; empty means the host zone.
func (c Config) Location() (*time.Location, error) {
	if strings.TrimSpace(c.Timezone) == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c Config) processingInterval() time.Duration {
	return time.Duration(c.ProcessingIntervalMinutes * float64(time.Minute))
}

func (c Config) scoreBatch() int {
	if c.ScoreBatchSize <= 0 {
		return 10
	}
	return c.ScoreBatchSize
}

func (c Config) scoreLimit() int {
	if c.ScoreConcurrency <= 0 {
		return 3
	}
	return c.ScoreConcurrency
}

// Timings are the engine's fixed waits and limits. Tests shrink them.
type Timings struct {
	PauseCheck        time.Duration
	OffHoursCheck     time.Duration
	QuotaWait         time.Duration
	IdleWait          time.Duration
	RetryBase         time.Duration
	RetryMaxDelay     time.Duration
	RetryJitter       float64
	LoopBackoffBase   time.Duration
	LoopBackoffMax    time.Duration
	CircuitThreshold  int
	CircuitCooldown   time.Duration
	ThrottleWindow    int
	ThrottleSlowAbove time.Duration
	ScanTimeout       time.Duration
	ScoreTimeout      time.Duration
	CallTimeout       time.Duration
	PersistTimeout    time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		PauseCheck:        2 * time.Second,
		OffHoursCheck:     5 * time.Minute,
		QuotaWait:         time.Hour,
		IdleWait:          time.Minute,
		RetryBase:         30 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
		RetryJitter:       0.2,
		LoopBackoffBase:   30 * time.Second,
		LoopBackoffMax:    10 * time.Minute,
		CircuitThreshold:  5,
		CircuitCooldown:   30 * time.Minute,
		ThrottleWindow:    10,
		ThrottleSlowAbove: 5 * time.Minute,
		ScanTimeout:       5 * time.Minute,
		ScoreTimeout:      time.Minute,
		CallTimeout:       10 * time.Minute,
		PersistTimeout:    5 * time.Second,
	}
}
