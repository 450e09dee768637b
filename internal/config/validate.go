package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"refreshbot/internal/controller"
)

// Env variables that override secrets from the file.
const (
	EnvGenAIKey      = "REFRESHBOT_GENAI_API_KEY"
	EnvTelegramToken = "REFRESHBOT_TELEGRAM_TOKEN"
)

// Controller maps the engine section onto the controller's tunables.
func (e EngineConfig) Controller() controller.Config {
	return controller.Config{
		ScanIntervalHours:         e.ScanIntervalHours,
		ScanSchedule:              strings.TrimSpace(e.ScanSchedule),
		MaxPerDay:                 e.MaxPerDay,
		QualityThreshold:          e.QualityThreshold,
		AutoPublish:               e.AutoPublish,
		DefaultStatus:             strings.TrimSpace(e.DefaultStatus),
		ActiveHoursStart:          e.ActiveHoursStart,
		ActiveHoursEnd:            e.ActiveHoursEnd,
		Timezone:                  strings.TrimSpace(e.Timezone),
		RetryAttempts:             e.RetryAttempts,
		ProcessingIntervalMinutes: e.ProcessingIntervalMinutes,
		EnableWeekends:            e.EnableWeekends,
		MinHealthScore:            e.MinHealthScore,
		ScoreBatchSize:            e.ScoreBatchSize,
		ScoreConcurrency:          e.ScoreConcurrency,
		ExcludedURLs:              e.ExcludedURLs,
		ExcludedCategories:        e.ExcludedCategories,
	}
}

// applyEnv fills secrets from the environment when set.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := strings.TrimSpace(getenv(EnvGenAIKey)); v != "" {
		c.Pipeline.APIKey = v
	}
	if v := strings.TrimSpace(getenv(EnvTelegramToken)); v != "" {
		c.Notifier.Token = v
	}
}

// Validate reports every problem in the file at once. It does not check
// runtime preconditions such as credentials; the engine does that at start.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := c.Engine.Controller().Validate(); err != nil {
		add(fmt.Errorf("engine: %w", err))
	}

	if len(c.Sources.URLs) == 0 && len(c.Sources.Sitemaps) == 0 {
		add(errors.New("sources: set urls or sitemaps"))
	}
	if c.Sources.MaxURLs < 0 {
		add(errors.New("sources.max_urls must be >= 0"))
	}
	_, err := ParseDurationField("sources.timeout", c.Sources.Timeout)
	add(err)

	if c.Scorer.RatePerSec < 0 {
		add(errors.New("scorer.rate_per_sec must be >= 0"))
	}
	_, err = ParseDurationField("scorer.timeout", c.Scorer.Timeout)
	add(err)
	_, err = ParseDurationField("scorer.stale_after", c.Scorer.StaleAfter)
	add(err)

	if c.Pipeline.MinWords < 0 {
		add(errors.New("pipeline.min_words must be >= 0"))
	}
	if t := c.Pipeline.Temperature; t < 0 || t > 2 {
		add(fmt.Errorf("pipeline.temperature must be within [0, 2], got %v", t))
	}

	if c.Engine.AutoPublish && strings.TrimSpace(c.Publisher.Dir) == "" {
		add(errors.New("publisher.dir is required when engine.auto_publish is true"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "file":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		add(fmt.Errorf("unknown storage.driver: %s", c.Storage.Driver))
	}
	_, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	add(err)
	if c.Storage.HistoryKeep < 0 {
		add(errors.New("storage.history_keep must be >= 0"))
	}

	if n := c.Notifier; n.Enabled {
		if strings.TrimSpace(n.Token) == "" {
			add(fmt.Errorf("notifier.token (or %s) is required when notifier.enabled is true", EnvTelegramToken))
		}
		if n.ChatID == 0 {
			add(errors.New("notifier.chat_id is required when notifier.enabled is true"))
		}
	}
	switch strings.ToLower(strings.TrimSpace(c.Notifier.MinLevel)) {
	case "", "info", "success", "warning", "error":
	default:
		add(fmt.Errorf("notifier.min_level: unknown level %q", c.Notifier.MinLevel))
	}
	if c.Notifier.QueueSize < 0 || c.Notifier.RatePerSec < 0 || c.Notifier.RetryMax < 0 {
		add(errors.New("notifier.queue_size, rate_per_sec and retry_max must be >= 0"))
	}
	for path, raw := range map[string]string{
		"notifier.retry_base":      c.Notifier.RetryBase,
		"notifier.retry_max_delay": c.Notifier.RetryMaxDelay,
		"notifier.dedup_window":    c.Notifier.DedupWindow,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if c.HTTP.Enabled {
		host, _, err := net.SplitHostPort(strings.TrimSpace(c.HTTP.Addr))
		if err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		} else if !isLoopback(host) && strings.TrimSpace(c.HTTP.Token) == "" {
			add(fmt.Errorf("http.token is required when binding to non-loopback address %q", c.HTTP.Addr))
		}
	}

	return errors.Join(errs...)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ParseDurationField parses a config duration. Empty means 0.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

var osGetenv = os.Getenv
