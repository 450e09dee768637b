package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"refreshbot/internal/adapters/genai"
	"refreshbot/internal/adapters/publisher"
	"refreshbot/internal/adapters/scorer"
	"refreshbot/internal/adapters/source"
	"refreshbot/internal/config"
	"refreshbot/internal/controller"
	"refreshbot/internal/notifier"
	kit "refreshbot/internal/transport"
	"refreshbot/pkg/logx"
)

func buildSource(cfg *config.Config, log logx.Logger) (controller.ScanSource, error) {
	timeout, err := config.ParseDurationOrDefault("sources.timeout", cfg.Sources.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	var srcs source.Multi
	if len(cfg.Sources.URLs) > 0 {
		srcs = append(srcs, source.Static{URLs: cfg.Sources.URLs})
	}
	if len(cfg.Sources.Sitemaps) > 0 {
		srcs = append(srcs, source.NewSitemap(cfg.Sources.Sitemaps,
			source.WithHTTPClient(&http.Client{Timeout: timeout}),
			source.WithMaxURLs(cfg.Sources.MaxURLs),
			source.WithLogger(log.With(logx.String("comp", "source"))),
		))
	}
	return srcs, nil
}

func buildScorer(cfg *config.Config) (*scorer.HTTPScorer, error) {
	timeout, err := config.ParseDurationOrDefault("scorer.timeout", cfg.Scorer.Timeout, 20*time.Second)
	if err != nil {
		return nil, err
	}
	stale, err := config.ParseDurationOrDefault("scorer.stale_after", cfg.Scorer.StaleAfter, 365*24*time.Hour)
	if err != nil {
		return nil, err
	}
	return scorer.New(scorer.Config{
		RatePerSec: cfg.Scorer.RatePerSec,
		Timeout:    timeout,
		UserAgent:  cfg.Scorer.UserAgent,
		StaleAfter: stale,
	}, &http.Client{Timeout: timeout}), nil
}

func buildPipeline(ctx context.Context, cfg *config.Config) (*genai.Pipeline, error) {
	pc := cfg.Pipeline
	return genai.New(ctx, genai.Config{
		APIKey:      strings.TrimSpace(pc.APIKey),
		Model:       pc.Model,
		Language:    pc.Language,
		MinWords:    pc.MinWords,
		Temperature: pc.Temperature,
		BaseURL:     pc.BaseURL,
	})
}

// buildPublisher returns nil when no output dir is set; with auto publish
// off the engine holds every accepted article for review.
func buildPublisher(cfg *config.Config) controller.Publisher {
	if strings.TrimSpace(cfg.Publisher.Dir) == "" {
		return nil
	}
	return publisher.NewFile(cfg.Publisher.Dir, cfg.Publisher.BaseURL, cfg.Engine.DefaultStatus)
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 10*time.Second)
	if err != nil {
		return notifier.Config{}, err
	}
	dedup, err := config.ParseDurationField("notifier.dedup_window", nc.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:       nc.Enabled,
		Target:        kit.ChatTarget{ChatID: nc.ChatID, ThreadID: nc.ThreadID},
		MinLevel:      strings.ToLower(strings.TrimSpace(nc.MinLevel)),
		QueueSize:     nc.QueueSize,
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		DedupWindow:   dedup,
	}, nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}
