package config

import (
	"reflect"
	"strings"

	"refreshbot/pkg/logx"
)

// Sections whose changes only apply after a restart.
var restartSections = map[string]bool{
	"sources":   true,
	"scorer":    true,
	"pipeline":  true,
	"publisher": true,
	"storage":   true,
	"http":      true,
}

// SummarizeConfigChange lists the changed sections and safe attrs for
// logging. Secrets are reported only as set/unset. restart holds the
// changed sections that need a process restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
		if restartSections[section] {
			restart = append(restart, section)
		}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oe, ne := oldCfg.Engine, newCfg.Engine; !reflect.DeepEqual(oe, ne) {
		mark("engine",
			logx.Int("engine.max_per_day", ne.MaxPerDay),
			logx.Int("engine.quality_threshold", ne.QualityThreshold),
			logx.Bool("engine.auto_publish", ne.AutoPublish),
			logx.Int("engine.active_hours_start", ne.ActiveHoursStart),
			logx.Int("engine.active_hours_end", ne.ActiveHoursEnd),
			logx.String("engine.timezone", ne.Timezone),
			logx.Float64("engine.processing_interval_minutes", ne.ProcessingIntervalMinutes),
			logx.Int("engine.excluded_urls", len(ne.ExcludedURLs)),
		)
		if oe.Autostart != ne.Autostart {
			attrs = append(attrs, logx.Bool("engine.autostart", ne.Autostart))
		}
	}

	if !reflect.DeepEqual(oldCfg.Sources, newCfg.Sources) {
		mark("sources",
			logx.Int("sources.urls", len(newCfg.Sources.URLs)),
			logx.Int("sources.sitemaps", len(newCfg.Sources.Sitemaps)),
		)
	}
	if oldCfg.Scorer != newCfg.Scorer {
		mark("scorer",
			logx.Float64("scorer.rate_per_sec", newCfg.Scorer.RatePerSec),
			logx.String("scorer.timeout", newCfg.Scorer.Timeout),
		)
	}
	if oldCfg.Pipeline != newCfg.Pipeline {
		mark("pipeline",
			logx.String("pipeline.model", newCfg.Pipeline.Model),
			logx.Bool("pipeline.api_key_set", strings.TrimSpace(newCfg.Pipeline.APIKey) != ""),
		)
	}
	if oldCfg.Publisher != newCfg.Publisher {
		mark("publisher", logx.String("publisher.dir", newCfg.Publisher.Dir))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage",
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		mark("notifier",
			logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
			logx.String("notifier.min_level", newCfg.Notifier.MinLevel),
			logx.Bool("notifier.chat_set", newCfg.Notifier.ChatID != 0),
			logx.Bool("notifier.token_set", strings.TrimSpace(newCfg.Notifier.Token) != ""),
		)
		// The bot is built once at startup.
		if oldCfg.Notifier.Token != newCfg.Notifier.Token || oldCfg.Notifier.APIURL != newCfg.Notifier.APIURL {
			restart = append(restart, "notifier.token")
		}
	}
	if oldCfg.HTTP != newCfg.HTTP {
		mark("http",
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}
	return changed, attrs, restart
}
