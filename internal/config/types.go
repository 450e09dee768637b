package config

// Config is the whole refreshbot config file.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Omitted fields
// keep the values from Default().
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Engine    EngineConfig    `json:"engine"`
	Sources   SourcesConfig   `json:"sources"`
	Scorer    ScorerConfig    `json:"scorer"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Publisher PublisherConfig `json:"publisher"`
	Storage   StorageConfig   `json:"storage"`
	Notifier  NotifierConfig  `json:"notifier"`
	HTTP      HTTPConfig      `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig holds the controller tunables. Everything except Autostart
// is applied live on reload.
type EngineConfig struct {
	Autostart bool `json:"autostart"`

	ScanIntervalHours float64 `json:"scan_interval_hours"`
	// ScanSchedule is an optional cron expression or @every/@daily
	// descriptor; it wins over ScanIntervalHours.
	ScanSchedule              string   `json:"scan_schedule,omitempty"`
	MaxPerDay                 int      `json:"max_per_day"`
	QualityThreshold          int      `json:"quality_threshold"`
	AutoPublish               bool     `json:"auto_publish"`
	DefaultStatus             string   `json:"default_status"`
	ActiveHoursStart          int      `json:"active_hours_start"`
	ActiveHoursEnd            int      `json:"active_hours_end"`
	Timezone                  string   `json:"timezone,omitempty"`
	RetryAttempts             int      `json:"retry_attempts"`
	ProcessingIntervalMinutes float64  `json:"processing_interval_minutes"`
	EnableWeekends            bool     `json:"enable_weekends"`
	MinHealthScore            int      `json:"min_health_score"`
	ScoreBatchSize            int      `json:"score_batch_size"`
	ScoreConcurrency          int      `json:"score_concurrency"`
	ExcludedURLs              []string `json:"excluded_urls,omitempty"`
	ExcludedCategories        []string `json:"excluded_categories,omitempty"`
}

// SourcesConfig lists where candidate pages come from. Static URLs and
// sitemaps are merged.
type SourcesConfig struct {
	URLs     []string `json:"urls,omitempty"`
	Sitemaps []string `json:"sitemaps,omitempty"`
	MaxURLs  int      `json:"max_urls,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

type ScorerConfig struct {
	RatePerSec float64 `json:"rate_per_sec"`
	Timeout    string  `json:"timeout"`
	UserAgent  string  `json:"user_agent,omitempty"`
	StaleAfter string  `json:"stale_after"`
}

type PipelineConfig struct {
	// APIKey may also come from REFRESHBOT_GENAI_API_KEY (do not log).
	APIKey      string  `json:"api_key,omitempty"`
	Model       string  `json:"model,omitempty"`
	Language    string  `json:"language,omitempty"`
	MinWords    int     `json:"min_words,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
}

type PublisherConfig struct {
	Dir     string `json:"dir"`
	BaseURL string `json:"base_url,omitempty"`
}

// StorageConfig selects the persistence driver: file, sqlite or none.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/refreshbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	HistoryKeep int    `json:"history_keep,omitempty"`
}

// NotifierConfig forwards engine activity to a Telegram chat.
type NotifierConfig struct {
	Enabled bool `json:"enabled"`
	// Token may also come from REFRESHBOT_TELEGRAM_TOKEN (do not log).
	Token         string `json:"token,omitempty"`
	APIURL        string `json:"api_url,omitempty"`
	ChatID        int64  `json:"chat_id"`
	ThreadID      int    `json:"thread_id,omitempty"`
	MinLevel      string `json:"min_level"`
	QueueSize     int    `json:"queue_size"`
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	DedupWindow   string `json:"dedup_window"`
}

// HTTPConfig controls the control API.
//
// Prefer binding to localhost. On a non-loopback address set a token.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)
	// Pprof exposes /debug/pprof/ on the same listener.
	Pprof bool `json:"pprof,omitempty"`
}

// Default returns a config with every optional field filled in.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine: EngineConfig{
			ScanIntervalHours:         24,
			MaxPerDay:                 10,
			QualityThreshold:          85,
			DefaultStatus:             "draft",
			ActiveHoursStart:          6,
			ActiveHoursEnd:            22,
			RetryAttempts:             3,
			ProcessingIntervalMinutes: 5,
			MinHealthScore:            70,
			ScoreBatchSize:            10,
			ScoreConcurrency:          3,
		},
		Sources: SourcesConfig{Timeout: "30s"},
		Scorer:  ScorerConfig{RatePerSec: 2, Timeout: "20s", StaleAfter: "8760h"},
		Storage: StorageConfig{Driver: "file", Path: "./data/refreshbot", BusyTimeout: "1s"},
		Notifier: NotifierConfig{
			MinLevel:      "warning",
			QueueSize:     256,
			RatePerSec:    1,
			RetryMax:      3,
			RetryBase:     "500ms",
			RetryMaxDelay: "10s",
			DedupWindow:   "1m",
		},
		HTTP: HTTPConfig{Enabled: true, Addr: "127.0.0.1:8087"},
	}
}
