package config

// Config is the whole daemon configuration. It is built once at startup
// (defaults, then file, then environment) and passed into each component.
//
// All durations accept Go duration strings ("500ms", "10s", "1m").
// check_interval and shutdown_timeout also accept integer seconds.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Engine    EngineConfig    `json:"engine"`
	Executor  ExecutorConfig  `json:"executor"`
	Notifier  NotifierConfig  `json:"notifier"`
	Ops       OpsConfig       `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tickd.db" }
//	"storage": { "driver": "postgres", "path": "postgres://tickd@localhost/tickd" }
type StorageConfig struct {
	Driver       string   `json:"driver" validate:"oneof=sqlite sqlite3 postgres postgresql pgx"`
	Path         string   `json:"path" validate:"required"`
	BusyTimeout  Duration `json:"busy_timeout,omitempty"`
	QueryTimeout Duration `json:"query_timeout,omitempty"`
	MaxOpenConns int      `json:"max_open_conns,omitempty" validate:"gte=0"`
}

type SchedulerConfig struct {
	CheckInterval   Duration `json:"check_interval" validate:"gte=1000000000"`
	ShutdownTimeout Duration `json:"shutdown_timeout" validate:"gte=0"`
	// Timezone is an IANA name used to evaluate cron expressions. Empty means local.
	Timezone string `json:"timezone,omitempty"`
	// RunRetentionDays > 0 deletes older runs once per CleanupInterval.
	RunRetentionDays int      `json:"run_retention_days" validate:"gte=0"`
	CleanupInterval  Duration `json:"cleanup_interval,omitempty"`
}

type EngineConfig struct {
	Workers     int `json:"workers" validate:"gte=1,lte=1024"`
	QueueSize   int `json:"queue_size" validate:"gte=1"`
	HistorySize int `json:"history_size" validate:"gte=0"`
}

type ExecutorConfig struct {
	Shell                 string   `json:"shell,omitempty"`
	DefaultDir            string   `json:"default_dir,omitempty"`
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds" validate:"gte=1"`
	KillGrace             Duration `json:"kill_grace"`
	DrainWait             Duration `json:"drain_wait"`
	MaxOutputBytes        int      `json:"max_output_bytes" validate:"gte=0"`
}

// NotifierConfig controls forwarding of job events to sinks. The notifier is
// off unless enabled and at least one sink is configured.
type NotifierConfig struct {
	Enabled         bool        `json:"enabled"`
	Events          []string    `json:"events,omitempty"`
	Workers         int         `json:"workers,omitempty" validate:"gte=0"`
	QueueSize       int         `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec      int         `json:"rate_per_sec,omitempty" validate:"gte=0"`
	RetryMax        int         `json:"retry_max,omitempty" validate:"gte=0"`
	RetryBase       Duration    `json:"retry_base,omitempty"`
	RetryMaxDelay   Duration    `json:"retry_max_delay,omitempty"`
	DedupWindow     Duration    `json:"dedup_window,omitempty"`
	DedupMaxEntries int         `json:"dedup_max_entries,omitempty" validate:"gte=0"`
	Log             bool        `json:"log,omitempty"`
	Redis           RedisSink   `json:"redis"`
	Webhook         WebhookSink `json:"webhook"`
}

type RedisSink struct {
	Addr     string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty" validate:"gte=0"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty" validate:"gte=0"`
}

type WebhookSink struct {
	URL     string            `json:"url,omitempty" validate:"omitempty,http_url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout Duration          `json:"timeout,omitempty"`
}

// OpsConfig controls the optional ops HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9464").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	// WriteTimeout defaults to 0 (disabled) so /debug/pprof/profile works.
	ReadTimeout  Duration `json:"read_timeout,omitempty"`
	WriteTimeout Duration `json:"write_timeout,omitempty"`
	IdleTimeout  Duration `json:"idle_timeout,omitempty"`
}
