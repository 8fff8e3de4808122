package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	logx "tickd/pkg/logx"
)

const (
	DefaultDBPath            = "./tickd.db"
	DefaultCheckInterval     = 60 * time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultWorkers           = 10
	DefaultQueueSize         = 256
	DefaultJobTimeoutSeconds = 300
	DefaultKillGrace         = 5 * time.Second
	DefaultDrainWait         = 5 * time.Second
	DefaultMaxOutputBytes    = 1 << 20
	DefaultCleanupInterval   = 24 * time.Hour
	DefaultOpsAddr           = "127.0.0.1:9464"
	DefaultHistorySize       = 200
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: DefaultDBPath},
		Scheduler: SchedulerConfig{
			CheckInterval:   Duration(DefaultCheckInterval),
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
			CleanupInterval: Duration(DefaultCleanupInterval),
		},
		Engine: EngineConfig{Workers: DefaultWorkers, QueueSize: DefaultQueueSize, HistorySize: DefaultHistorySize},
		Executor: ExecutorConfig{
			DefaultTimeoutSeconds: DefaultJobTimeoutSeconds,
			KillGrace:             Duration(DefaultKillGrace),
			DrainWait:             Duration(DefaultDrainWait),
			MaxOutputBytes:        DefaultMaxOutputBytes,
		},
		Ops: OpsConfig{Addr: DefaultOpsAddr},
	}
}

// Load reads path on top of the defaults, applies environment overrides and
// validates. An empty path or a missing file yields defaults plus environment.
func Load(path string) (*Config, error) {
	return NewConfigManager(path).Load()
}

// EnvLookup matches os.LookupEnv.
type EnvLookup func(key string) (string, bool)

// ApplyEnv overrides cfg with TICKD_* variables.
func ApplyEnv(cfg *Config, lookup EnvLookup) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := ParseDurationField(key, v)
		if err != nil {
			return err
		}
		*dst = Duration(d)
		return nil
	}

	str("TICKD_DB", &cfg.Storage.Path)
	str("TICKD_DB_DRIVER", &cfg.Storage.Driver)
	str("TICKD_LOG_LEVEL", &cfg.Logging.Level)
	if v, ok := lookup("TICKD_LOG_FILE"); ok && strings.TrimSpace(v) != "" {
		cfg.Logging.File = LoggingFile{Enabled: true, Path: strings.TrimSpace(v)}
	}
	str("TICKD_TIMEZONE", &cfg.Scheduler.Timezone)
	if v, ok := lookup("TICKD_OPS_ADDR"); ok && strings.TrimSpace(v) != "" {
		cfg.Ops.Enabled = true
		cfg.Ops.Addr = strings.TrimSpace(v)
	}
	if v, ok := lookup("TICKD_WORKERS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TICKD_WORKERS: %w", err)
		}
		cfg.Engine.Workers = n
	}
	return errors.Join(
		dur("TICKD_CHECK_INTERVAL", &cfg.Scheduler.CheckInterval),
		dur("TICKD_SHUTDOWN_TIMEOUT", &cfg.Scheduler.ShutdownTimeout),
	)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json names so errors match the config file.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks struct tags plus the fields tags cannot express.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check (value %v)", fieldPath(fe.Namespace()), fe.Tag(), fe.Value()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if cfg.Logging.Level != "" && !logx.ValidLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if _, err := cfg.Location(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Notifier.Enabled && !cfg.Notifier.Log && cfg.Notifier.Redis.Addr == "" && cfg.Notifier.Webhook.URL == "" {
		errs = append(errs, errors.New("notifier: enabled but no sink configured (log, redis.addr or webhook.url)"))
	}
	return errors.Join(errs...)
}

// Location resolves scheduler.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// fieldPath turns "Config.scheduler.check_interval" into "scheduler.check_interval".
func fieldPath(ns string) string {
	_, rest, ok := strings.Cut(ns, ".")
	if !ok {
		return ns
	}
	return rest
}
