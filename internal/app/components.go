package app

import (
	"tickd/internal/config"
	"tickd/internal/notifier"
	"tickd/internal/observability/ops"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/task/executor"
	"tickd/internal/task/scheduler"
	logx "tickd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// StorageConfig maps the storage section for storage.Open.
func StorageConfig(cfg *config.Config) storage.Config {
	sc := cfg.Storage
	return storage.Config{
		Driver:       sc.Driver,
		Path:         sc.Path,
		BusyTimeout:  sc.BusyTimeout.D(),
		QueryTimeout: sc.QueryTimeout.D(),
		MaxOpenConns: sc.MaxOpenConns,
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Workers:     cfg.Engine.Workers,
		QueueSize:   cfg.Engine.QueueSize,
		HistorySize: cfg.Engine.HistorySize,
	}
}

func mapExecutorConfig(cfg *config.Config) executor.Config {
	ec := cfg.Executor
	return executor.Config{
		Shell:          ec.Shell,
		DefaultDir:     ec.DefaultDir,
		DefaultTimeout: secondsToDuration(ec.DefaultTimeoutSeconds),
		KillGrace:      ec.KillGrace.D(),
		DrainWait:      ec.DrainWait.D(),
		MaxOutputBytes: ec.MaxOutputBytes,
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return scheduler.Config{}, err
	}
	sc := cfg.Scheduler
	return scheduler.Config{
		CheckInterval:   sc.CheckInterval.D(),
		ShutdownTimeout: sc.ShutdownTimeout.D(),
		Location:        loc,
		RetentionDays:   sc.RunRetentionDays,
		CleanupInterval: sc.CleanupInterval.D(),
	}, nil
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	nc := cfg.Notifier
	return notifier.Config{
		Enabled:         nc.Enabled,
		Events:          append([]string(nil), nc.Events...),
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       nc.RetryBase.D(),
		RetryMaxDelay:   nc.RetryMaxDelay.D(),
		SendTimeout:     nc.Webhook.Timeout.D(),
		DedupWindow:     nc.DedupWindow.D(),
		DedupMaxEntries: nc.DedupMaxEntries,
	}
}

// buildSinks returns the configured sinks and the closers for any clients they own.
func buildSinks(cfg *config.Config, log logx.Logger) ([]notifier.Sink, []func() error) {
	nc := cfg.Notifier
	var (
		sinks   []notifier.Sink
		closers []func() error
	)
	if nc.Log {
		sinks = append(sinks, notifier.LogSink{Log: log.With(logx.String("sink", "log"))})
	}
	if nc.Redis.Addr != "" {
		rdb := notifier.NewRedisClient(notifier.RedisConfig{
			Addr:     nc.Redis.Addr,
			Password: nc.Redis.Password,
			DB:       nc.Redis.DB,
		})
		sinks = append(sinks, notifier.NewRedisSink(rdb, nc.Redis.Stream, nc.Redis.MaxLen))
		closers = append(closers, rdb.Close)
	}
	if nc.Webhook.URL != "" {
		sinks = append(sinks, notifier.NewWebhookSink(notifier.WebhookConfig{
			URL:     nc.Webhook.URL,
			Headers: nc.Webhook.Headers,
			Timeout: nc.Webhook.Timeout.D(),
		}))
	}
	return sinks, closers
}

func mapOpsConfig(cfg *config.Config) ops.Config {
	oc := cfg.Ops
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   oc.ReadTimeout.D(),
		WriteTimeout:  oc.WriteTimeout.D(),
		IdleTimeout:   oc.IdleTimeout.D(),
	}
}
