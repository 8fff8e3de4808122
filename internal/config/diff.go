package config

import (
	"hash/fnv"
	"reflect"

	logx "tickd/pkg/logx"
)

// Sections applied without a restart.
var liveSections = map[string]bool{"logging": true, "ops": true}

// SummarizeConfigChange returns (1) the changed top-level sections, (2) safe
// structured attrs for logging (never includes secrets like tokens or
// passwords), and (3) the changed sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)
	section := func(name string, a, b any, fields ...logx.Field) {
		if reflect.DeepEqual(a, b) {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging, newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	section("storage", oldCfg.Storage, newCfg.Storage,
		logx.String("storage.driver", newCfg.Storage.Driver),
	)
	section("scheduler", oldCfg.Scheduler, newCfg.Scheduler,
		logx.Duration("scheduler.check_interval", newCfg.Scheduler.CheckInterval.D()),
		logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
	)
	section("engine", oldCfg.Engine, newCfg.Engine,
		logx.Int("engine.workers", newCfg.Engine.Workers),
		logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
	)
	section("executor", oldCfg.Executor, newCfg.Executor,
		logx.Int("executor.default_timeout_seconds", newCfg.Executor.DefaultTimeoutSeconds),
	)
	section("notifier", oldCfg.Notifier, newCfg.Notifier,
		logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
		logx.Bool("notifier.redis", newCfg.Notifier.Redis.Addr != ""),
		logx.Bool("notifier.webhook", newCfg.Notifier.Webhook.URL != ""),
	)
	section("ops", oldCfg.Ops, newCfg.Ops,
		logx.Bool("ops.enabled", newCfg.Ops.Enabled),
		logx.String("ops.addr", newCfg.Ops.Addr),
		logx.Bool("ops.token_set", newCfg.Ops.Token != ""),
		logx.Bool("ops.pprof", newCfg.Ops.Pprof),
	)

	var restart []string
	for _, name := range changed {
		if !liveSections[name] {
			restart = append(restart, name)
		}
	}
	return changed, attrs, restart
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
