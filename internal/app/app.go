package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/jobs"
	"tickd/internal/metrics"
	"tickd/internal/notifier"
	"tickd/internal/observability/ops"
	"tickd/internal/runtime/supervisor"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/task/executor"
	"tickd/internal/task/guard"
	"tickd/internal/task/scheduler"
	logx "tickd/pkg/logx"
)

type App struct {
	instance  string
	startedAt time.Time

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *engine.Service
	sched  *scheduler.Service
	jobs   *jobs.Service
	notif  *notifier.Service
	ops    *ops.Service
	mx     *metrics.Registry

	closers   []func() error
	schedDone chan struct{}
}

// NewApp builds every component from the configuration held by cfgm,
// loading it first if nothing was committed yet.
func NewApp(cfgm *config.ConfigManager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	instance := uuid.NewString()
	log = log.With(logx.String("instance", instance[:8]))

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sc := StorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	bus := eventbus.New()
	mx := metrics.New()
	g := guard.New()

	engineSvc := engine.New(mapEngineConfig(cfg), log.With(logx.String("comp", "engine")))
	execSvc := executor.New(mapExecutorConfig(cfg), log.With(logx.String("comp", "executor")))

	schedSvc := scheduler.New(schedCfg, scheduler.Deps{
		Store:    store,
		Executor: execSvc,
		Engine:   engineSvc,
		Guard:    g,
		Bus:      bus,
		Metrics:  mx.Scheduler,
		Log:      log.With(logx.String("comp", "scheduler")),
	})

	jobSvc := jobs.NewService(store, jobs.Options{
		Location:              schedCfg.Location,
		DefaultTimeoutSeconds: cfg.Executor.DefaultTimeoutSeconds,
		Bus:                   bus,
		Log:                   log.With(logx.String("comp", "jobs")),
	})

	notifLog := log.With(logx.String("comp", "notifier"))
	sinks, closers := buildSinks(cfg, notifLog)
	notifSvc := notifier.New(mapNotifierConfig(cfg), sinks, bus, notifLog)

	a := &App{
		instance:  instance,
		cfgm:      cfgm,
		log:       log.With(logx.String("comp", "app")),
		logs:      logSvc,
		bus:       bus,
		store:     store,
		engine:    engineSvc,
		sched:     schedSvc,
		jobs:      jobSvc,
		notif:     notifSvc,
		mx:        mx,
		closers:   closers,
		schedDone: make(chan struct{}),
	}

	mx.GaugeFunc("engine_queue_length", "Runs accepted by the worker pool but not yet started",
		func() float64 { return float64(engineSvc.Snapshot().QueueLen) })
	mx.CounterFunc("eventbus_dropped_total", "Event deliveries skipped because a subscriber was full",
		func() float64 { return float64(bus.Dropped()) })
	mx.CounterFunc("notifier_sent_total", "Notifications delivered to a sink",
		func() float64 { return float64(notifSvc.Stats().Sent) })

	a.ops = ops.New(mapOpsConfig(cfg), ops.Providers{
		Health:     a.health,
		Status:     func(ctx context.Context) (any, error) { return a.Status(ctx) },
		Metrics:    mx.Handler(),
		Middleware: mx.NewHTTP().Middleware,
	}, log.With(logx.String("comp", "ops")))

	return a, nil
}

// Jobs exposes the management service bound to the daemon's store and bus.
func (a *App) Jobs() *jobs.Service { return a.jobs }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Runs awaited during Stop still publish outcomes; the notifier outlives the
	// app cancel and is stopped after the scheduler.
	a.notif.Start(context.WithoutCancel(ctx))
	a.ops.Start(a.sup.Context())

	a.sup.Go("scheduler", func(c context.Context) error {
		defer close(a.schedDone)
		return a.sched.Run(c)
	})

	// Management operations in this process make a job due now; don't wait for the next poll.
	events, unsub := a.bus.Subscribe(32)
	a.sup.Go0("scheduler.wake", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				switch e.Type {
				case eventbus.JobTriggered, eventbus.JobUpdated:
					a.sched.Wake()
				default:
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})

	a.startReload()

	if a.cfgm.Path() != "" {
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.sup.Go0("systemd.watchdog", a.watchdog)
	notifyReady(a.log)

	a.log.Info("app started", logx.String("tz", a.sched.Snapshot().Timezone))
	return nil
}

// startReload applies committed configuration changes. Logging and ops are
// applied live; any other changed section needs a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(mapLoggingConfig(next))
	a.ops.Reconfigure(ctx, mapOpsConfig(next))
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) health() error {
	if a.sched.Healthy(time.Now()) {
		return nil
	}
	return fmt.Errorf("scheduler %s", a.sched.State())
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	notifyStopping(a.log)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	shutdown := a.cfgm.Get().Scheduler.ShutdownTimeout.Or(config.DefaultShutdownTimeout)
	a.step(ctx, "scheduler", shutdown+2*time.Second, func(c context.Context) error {
		select {
		case <-a.schedDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "sinks", time.Second, func(context.Context) error {
		var errs []error
		for _, fn := range a.closers {
			errs = append(errs, fn())
		}
		return errors.Join(errs...)
	})
	a.step(ctx, "storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, wake forwarder, watchdog).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Duration("uptime", time.Since(a.startedAt)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return a.sup.Err()
}

// step runs a shutdown step with an upper bound so one component can't stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 || ctx.Err() != nil {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

func secondsToDuration(n int) time.Duration { return time.Duration(n) * time.Second }
