package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/task/cronexpr"
	"tickd/internal/task/engine"
	"tickd/internal/task/executor"
	"tickd/internal/task/guard"
	logx "tickd/pkg/logx"
)

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	if d.Guard == nil {
		d.Guard = guard.New()
	}
	if d.Engine == nil {
		d.Engine = engine.New(engine.Config{}, d.Log.With(logx.String("comp", "engine")))
	}
	s := &Service{
		cfg:         cfg.withDefaults(),
		store:       d.Store,
		exec:        d.Executor,
		eng:         d.Engine,
		guard:       d.Guard,
		bus:         d.Bus,
		mx:          d.Metrics,
		log:         d.Log,
		now:         time.Now,
		wake:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
		baseCtx:     context.Background(),
	}
	s.state.Store(int32(StateStarting))
	return s
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) { s.state.Store(int32(st)) }

// Wake makes an idle loop poll now instead of waiting out the interval.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run is the coordinating loop. It returns after ctx is canceled and in-flight
// runs finished or the shutdown timeout elapsed. Running jobs are never killed here.
func (s *Service) Run(ctx context.Context) error {
	s.baseCtx = context.WithoutCancel(ctx)
	s.startedAt.Store(s.now().UnixNano())
	s.eng.Start(ctx)

	s.initialize(ctx)
	s.log.Info("scheduler started",
		logx.Duration("check_interval", s.cfg.CheckInterval),
		logx.String("tz", s.cfg.Location.String()),
		logx.Int("retention_days", s.cfg.RetentionDays),
	)

	for ctx.Err() == nil {
		s.pollOnce(ctx)
		s.maybeCleanup(ctx)
		s.idle(ctx)
	}
	return s.shutdown()
}

// initialize schedules enabled jobs without next_run and reports runs left open
// by a previous process. Open runs are reported only, never modified.
func (s *Service) initialize(ctx context.Context) {
	jobs, err := s.store.ListUnscheduledJobs(ctx)
	if err != nil {
		s.log.Error("init.failed", logx.Err(err))
	}
	now := s.now()
	for _, j := range jobs {
		next, err := cronexpr.Next(j.CronExpression, now.In(s.cfg.Location))
		if err != nil {
			s.log.Warn("job.invalid_schedule", logx.String("job", j.Name), logx.String("cron", j.CronExpression), logx.Err(err))
			continue
		}
		if err := s.store.UpdateNextRun(ctx, j.ID, next); err != nil {
			s.log.Error("job.schedule_failed", logx.String("job", j.Name), logx.Err(err))
			continue
		}
		s.log.Info("job.scheduled", logx.String("job", j.Name), logx.Time("next_run", next))
	}

	open, err := s.store.ListOpenRuns(ctx)
	if err != nil {
		s.log.Error("audit.failed", logx.Err(err))
		return
	}
	if len(open) == 0 {
		return
	}
	ids := make([]int64, 0, min(len(open), 20))
	for _, r := range open[:min(len(open), 20)] {
		ids = append(ids, r.ID)
	}
	s.log.Warn("runs.interrupted", logx.Int("count", len(open)), logx.Any("run_ids", ids))
}

// pollOnce runs one Polling -> Dispatching cycle. Errors and panics are logged;
// the next tick retries.
func (s *Service) pollOnce(ctx context.Context) {
	start := s.now()
	due := 0
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("poll.panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		if err != nil {
			s.pollErrors.Add(1)
		}
		s.lastPoll.Store(start.UnixNano())
		s.mx.PollFinished(s.now().Sub(start), due, err)
		s.mx.Running(s.guard.Len())
		s.setState(StateIdle)
	}()

	s.setState(StatePolling)
	jobs, err := s.store.GetDueJobs(ctx, start)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("poll.failed", logx.Err(err))
		}
		return
	}
	due = len(jobs)
	if due == 0 {
		return
	}

	s.setState(StateDispatching)
	s.log.Debug("poll.due", logx.Int("count", due))
	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(j)
	}
}

func (s *Service) dispatch(j storage.Job) {
	if !s.guard.TryAdmit(j.ID) {
		s.log.Debug("job.skipped", logx.String("job", j.Name), logx.String("reason", "already_running"))
		s.mx.Skipped(j.Name, "already_running")
		return
	}
	err := s.eng.Enqueue(engine.Task{
		Name:   j.Name,
		Run:    func(context.Context) error { return s.runJob(j) },
		OnDrop: func() { s.guard.Release(j.ID) },
	})
	if err != nil {
		// The job stays due and is retried on the next poll.
		s.guard.Release(j.ID)
		s.mx.Skipped(j.Name, dispatchReason(err))
		s.reportEnqueueError(j.Name, err)
		return
	}
	s.dispatched.Add(1)
	s.mx.Dispatched(j.Name)
}

func dispatchReason(err error) string {
	switch {
	case errors.Is(err, engine.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, engine.ErrStopping), errors.Is(err, engine.ErrStopped):
		return "stopping"
	default:
		return "enqueue_error"
	}
}

// runJob executes one admitted job on a worker. Failures of the command are
// recorded, not returned; the returned error only reports bookkeeping problems.
func (s *Service) runJob(j storage.Job) error {
	defer s.guard.Release(j.ID)
	ctx := s.baseCtx
	log := s.log.With(logx.String("job", j.Name), logx.Int64("job_id", j.ID))

	run, err := s.store.CreateRun(ctx, j, s.now())
	if err != nil {
		// Without a run record nothing executes; next_run is untouched so the job stays due.
		log.Error("run.create_failed", logx.Err(err))
		return fmt.Errorf("create run for %s: %w", j.Name, err)
	}
	log = log.With(logx.Int64("run_id", run.ID))
	log.Info("job.started")
	s.bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Data: RunEvent{JobID: j.ID, JobName: j.Name, RunID: run.ID}})

	res := s.exec.Execute(executor.Request{
		Command: j.Command,
		Dir:     j.WorkingDirectory,
		Timeout: time.Duration(j.TimeoutSeconds) * time.Second,
		Env: []string{
			"TICKD_JOB_NAME=" + j.Name,
			"TICKD_JOB_ID=" + strconv.FormatInt(j.ID, 10),
			"TICKD_RUN_ID=" + strconv.FormatInt(run.ID, 10),
		},
	})
	ended := s.now()

	var firstErr error
	outcome := storage.RunOutcome{EndedAt: ended, Stdout: res.Stdout, Stderr: res.Stderr, TimedOut: res.TimedOut()}
	if !res.TimedOut() {
		outcome.ExitCode = res.ExitCode
	}
	if err := s.store.FinishRun(ctx, run.ID, outcome); err != nil {
		log.Error("run.finish_failed", logx.Err(err))
		firstErr = fmt.Errorf("finish run %d: %w", run.ID, err)
	}

	dur := ended.Sub(run.StartedAt).Seconds()
	ev := RunEvent{JobID: j.ID, JobName: j.Name, RunID: run.ID, ExitCode: outcome.ExitCode, TimedOut: outcome.TimedOut, DurationSeconds: &dur, Outcome: res.Outcome.String()}
	status := storage.Run{EndedAt: &ended, ExitCode: outcome.ExitCode, TimedOut: outcome.TimedOut}.Status()
	switch status {
	case storage.RunSuccess:
		log.Info("job.completed", logx.Float64("duration_s", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Data: ev})
	case storage.RunTimeout:
		log.Warn("job.timeout", logx.Float64("duration_s", dur), logx.Int("timeout_s", j.TimeoutSeconds))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobTimeout, Data: ev})
	default:
		code := -1
		if outcome.ExitCode != nil {
			code = *outcome.ExitCode
		}
		log.Warn("job.failed", logx.Int("exit_code", code), logx.String("outcome", res.Outcome.String()), logx.Float64("duration_s", dur))
		s.bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})
	}
	s.mx.RunFinished(j.Name, status, ended.Sub(run.StartedAt))

	if err := s.advance(ctx, j.ID, ended); err != nil {
		log.Error("job.advance_failed", logx.Err(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// advance moves next_run to the first trigger after from, using the job as
// currently stored so edits made during the run are honored.
func (s *Service) advance(ctx context.Context, id int64, from time.Time) error {
	j, err := s.store.GetJobByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !j.Enabled {
		return nil
	}
	next, err := cronexpr.Next(j.CronExpression, from.In(s.cfg.Location))
	if err != nil {
		return fmt.Errorf("next trigger for %s: %w", j.Name, err)
	}
	return s.store.UpdateNextRun(ctx, id, next)
}

func (s *Service) maybeCleanup(ctx context.Context) {
	if s.cfg.RetentionDays <= 0 || ctx.Err() != nil {
		return
	}
	now := s.now()
	if !s.lastCleanup.IsZero() && now.Sub(s.lastCleanup) < s.cfg.CleanupInterval {
		return
	}
	s.lastCleanup = now
	n, err := s.store.CleanupOldRuns(ctx, now.AddDate(0, 0, -s.cfg.RetentionDays))
	if err != nil {
		s.log.Error("cleanup.failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("runs.cleaned", logx.Int64("deleted", n), logx.Int("retention_days", s.cfg.RetentionDays))
	}
}

// idle sleeps one check interval in Tick steps so shutdown is seen promptly.
func (s *Service) idle(ctx context.Context) {
	deadline := s.now().Add(s.cfg.CheckInterval)
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			return
		case <-t.C:
			if !s.now().Before(deadline) {
				return
			}
		}
	}
}

func (s *Service) shutdown() error {
	s.setState(StateShuttingDown)
	running := s.guard.Running()
	s.log.Info("scheduler stopping", logx.Int("in_flight", len(running)), logx.Duration("timeout", s.cfg.ShutdownTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	err := s.eng.Stop(ctx)
	s.setState(StateStopped)
	if err != nil {
		s.log.Warn("scheduler stopped with runs in flight", logx.Any("job_ids", s.guard.Running()), logx.Err(err))
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("scheduler stopped")
	return nil
}
