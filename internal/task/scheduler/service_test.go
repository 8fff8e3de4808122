package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/task/executor"
	logx "tickd/pkg/logx"
)

type fakeExec struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan executor.Request
	result  func(req executor.Request) executor.Result
}

func newFakeExec() *fakeExec {
	return &fakeExec{started: make(chan executor.Request, 16)}
}

func (f *fakeExec) Execute(req executor.Request) executor.Result {
	f.calls.Add(1)
	start := time.Now()
	select {
	case f.started <- req:
	default:
	}
	if f.block != nil {
		<-f.block
	}
	if f.result != nil {
		return f.result(req)
	}
	code := 0
	return executor.Result{Outcome: executor.OutcomeExited, ExitCode: &code, Stdout: "ok\n", StartedAt: start, EndedAt: time.Now(), Duration: time.Since(start)}
}

// flakyStore fails the first N calls of selected methods.
type flakyStore struct {
	storage.Store
	dueFails    atomic.Int32
	createFails atomic.Int32
}

func (f *flakyStore) GetDueJobs(ctx context.Context, now time.Time) ([]storage.Job, error) {
	if f.dueFails.Add(-1) >= 0 {
		return nil, errors.New("database is locked")
	}
	return f.Store.GetDueJobs(ctx, now)
}

func (f *flakyStore) CreateRun(ctx context.Context, j storage.Job, at time.Time) (storage.Run, error) {
	if f.createFails.Add(-1) >= 0 {
		return storage.Run{}, errors.New("disk I/O error")
	}
	return f.Store.CreateRun(ctx, j, at)
}

func openStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tickd.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func addDueJob(t *testing.T, st storage.Store, name, cron string) storage.Job {
	t.Helper()
	past := time.Now().Add(-time.Minute)
	j, err := st.AddJob(context.Background(), storage.Job{
		Name: name, CronExpression: cron, Command: "echo hi", Enabled: true, TimeoutSeconds: 30, NextRun: &past,
	})
	require.NoError(t, err)
	return j
}

func fastConfig() Config {
	return Config{CheckInterval: 20 * time.Millisecond, Tick: 5 * time.Millisecond, ShutdownTimeout: 5 * time.Second, Location: time.UTC}
}

type runner struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func start(t *testing.T, s *Service) *runner {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = s.Run(ctx)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-r.done:
		case <-time.After(10 * time.Second):
		}
	})
	return r
}

func (r *runner) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case <-r.done:
		return r.err
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func finishedRuns(t *testing.T, st storage.Store, job string) []storage.Run {
	t.Helper()
	runs, err := st.ListRuns(context.Background(), storage.RunFilter{JobName: job})
	require.NoError(t, err)
	var out []storage.Run
	for _, r := range runs {
		if r.EndedAt != nil {
			out = append(out, r)
		}
	}
	return out
}

func TestDispatchRecordsRunAndAdvances(t *testing.T) {
	st := openStore(t)
	j := addDueJob(t, st, "backup", "*/5 * * * *")
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ex := newFakeExec()
	s := New(fastConfig(), Deps{Store: st, Executor: ex, Bus: bus})
	r := start(t, s)

	waitFor(t, "finished run", func() bool { return len(finishedRuns(t, st, "backup")) == 1 })
	require.NoError(t, r.stop(t))

	run := finishedRuns(t, st, "backup")[0]
	require.Equal(t, storage.RunSuccess, run.Status())
	require.Equal(t, 0, *run.ExitCode)
	require.Equal(t, "ok\n", *run.Stdout)

	got, err := st.GetJobByID(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	require.True(t, got.NextRun.After(time.Now()))
	require.Zero(t, got.NextRun.UTC().Minute()%5)

	req := <-ex.started
	require.Equal(t, "echo hi", req.Command)
	require.Equal(t, 30*time.Second, req.Timeout)
	require.Contains(t, req.Env, "TICKD_JOB_NAME=backup")

	var types []string
	for len(types) < 2 {
		select {
		case e := <-events:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatalf("missing events, got %v", types)
		}
	}
	require.Equal(t, []string{eventbus.JobStarted, eventbus.JobCompleted}, types)
	require.Equal(t, StateStopped, s.State())
}

func TestNoOverlappingRuns(t *testing.T) {
	st := openStore(t)
	addDueJob(t, st, "slow", "0 0 1 1 *")

	ex := newFakeExec()
	ex.block = make(chan struct{})
	s := New(fastConfig(), Deps{Store: st, Executor: ex})
	r := start(t, s)

	<-ex.started
	// Several poll cycles see the job as still due while it runs.
	time.Sleep(150 * time.Millisecond)
	require.EqualValues(t, 1, ex.calls.Load())
	require.Equal(t, []int64{1}, s.Snapshot().Running)

	close(ex.block)
	waitFor(t, "finished run", func() bool { return len(finishedRuns(t, st, "slow")) == 1 })
	time.Sleep(60 * time.Millisecond)
	require.EqualValues(t, 1, ex.calls.Load())
	require.NoError(t, r.stop(t))
}

func TestInitializeSchedulesAndAuditsOpenRuns(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	on, err := st.AddJob(ctx, storage.Job{Name: "on", CronExpression: "0 * * * *", Command: "true", Enabled: true, TimeoutSeconds: 10})
	require.NoError(t, err)
	off, err := st.AddJob(ctx, storage.Job{Name: "off", CronExpression: "0 * * * *", Command: "true", Enabled: false, TimeoutSeconds: 10})
	require.NoError(t, err)
	open, err := st.CreateRun(ctx, on, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	s := New(fastConfig(), Deps{Store: st, Executor: newFakeExec()})
	s.initialize(ctx)

	got, err := st.GetJobByID(ctx, on.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	require.Zero(t, got.NextRun.Minute())

	got, err = st.GetJobByID(ctx, off.ID)
	require.NoError(t, err)
	require.Nil(t, got.NextRun)

	// Interrupted runs are reported, not rewritten.
	run, err := st.GetRun(ctx, open.ID)
	require.NoError(t, err)
	require.Nil(t, run.EndedAt)
	require.Equal(t, storage.RunRunning, run.Status())
}

func TestShutdownWaitsForRunningJob(t *testing.T) {
	st := openStore(t)
	addDueJob(t, st, "long", "0 0 1 1 *")

	ex := newFakeExec()
	ex.block = make(chan struct{})
	s := New(fastConfig(), Deps{Store: st, Executor: ex})
	r := start(t, s)
	<-ex.started

	r.cancel()
	waitFor(t, "shutting down", func() bool { return s.State() == StateShuttingDown })
	select {
	case <-r.done:
		t.Fatal("Run returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(ex.block)
	select {
	case <-r.done:
		require.NoError(t, r.err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after job finished")
	}
	require.Len(t, finishedRuns(t, st, "long"), 1)
}

func TestShutdownTimeoutLeavesRunOpen(t *testing.T) {
	st := openStore(t)
	addDueJob(t, st, "stuck", "0 0 1 1 *")

	ex := newFakeExec()
	ex.block = make(chan struct{})
	defer close(ex.block)
	cfg := fastConfig()
	cfg.ShutdownTimeout = 50 * time.Millisecond
	s := New(cfg, Deps{Store: st, Executor: ex})
	r := start(t, s)
	<-ex.started

	require.Error(t, r.stop(t))
	require.Equal(t, StateStopped, s.State())
	open, err := st.ListOpenRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
}

func TestPollErrorsAreRetried(t *testing.T) {
	st := &flakyStore{Store: openStore(t)}
	st.dueFails.Store(3)
	addDueJob(t, st, "retry", "0 0 1 1 *")

	s := New(fastConfig(), Deps{Store: st, Executor: newFakeExec()})
	r := start(t, s)
	waitFor(t, "finished run", func() bool { return len(finishedRuns(t, st, "retry")) == 1 })
	require.NoError(t, r.stop(t))
	require.EqualValues(t, 3, s.Snapshot().PollErrors)
}

func TestCreateRunFailureSkipsExecution(t *testing.T) {
	st := &flakyStore{Store: openStore(t)}
	st.createFails.Store(1)
	j := addDueJob(t, st, "flaky", "0 0 1 1 *")
	before := *j.NextRun

	ex := newFakeExec()
	s := New(fastConfig(), Deps{Store: st, Executor: ex})
	require.Error(t, s.runJob(j))
	require.Zero(t, ex.calls.Load())

	got, err := st.GetJobByID(context.Background(), j.ID)
	require.NoError(t, err)
	require.WithinDuration(t, before, *got.NextRun, time.Millisecond)
	require.False(t, s.guard.IsRunning(j.ID))
}

func TestTimeoutAndFailureOutcomes(t *testing.T) {
	st := openStore(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ex := newFakeExec()
	ex.result = func(req executor.Request) executor.Result {
		if req.Command == "sleep 99" {
			return executor.Result{Outcome: executor.OutcomeTimedOut, Stderr: "partial"}
		}
		code := 3
		return executor.Result{Outcome: executor.OutcomeExited, ExitCode: &code}
	}
	s := New(fastConfig(), Deps{Store: st, Executor: ex, Bus: bus})

	ctx := context.Background()
	slow, err := st.AddJob(ctx, storage.Job{Name: "slow", CronExpression: "* * * * *", Command: "sleep 99", Enabled: true, TimeoutSeconds: 1})
	require.NoError(t, err)
	bad, err := st.AddJob(ctx, storage.Job{Name: "bad", CronExpression: "* * * * *", Command: "exit 3", Enabled: true, TimeoutSeconds: 1})
	require.NoError(t, err)

	require.NoError(t, s.runJob(slow))
	require.NoError(t, s.runJob(bad))

	run, err := st.LastRun(ctx, slow.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunTimeout, run.Status())
	require.Nil(t, run.ExitCode)
	require.Equal(t, "partial", *run.Stderr)

	run, err = st.LastRun(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunFailed, run.Status())
	require.Equal(t, 3, *run.ExitCode)

	var types []string
	for len(types) < 4 {
		e := <-events
		types = append(types, e.Type)
	}
	require.Equal(t, []string{eventbus.JobStarted, eventbus.JobTimeout, eventbus.JobStarted, eventbus.JobFailed}, types)
}

func TestJobDeletedOrDisabledDuringRun(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	del := addDueJob(t, st, "gone", "0 0 1 1 *")
	dis := addDueJob(t, st, "paused", "0 0 1 1 *")

	ex := newFakeExec()
	ex.block = make(chan struct{})
	s := New(fastConfig(), Deps{Store: st, Executor: ex})

	var wg sync.WaitGroup
	for _, j := range []storage.Job{del, dis} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, s.runJob(j))
		}()
	}
	<-ex.started
	<-ex.started
	require.NoError(t, st.DeleteJob(ctx, del.ID))
	require.NoError(t, st.SetJobEnabled(ctx, dis.ID, false, nil))
	close(ex.block)
	wg.Wait()

	// The run history of the deleted job survives.
	require.Len(t, finishedRuns(t, st, "gone"), 1)
	got, err := st.GetJobByID(ctx, dis.ID)
	require.NoError(t, err)
	require.Nil(t, got.NextRun)
}

func TestQueueFullReleasesGuard(t *testing.T) {
	st := openStore(t)
	ex := newFakeExec()
	ex.block = make(chan struct{})
	defer close(ex.block)

	eng := engine.New(engine.Config{Workers: 1, QueueSize: 1}, logx.Nop())
	s := New(fastConfig(), Deps{Store: st, Executor: ex, Engine: eng})
	eng.Start(context.Background())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_ = eng.Stop(ctx)
	}()

	jobs := make([]storage.Job, 3)
	for i, name := range []string{"a", "b", "c"} {
		jobs[i] = addDueJob(t, st, name, "0 0 1 1 *")
	}
	s.dispatch(jobs[0])
	<-ex.started
	s.dispatch(jobs[1])
	s.dispatch(jobs[2])

	require.True(t, s.guard.IsRunning(jobs[0].ID))
	require.True(t, s.guard.IsRunning(jobs[1].ID))
	require.False(t, s.guard.IsRunning(jobs[2].ID))
	require.EqualValues(t, 2, s.Snapshot().Dispatched)
}

func TestEnqueueWarningsAreThrottledAndPruned(t *testing.T) {
	s := New(fastConfig(), Deps{Store: openStore(t), Executor: newFakeExec()})
	s.lastEnqWarn["deleted-job"] = time.Now().Add(-time.Minute)

	s.reportEnqueueError("a", errors.New("queue full"))
	first := s.lastEnqWarn["a"]
	s.reportEnqueueError("a", errors.New("queue full"))

	require.Equal(t, first, s.lastEnqWarn["a"], "second warning inside the window is suppressed")
	require.NotContains(t, s.lastEnqWarn, "deleted-job")
	require.Len(t, s.lastEnqWarn, 1)
}

func TestWakeShortCircuitsIdle(t *testing.T) {
	s := New(Config{CheckInterval: time.Hour, Tick: time.Millisecond}, Deps{Store: openStore(t), Executor: newFakeExec()})
	s.Wake()
	s.Wake()
	done := make(chan struct{})
	go func() {
		s.idle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle ignored wake")
	}
}

func TestRealExecutorIntegration(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh required")
	}
	st := openStore(t)
	ctx := context.Background()
	j, err := st.AddJob(ctx, storage.Job{Name: "hello", CronExpression: "* * * * *", Command: `echo "hello $TICKD_JOB_NAME"`, Enabled: true, TimeoutSeconds: 5})
	require.NoError(t, err)

	s := New(fastConfig(), Deps{Store: st, Executor: executor.New(executor.Config{}, logx.Nop())})
	require.NoError(t, s.runJob(j))

	run, err := st.LastRun(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, storage.RunSuccess, run.Status())
	require.Equal(t, "hello hello\n", *run.Stdout)
	require.NotNil(t, run.DurationSeconds)
}
