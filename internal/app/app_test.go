package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tickd/internal/config"
	"tickd/internal/eventbus"
	"tickd/internal/jobs"
	"tickd/internal/storage"
	logx "tickd/pkg/logx"
)

// newTestApp builds an app on a temp sqlite store. extra holds additional
// top-level JSON members, e.g. `"notifier": {...}`.
func newTestApp(t *testing.T, extra ...string) *App {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tickd.json")
	body := `{
  "logging": {"level": "error", "console": false},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "tickd.db")) + `"},
  "scheduler": {"check_interval": "1s", "shutdown_timeout": "5s"},
  "engine": {"workers": 2, "queue_size": 8, "history_size": 10}`
	for _, e := range extra {
		body += ",\n  " + e
	}
	body += "\n}"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfgm := config.NewConfigManager(path)
	cfgm.SetEnv(func(string) (string, bool) { return "", false })
	a, err := NewApp(cfgm)
	require.NoError(t, err)
	return a
}

func startApp(t *testing.T, a *App) {
	t.Helper()
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
}

func TestAppRunsTriggeredJob(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	a := newTestApp(t)
	startApp(t, a)
	ctx := context.Background()

	_, err := a.Jobs().Add(ctx, jobs.AddParams{Name: "hello", Cron: "0 0 1 1 *", Command: "echo hello"})
	require.NoError(t, err)
	_, err = a.Jobs().Trigger(ctx, "hello")
	require.NoError(t, err)

	var last storage.Run
	require.Eventually(t, func() bool {
		r, err := a.Jobs().LastRun(ctx, "hello")
		if err != nil || r.EndedAt == nil {
			return false
		}
		last = r
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, storage.RunSuccess, last.Status())
	require.NotNil(t, last.Stdout)
	require.Equal(t, "hello\n", *last.Stdout)

	st, err := a.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Jobs.Total)
	require.Equal(t, 1, st.Today.Succeeded)
	require.Nil(t, st.Notifier)

	j, err := a.Jobs().Get(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, j.NextRun)
	require.True(t, j.NextRun.After(time.Now()), "next run advanced past the trigger")
}

func TestStopDeliversOutcomeOfAwaitedRun(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}
	var (
		mu    sync.Mutex
		types []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var m struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(body, &m)
		mu.Lock()
		types = append(types, m.Type)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := newTestApp(t, `"notifier": {"enabled": true, "webhook": {"url": "`+srv.URL+`"}}`)
	require.NoError(t, a.Start(context.Background()))
	ctx := context.Background()

	_, err := a.Jobs().Add(ctx, jobs.AddParams{Name: "slow-fail", Cron: "0 0 1 1 *", Command: "sleep 1; exit 3"})
	require.NoError(t, err)
	_, err = a.Jobs().Trigger(ctx, "slow-fail")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		r, err := a.Jobs().LastRun(ctx, "slow-fail")
		return err == nil && r.EndedAt == nil
	}, 3*time.Second, 10*time.Millisecond, "run started")

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{eventbus.JobFailed}, types)
}

func TestAppHealthAfterFirstPoll(t *testing.T) {
	a := newTestApp(t)
	require.Error(t, a.health(), "not healthy before the loop starts")
	startApp(t, a)

	require.Eventually(t, func() bool { return a.health() == nil }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, a.Err())
}

func TestAppStopIsBounded(t *testing.T) {
	a := newTestApp(t)
	require.NoError(t, a.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, a.Stop(ctx, StopSIGTERM))
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestStopBeforeStart(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(func() {
		_ = a.store.Close()
		_ = a.logs.Close()
	})
	require.NoError(t, a.Stop(context.Background(), StopUnknown))
	select {
	case <-a.Done():
	default:
		t.Fatal("Done must be closed when never started")
	}
}

func TestApplyConfigReportsRestartSections(t *testing.T) {
	a := newTestApp(t)
	t.Cleanup(func() {
		_ = a.store.Close()
		_ = a.logs.Close()
	})
	var buf bytes.Buffer
	a.log = logx.NewWriter(&buf, "debug")

	prev := a.cfgm.Get()
	next := *prev
	next.Scheduler.CheckInterval = config.Duration(2 * time.Minute)
	next.Logging.Level = "debug"

	a.applyConfig(context.Background(), prev, &next)
	out := buf.String()
	require.Contains(t, out, "restart required")
	require.Contains(t, out, "scheduler")
	require.Contains(t, out, "config applied")

	buf.Reset()
	a.applyConfig(context.Background(), &next, &next)
	require.True(t, strings.Contains(buf.String(), "no effective changes"))
}

func TestStepHonorsDeadline(t *testing.T) {
	a := &App{log: logx.Nop()}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	a.step(context.Background(), "slow", 30*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	a.step(ctx, "expired", time.Second, func(context.Context) error { ran = true; return nil })
	require.False(t, ran)
}

func TestBuildSinks(t *testing.T) {
	cfg := config.Default()
	sinks, closers := buildSinks(cfg, logx.Nop())
	require.Empty(t, sinks)
	require.Empty(t, closers)

	cfg.Notifier.Log = true
	cfg.Notifier.Redis.Addr = "127.0.0.1:6379"
	cfg.Notifier.Webhook.URL = "http://127.0.0.1:1/hook"
	sinks, closers = buildSinks(cfg, logx.Nop())
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"log", "redis", "webhook"}, names)
	require.Len(t, closers, 1)
	for _, fn := range closers {
		require.NoError(t, fn())
	}
}
