package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"tickd/internal/eventbus"
	logx "tickd/pkg/logx"
)

type recordSink struct {
	mu    sync.Mutex
	got   []Message
	fails atomic.Int32
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, m Message) error {
	if r.fails.Add(-1) >= 0 {
		return errors.New("unavailable")
	}
	r.mu.Lock()
	r.got = append(r.got, m)
	r.mu.Unlock()
	return nil
}

func (r *recordSink) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}

type runEvent struct {
	JobName  string `json:"job_name"`
	ExitCode int    `json:"exit_code"`
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startService(t *testing.T, cfg Config, sinks ...Sink) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	s := New(cfg, sinks, bus, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func TestForwardsSelectedEvents(t *testing.T) {
	rec := &recordSink{}
	s, bus := startService(t, Config{}, rec)

	bus.Publish(eventbus.Event{Type: eventbus.JobStarted, Data: runEvent{JobName: "a"}})
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: runEvent{JobName: "a", ExitCode: 2}})
	bus.Publish(eventbus.Event{Type: eventbus.JobTimeout, Data: runEvent{JobName: "b"}})

	waitFor(t, "two messages", func() bool { return len(rec.messages()) == 2 })
	got := rec.messages()
	types := map[string]string{}
	for _, m := range got {
		types[m.Type] = m.Job
		require.NotEmpty(t, m.ID)
	}
	require.Equal(t, map[string]string{eventbus.JobFailed: "a", eventbus.JobTimeout: "b"}, types)

	var payload runEvent
	for _, m := range got {
		if m.Type == eventbus.JobFailed {
			require.NoError(t, json.Unmarshal(m.Data, &payload))
		}
	}
	require.Equal(t, 2, payload.ExitCode)
	require.EqualValues(t, 2, s.Stats().Sent)
	require.Len(t, s.History(), 2)
}

func TestMatchEvent(t *testing.T) {
	cases := []struct {
		patterns []string
		typ      string
		want     bool
	}{
		{[]string{"job.*"}, "job.started", true},
		{[]string{"*"}, "anything", true},
		{[]string{"job.failed"}, "job.failed", true},
		{[]string{"job.failed"}, "job.timeout", false},
		{[]string{"job.*"}, "jobs.x", false},
		{nil, "job.failed", false},
	}
	for _, tc := range cases {
		if got := matchEvent(tc.patterns, tc.typ); got != tc.want {
			t.Fatalf("matchEvent(%v, %q) = %v, want %v", tc.patterns, tc.typ, got, tc.want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	rec := &recordSink{}
	rec.fails.Store(2)
	s, _ := startService(t, Config{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, rec)

	require.NoError(t, s.Notify(eventbus.Event{ID: "1", Type: eventbus.JobFailed}))
	waitFor(t, "delivery", func() bool { return len(rec.messages()) == 1 })
	require.Zero(t, s.Stats().Failed)
}

func TestRetryExhausted(t *testing.T) {
	rec := &recordSink{}
	rec.fails.Store(100)
	s, _ := startService(t, Config{RetryMax: 1, RetryBase: time.Millisecond}, rec)

	require.NoError(t, s.Notify(eventbus.Event{ID: "1", Type: eventbus.JobFailed, Data: runEvent{JobName: "x"}}))
	waitFor(t, "failure", func() bool { return s.Stats().Failed == 1 })
	h := s.History()
	require.Len(t, h, 1)
	require.Equal(t, "unavailable", h[0].Error)
	require.Equal(t, "x", h[0].Job)
}

func TestDedupWindow(t *testing.T) {
	rec := &recordSink{}
	s, _ := startService(t, Config{DedupWindow: time.Hour}, rec)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed, Data: runEvent{JobName: "flappy"}}))
	}
	require.NoError(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed, Data: runEvent{JobName: "other"}}))

	waitFor(t, "two deliveries", func() bool { return len(rec.messages()) == 2 })
	require.EqualValues(t, 2, s.Stats().Deduped)
}

func TestDisabledAndStopped(t *testing.T) {
	s := New(Config{}, []Sink{&recordSink{}}, nil, logx.Nop())
	require.ErrorIs(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed}), ErrDisabled)

	s = New(Config{Enabled: true}, []Sink{&recordSink{}}, nil, logx.Nop())
	require.ErrorIs(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed}), ErrStopped)

	// Start without sinks is a no-op.
	s = New(Config{Enabled: true}, nil, nil, logx.Nop())
	s.Start(context.Background())
	require.False(t, s.Enabled())
	s.Stop(context.Background())
}

func TestStopDrainsQueue(t *testing.T) {
	rec := &recordSink{}
	s := New(Config{Enabled: true, RatePerSec: 1000, Workers: 1}, []Sink{rec}, eventbus.New(), logx.Nop())
	s.Start(context.Background())
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed}))
	}
	s.Stop(context.Background())
	require.Len(t, rec.messages(), 10)
	require.ErrorIs(t, s.Notify(eventbus.Event{Type: eventbus.JobFailed}), ErrStopped)
}

func TestStopForwardsBufferedEvents(t *testing.T) {
	rec := &recordSink{}
	bus := eventbus.New()
	s := New(Config{Enabled: true, RatePerSec: 1000, Workers: 1}, []Sink{rec}, bus, logx.Nop())
	s.Start(context.Background())
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.JobTimeout, Data: runEvent{JobName: "late"}})
	}
	s.Stop(context.Background())
	require.Len(t, rec.messages(), 5)
	require.EqualValues(t, 0, bus.Dropped())
}

func TestWebhookSink(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		hdr  http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		body, _ = io.ReadAll(r.Body)
		hdr = r.Header.Clone()
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer t0k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := Message{ID: "e1", Type: eventbus.JobTimeout, Job: "backup", Data: json.RawMessage(`{"job_name":"backup"}`)}

	sink := NewWebhookSink(WebhookConfig{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer t0k"}})
	require.NoError(t, sink.Send(context.Background(), m))

	mu.Lock()
	require.Equal(t, "application/json", hdr.Get("Content-Type"))
	require.Equal(t, eventbus.JobTimeout, hdr.Get("X-Tickd-Event"))
	var got Message
	require.NoError(t, json.Unmarshal(body, &got))
	mu.Unlock()
	require.Equal(t, "backup", got.Job)

	bad := NewWebhookSink(WebhookConfig{URL: srv.URL})
	require.ErrorContains(t, bad.Send(context.Background(), m), "401")
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisSink(t *testing.T) {
	fs := &fakeStream{}
	sink := NewRedisSink(fs, "", 0)
	require.NoError(t, sink.Send(context.Background(), Message{ID: "e1", Type: eventbus.JobFailed, Job: "backup"}))

	require.Len(t, fs.args, 1)
	a := fs.args[0]
	require.Equal(t, "tickd:events", a.Stream)
	require.EqualValues(t, 10000, a.MaxLen)
	require.True(t, a.Approx)
	values := a.Values.(map[string]any)
	require.Equal(t, eventbus.JobFailed, values["type"])
	require.Contains(t, values["data"], `"job":"backup"`)

	fs.err = errors.New("READONLY")
	require.Error(t, sink.Send(context.Background(), Message{Type: eventbus.JobFailed}))
}
