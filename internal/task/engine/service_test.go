package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "tickd/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEnqueueBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Enqueue = %v, want ErrStopped", err)
	}
}

func TestBoundedConcurrency(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 2, QueueSize: 8}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	release := make(chan struct{})
	var running, peak, done atomic.Int32
	for i := 0; i < 5; i++ {
		err := s.Enqueue(Task{Name: "block", Run: func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			done.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "two running", func() bool { return running.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if p := peak.Load(); p != 2 {
		t.Fatalf("peak concurrency = %d, want 2", p)
	}
	close(release)
	waitFor(t, "all done", func() bool { return done.Load() == 5 })
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, logx.Nop())
	s.Start(context.Background())
	release := make(chan struct{})
	defer func() {
		close(release)
		_ = s.Stop(context.Background())
	}()

	block := Task{Name: "block", Run: func(context.Context) error { <-release; return nil }}
	if err := s.Enqueue(block); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "worker busy", func() bool { return s.Snapshot().InFlight == 1 })
	if err := s.Enqueue(block); err != nil {
		t.Fatalf("second Enqueue = %v", err)
	}
	if err := s.Enqueue(block); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Enqueue = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().DroppedQueueFull; got != 1 {
		t.Fatalf("DroppedQueueFull = %d", got)
	}
}

func TestStopDropsQueuedAndWaitsForRunning(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop())
	s.Start(context.Background())

	var finished, dropped, ran atomic.Int32
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "slow", Run: func(context.Context) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		finished.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}
	<-started
	for i := 0; i < 3; i++ {
		if err := s.Enqueue(Task{
			Name:   "queued",
			Run:    func(context.Context) error { ran.Add(1); return nil },
			OnDrop: func() { dropped.Add(1) },
		}); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v", err)
	}
	if finished.Load() != 1 {
		t.Fatal("running task was not awaited")
	}
	if dropped.Load()+ran.Load() != 3 || dropped.Load() == 0 {
		t.Fatalf("dropped=%d ran=%d", dropped.Load(), ran.Load())
	}
	err := s.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopping) {
		t.Fatalf("Enqueue after Stop = %v, want ErrStopping", err)
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("boom") }}); err != nil {
		t.Fatal(err)
	}
	var ok atomic.Bool
	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { ok.Store(true); return nil }}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "task after panic", func() bool { return ok.Load() && s.Snapshot().Completed == 2 })
	snap := s.Snapshot()
	if snap.Panics != 1 || len(snap.History) != 2 || snap.History[0].Error == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStopTimesOut(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop())
	s.Start(context.Background())
	release := make(chan struct{})
	defer close(release)

	started := make(chan struct{})
	_ = s.Enqueue(Task{Name: "stuck", Run: func(context.Context) error { close(started); <-release; return nil }})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop = %v, want deadline exceeded", err)
	}
}
