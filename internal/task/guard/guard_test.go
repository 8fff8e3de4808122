package guard

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTryAdmitTwice(t *testing.T) {
	t.Parallel()
	g := New()
	if !g.TryAdmit(7) {
		t.Fatal("first TryAdmit = false")
	}
	if g.TryAdmit(7) {
		t.Fatal("second TryAdmit = true")
	}
	if g.Len() != 1 || !g.IsRunning(7) {
		t.Fatalf("Len=%d IsRunning=%v", g.Len(), g.IsRunning(7))
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	g := New()
	g.Release(1)
	g.TryAdmit(1)
	g.Release(1)
	g.Release(1)
	if g.Len() != 0 {
		t.Fatalf("Len = %d", g.Len())
	}
	if !g.TryAdmit(1) {
		t.Fatal("TryAdmit after release = false")
	}
}

func TestRunningSorted(t *testing.T) {
	t.Parallel()
	g := New()
	for _, id := range []int64{9, 2, 5} {
		g.TryAdmit(id)
	}
	got := g.Running()
	want := []int64{2, 5, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Running() = %v, want %v", got, want)
		}
	}
}

func TestConcurrentAdmitOnlyOneWins(t *testing.T) {
	t.Parallel()
	g := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAdmit(42) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("wins = %d, want 1", wins.Load())
	}
}
