package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rtsup "tickd/internal/runtime/supervisor"
	logx "tickd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is a fixed-size worker pool fed by a bounded queue.
// Enqueue never blocks; excess work is refused with ErrQueueFull.
type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     uint64
	inFlight  int32
	completed uint64
	panics    uint64

	droppedQueueFull uint64
	droppedOnStop    uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{cfg: cfg.withDefaults(), log: log}
}

// Start launches the workers. It is idempotent while running.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	// Workers outlive the caller's cancellation: only Stop ends them, so a
	// running job is never interrupted by shutdown.
	s.sup = rtsup.New(context.WithoutCancel(ctx), rtsup.WithLogger(s.log))

	stopCh, queue := s.stopCh, s.q
	for i := 0; i < cfg.Workers; i++ {
		idx := i
		s.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			return nil
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop refuses new work, drops queued tasks that no worker has picked up,
// and waits for running tasks until ctx expires.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil || s.stopping {
		sup := s.sup
		s.mu.Unlock()
		if sup != nil {
			return sup.Wait(ctx)
		}
		return nil
	}
	s.stopping = true
	close(s.stopCh)
	q, sup := s.q, s.sup
	s.mu.Unlock()

	for drained := false; !drained; {
		select {
		case qt := <-q:
			s.drop(qt)
		default:
			drained = true
		}
	}

	if err := sup.Wait(ctx); err != nil {
		s.log.Warn("task engine stop timed out", logx.Int("in_flight", int(atomic.LoadInt32(&s.inFlight))), logx.Err(err))
		return err
	}
	s.log.Info("task engine stopped")
	return nil
}

func (s *Service) drop(qt queuedTask) {
	atomic.AddUint64(&s.droppedOnStop, 1)
	s.log.Debug("task.dropped", logx.String("task", qt.task.Name), logx.String("reason", "stopping"))
	if qt.task.OnDrop != nil {
		qt.task.OnDrop()
	}
}

// Enqueue hands t to the pool without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	// Holding mu across the send keeps Stop from draining while we enqueue.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return ErrStopped
	}
	if s.stopping {
		return ErrStopping
	}
	select {
	case s.q <- queuedTask{task: t, enqueuedAt: now}:
		return nil
	default:
		s.onQueueFull(now, t)
		return ErrQueueFull
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Completed:        atomic.LoadUint64(&s.completed),
		Panics:           atomic.LoadUint64(&s.panics),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedOnStop:    atomic.LoadUint64(&s.droppedOnStop),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) newTaskID(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) onQueueFull(now time.Time, t Task) {
	atomic.AddUint64(&s.droppedQueueFull, 1)

	prev := atomic.LoadInt64(&s.lastQueueFullWarnAt)
	if prev != 0 && now.UnixNano()-prev < int64(warnThrottleEvery) {
		return
	}
	if !atomic.CompareAndSwapInt64(&s.lastQueueFullWarnAt, prev, now.UnixNano()) {
		return
	}
	s.log.Warn("task refused: queue full",
		logx.String("task", t.Name),
		logx.Int("queue_cap", s.cfg.QueueSize),
		logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
	)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if n := s.cfg.HistorySize; len(s.history) > n {
		s.history = s.history[len(s.history)-n:]
	}
	s.hmu.Unlock()
}
