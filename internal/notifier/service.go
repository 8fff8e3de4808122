package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickd/internal/eventbus"
	rtsup "tickd/internal/runtime/supervisor"
	logx "tickd/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

var defaultEvents = []string{eventbus.JobFailed, eventbus.JobTimeout}

// Service implements an async notification pipeline:
// bus subscription + queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan Message
	sup      *rtsup.Supervisor
	fwdDone  chan struct{}
	unsub    func()
	stopDone chan struct{} // non-nil while stopping

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	queued, sent, failed, dropped, deduped atomic.Uint64
}

func New(cfg Config, sinks []Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		log:   log,
		bus:   bus,
		sinks: sinks,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled && len(s.sinks) > 0
	s.mu.Unlock()
	return en
}

// Sinks returns the configured sink names.
func (s *Service) Sinks() []string {
	out := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		out = append(out, sk.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if len(cfg.Events) == 0 {
		cfg.Events = defaultEvents
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to the bus and launches the workers. It is idempotent and a
// no-op when disabled or when no sink is configured.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || len(s.sinks) == 0 {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.fwdDone = make(chan struct{})
	s.accepting = true
	events, unsub := s.bus.Subscribe(s.cfg.QueueSize)
	s.unsub = unsub
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures must not take down the daemon.
		rtsup.WithCancelOnError(false),
	)
	sup, q, fwdDone, workers := s.sup, s.queue, s.fwdDone, s.cfg.Workers
	s.mu.Unlock()

	sup.Go0("forward", func(c context.Context) {
		defer close(fwdDone)
		s.forward(c, events)
	})
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil {
				return c.Err()
			}
			return nil
		}, 250*time.Millisecond, 5*time.Second)
	}
	s.log.Info("notifier started", logx.Any("sinks", s.Sinks()), logx.Any("events", s.cfg.Events))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
// Events published before Stop are still queued and delivered.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, sup, fwdDone, unsub := s.queue, s.sup, s.fwdDone, s.unsub
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.mu.Unlock()

	// Closing the subscription lets forward queue what is already buffered, then exit.
	unsub()

	// Shutdown happens asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		<-fwdDone
		s.mu.Lock()
		s.accepting = false
		s.mu.Unlock()
		// Wait for in-flight Notify calls, then close the queue so workers drain and exit.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.fwdDone = nil
		s.unsub = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
		s.log.Warn("notifier stop timed out; pending messages abandoned", logx.Int("pending", len(q)))
	}
}

func (s *Service) forward(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := s.Notify(e); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Debug("notify skipped", logx.String("type", e.Type), logx.Err(err))
			}
		}
	}
}

// Notify queues e for delivery if its type is selected. It never blocks.
func (s *Service) Notify(e eventbus.Event) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	if !matchEvent(s.cfg.Events, e.Type) {
		s.mu.Unlock()
		return nil
	}
	q := s.queue
	dedupWindow, dedupMax := s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	m, err := newMessage(e)
	if err != nil {
		return err
	}
	if dedupWindow > 0 && !s.dedupAllow(dedupKey(m), dedupWindow, dedupMax) {
		s.deduped.Add(1)
		return nil
	}

	select {
	case q <- m:
		s.queued.Add(1)
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) Stats() Stats {
	return Stats{
		Queued:  s.queued.Load(),
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Dropped: s.dropped.Load(),
		Deduped: s.deduped.Load(),
	}
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 100 {
		s.history = s.history[len(s.history)-100:]
	}
	s.hmu.Unlock()
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			for _, sk := range s.sinks {
				s.sendWithRetry(ctx, sk, m)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, sk Sink, m Message) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sk.Send(callCtx, m)
		cancel()
		if err == nil {
			s.sent.Add(1)
			s.appendHistory(HistoryItem{At: time.Now(), Sink: sk.Name(), Type: m.Type, Job: m.Job})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.String("sink", sk.Name()), logx.Int("attempt", attempt), logx.Int("max", attempts), logx.Err(err))
		if attempt == attempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.failed.Add(1)
	s.appendHistory(HistoryItem{At: time.Now(), Sink: sk.Name(), Type: m.Type, Job: m.Job, Error: lastErr.Error()})
	s.log.Warn("notify failed", logx.String("sink", sk.Name()), logx.String("type", m.Type), logx.String("job", m.Job), logx.Err(lastErr))
}

func newMessage(e eventbus.Event) (Message, error) {
	m := Message{ID: e.ID, Type: e.Type, Time: e.Time}
	if e.Data == nil {
		return m, nil
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", e.Type, err)
	}
	m.Data = raw
	var subject struct {
		JobName string `json:"job_name"`
	}
	if json.Unmarshal(raw, &subject) == nil {
		m.Job = subject.JobName
	}
	return m, nil
}

func matchEvent(patterns []string, typ string) bool {
	for _, p := range patterns {
		switch {
		case p == "*" || p == typ:
			return true
		case strings.HasSuffix(p, ".*") && strings.HasPrefix(typ, strings.TrimSuffix(p, "*")):
			return true
		}
	}
	return false
}

func dedupKey(m Message) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(m.Type))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(m.Job))
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(key string, window time.Duration, max int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	// Remove entries with earliest expiry until within cap.
	for len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// Exponential backoff: base * 2^(attempt-1), jittered 0.7..1.3, capped.
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
