package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"tickd/internal/eventbus"
	"tickd/internal/storage"
	"tickd/internal/task/engine"
	"tickd/internal/task/executor"
	"tickd/internal/task/guard"
	logx "tickd/pkg/logx"
)

// Config controls the coordinating loop.
type Config struct {
	// CheckInterval is the time between poll cycles.
	CheckInterval time.Duration
	// Tick is the idle sleep granularity; shutdown and wake-ups are noticed within one tick.
	Tick time.Duration
	// ShutdownTimeout bounds how long shutdown waits for in-flight runs.
	ShutdownTimeout time.Duration
	// Location evaluates cron expressions. Nil means time.Local.
	Location *time.Location
	// RetentionDays > 0 enables periodic cleanup of old runs.
	RetentionDays   int
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.Tick > c.CheckInterval {
		c.Tick = c.CheckInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	return c
}

// State of the coordinating loop.
type State int32

const (
	StateStarting State = iota
	StateIdle
	StatePolling
	StateDispatching
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateDispatching:
		return "dispatching"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Executor runs one job command. *executor.Executor satisfies it.
type Executor interface {
	Execute(req executor.Request) executor.Result
}

// Metrics receives scheduler measurements. All methods must be cheap and non-blocking.
type Metrics interface {
	PollFinished(dur time.Duration, due int, err error)
	Dispatched(job string)
	Skipped(job, reason string)
	RunFinished(job, status string, dur time.Duration)
	Running(n int)
}

type nopMetrics struct{}

func (nopMetrics) PollFinished(time.Duration, int, error)    {}
func (nopMetrics) Dispatched(string)                         {}
func (nopMetrics) Skipped(string, string)                    {}
func (nopMetrics) RunFinished(string, string, time.Duration) {}
func (nopMetrics) Running(int)                               {}

// Deps are the collaborators of the loop.
type Deps struct {
	Store    storage.Store
	Executor Executor
	Engine   *engine.Service
	Guard    *guard.Guard
	Bus      eventbus.Bus
	Metrics  Metrics
	Log      logx.Logger
}

type Service struct {
	cfg   Config
	store storage.Store
	exec  Executor
	eng   *engine.Service
	guard *guard.Guard
	bus   eventbus.Bus
	mx    Metrics
	log   logx.Logger
	now   func() time.Time

	state      atomic.Int32
	wake       chan struct{}
	startedAt  atomic.Int64 // unix nano
	lastPoll   atomic.Int64 // unix nano
	pollErrors atomic.Uint64
	dispatched atomic.Uint64

	lastCleanup time.Time

	// Dispatch failure throttling: key is job name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	// baseCtx carries values for run persistence but never its cancellation.
	baseCtx context.Context
}

// RunEvent is the payload of job.started / job.completed / job.failed / job.timeout.
type RunEvent struct {
	JobID           int64    `json:"job_id"`
	JobName         string   `json:"job_name"`
	RunID           int64    `json:"run_id"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	TimedOut        bool     `json:"timed_out,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	Outcome         string   `json:"outcome,omitempty"`
}

// Snapshot is a point-in-time view for /status.
type Snapshot struct {
	State      string          `json:"state"`
	Timezone   string          `json:"timezone"`
	Running    []int64         `json:"running"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	LastPoll   time.Time       `json:"last_poll,omitempty"`
	PollErrors uint64          `json:"poll_errors"`
	Dispatched uint64          `json:"dispatched"`
	Engine     engine.Snapshot `json:"engine"`
}
