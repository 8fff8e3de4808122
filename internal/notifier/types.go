package notifier

import (
	"context"
	"encoding/json"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled bool
	// Events lists the event types to forward. "job.*" or "*" forwards every job event.
	// Empty means job.failed and job.timeout.
	Events          []string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	SendTimeout     time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Message is the wire form handed to sinks.
type Message struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Job  string          `json:"job,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Sink delivers one message. Implementations must honor ctx.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Sink  string    `json:"sink"`
	Type  string    `json:"type"`
	Job   string    `json:"job,omitempty"`
	Error string    `json:"error,omitempty"`
}

// Stats are cumulative counters since start.
type Stats struct {
	Queued  uint64 `json:"queued"`
	Sent    uint64 `json:"sent"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Deduped uint64 `json:"deduped"`
}
