package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	logx "tickd/pkg/logx"
)

// LogSink writes each message to the structured log.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Send(_ context.Context, m Message) error {
	s.Log.Info("event", logx.String("type", m.Type), logx.String("job", m.Job), logx.String("id", m.ID), logx.String("data", string(m.Data)))
	return nil
}

// StreamAdder is the subset of *redis.Client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream length. Zero means 10000.
	MaxLen int64
}

// RedisSink appends messages to a Redis stream as a single JSON "data" field.
type RedisSink struct {
	rdb    StreamAdder
	stream string
	maxLen int64
}

// NewRedisClient builds a client for cfg. Connectivity is checked lazily by sends.
func NewRedisClient(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewRedisSink(rdb StreamAdder, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "tickd:events"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisSink{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Send(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{"type": m.Type, "data": string(b)},
	}).Err()
}

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// WebhookSink POSTs each message as JSON. Any non-2xx response is an error.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookSink(cfg WebhookConfig) *WebhookSink {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{url: cfg.URL, headers: cfg.Headers, client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, m Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tickd")
	req.Header.Set("X-Tickd-Event", m.Type)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}
