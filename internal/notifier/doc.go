// Package notifier forwards job lifecycle events to external sinks.
//
// The service subscribes to the event bus, filters events by type, and hands
// them to a small worker pool that delivers each message to every configured
// sink (log, Redis stream, webhook).
//
// # Delivery
//
// Delivery is best-effort. Intake never blocks the publisher: a full queue
// drops the message and counts it. Each send is rate limited with a token
// bucket and retried with jittered exponential backoff. A failing sink never
// affects the scheduler.
//
// # Dedup
//
// With a non-zero DedupWindow, repeated events of the same type for the same
// job are suppressed until the window expires, so a job failing every minute
// does not flood a webhook.
//
// # History
//
// The service keeps a small in-memory history of delivered messages for the
// ops status endpoint.
package notifier
