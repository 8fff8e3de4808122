// Package scheduler is the coordinating loop of the daemon.
//
// Each cycle it:
//   - queries the store for due jobs (oldest next_run first)
//   - admits each one through the concurrency guard
//   - hands admitted jobs to the task engine's worker pool
//
// A worker records the run, executes the command, records the result and
// advances next_run from the completion time. Missed occurrences are not backfilled.
package scheduler
