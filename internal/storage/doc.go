// Package storage is the durable Schedule Store and Run Ledger.
//
// One SQL implementation serves both drivers:
//   - "sqlite": embedded database file (modernc.org/sqlite), single writer, WAL
//   - "postgres": pgx stdlib driver
//
// Timestamps are stored as UTC unix microseconds so queries stay portable.
// Every mutation is a single statement committed on its own.
package storage
