// Package store provides SQLite-backed durable storage for the offline outbox.
//
// The store keeps one table, pending_writes, holding every write that failed
// immediate delivery:
//   - id: INTEGER PRIMARY KEY AUTOINCREMENT, monotonic and never reused
//   - created_at / last_retry_at / failed_at: Unix milliseconds, UTC
//   - payload: JSON TEXT
//   - status: 'pending' or 'failed'
//
// # Concurrency
//
// A foreground syncer and a background worker may each hold their own
// handle on the same file. Every per-record mutation is a single
// conditional statement; RecordFailure checks status and retry_count in
// its WHERE clause so a lost race surfaces as outbox.ErrConflict instead
// of a double increment.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Schema versions are tracked with PRAGMA user_version. Upgrades only add
// indexes.
//
// OpenDSN selects a backend from a DSN: sqlite (this package), memory
// (memstore) or postgres (pgstore).
package store
