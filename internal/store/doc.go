// Package store provides SQLite-backed durable storage for the kiosk.
//
// Tables:
//   - tabs, tab_lines, pos_tables: aggregate state with version counters
//   - outbox_mutations: the write-ahead queue toward the remote authority
//   - kitchen_round_actions: side-log of voided kitchen rounds
//
// # Ownership
//
// Aggregate tables and the outbox are written only by the domain mutation
// service (internal/pos) and status-updated only by the sync engine
// (internal/syncer). Both receive a *Store by injection.
//
// # Idempotency
//
// outbox_mutations.mutation_id and the kitchen_round_actions natural key are
// UNIQUE. Inserts use ON CONFLICT DO NOTHING followed by a select of the
// existing row in the same transaction, so duplicates are reported as
// (inserted=false, existing row) instead of errors.
//
// # Ordering
//
// Outbox rows are drained in insertion order (ORDER BY rowid). Wall-clock
// timestamps are recorded for audit only and never used for ordering.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
package store
