// Package storage persists per-order delivery bookkeeping.
//
// Drivers:
//   - "memory": process-local map (tests, dry runs)
//   - "file": JSON Lines journal compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "postgres": PostgreSQL through pgx
//   - "rest": PostgREST collection (Supabase)
//
// Every driver upserts by order id, so at most one record exists per order.
package storage
