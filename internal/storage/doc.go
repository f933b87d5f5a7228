// Package storage persists users, tasks, notes and watchlists.
//
// Two drivers share one implementation over database/sql:
//   - "sqlite": a single-writer SQLite file (modernc.org/sqlite, no cgo)
//   - "postgres": a pooled PostgreSQL connection (pgx stdlib driver)
//
// Every logical unit of work runs in its own transaction, committed on
// success and rolled back on any error.
package storage
