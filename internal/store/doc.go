// Package store provides durable key-value storage for cart snapshots.
//
// Every backend implements Storage: opaque byte values addressed by string
// keys. Callers scope their keys with Namespace so several applications (or
// tests) can share one backend without colliding.
//
// # Backends
//
//   - Memory: process-local map, used by tests and the "memory" driver
//   - SQLite: single-file database, the default for the CLI
//   - Redis: shared cache with optional TTL
//   - Postgres: pgx connection pool over a single kv table
//   - Firestore: one document per key
//
// # SQLite Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// The schema version is recorded in PRAGMA user_version.
package store
