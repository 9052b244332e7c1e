// Package store provides persistent storage for sessions using SQLite.
//
// # Data Models
//
//   - Session: metadata for one assistant session (working dir, model,
//     permission mode, resume token, archive state)
//   - session_events: the append-only, per-session event log keyed by
//     (session_id, seq); the source of truth for replay
//   - Message: legacy per-session history written before the event log
//     existed; read only as a replay fallback
//   - TokenUsage: per-turn token and cost accounting
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Schema creation and column migrations are idempotent and run on open.
//
// # Errors
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateSession: session id already exists
//   - ErrSeqConflict: an appended event reuses an existing seq
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore with a t.TempDir()
// path for integration tests.
package store
