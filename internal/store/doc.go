// Package store provides persistent storage for the gateway.
//
// # Implementations
//
//   - SQLiteStore: single-process deployments, on modernc.org/sqlite ("sqlite")
//     or mattn/go-sqlite3 ("sqlite3")
//   - PostgresStore: shared by several gateway processes through jackc/pgx; it
//     also implements EventNotifier so each process learns about events
//     appended elsewhere
//   - MockStore: in-memory, for tests, with conflict injection
//
// # Concurrency
//
// Three writes race between request flows and are settled here, never by
// in-process locks:
//
//   - PinSessionAgent: UPDATE ... WHERE pinned_agent_id IS NULL
//   - AppendEvent: INSERT ... SELECT MAX(seq)+1 under PRIMARY KEY (session_id, seq);
//     the loser gets ErrConflict and retries
//   - RecordInbound: PRIMARY KEY (org_id, session_id, idempotency_key) on
//     session_inbound, inserted before the event in the same transaction
//
// Times are stored as RFC 3339 strings in SQLite and TIMESTAMPTZ in Postgres.
package store
