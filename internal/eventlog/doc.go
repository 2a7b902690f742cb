// Package eventlog is the write path of session events.
//
// Append assigns the next seq through the store's single-statement insert.
// Two writers computing the same seq collide on the (session_id, seq) key;
// the loser gets store.ErrConflict and is retried here with a short linear
// backoff, so callers never see the race.
//
// RecordInbound stores a client send and its user_message event in one
// transaction keyed by (org, session, idempotency key). Replays return the
// recorded outcome. Finalized outcomes are also cached in memory for the
// dedupe window.
package eventlog
