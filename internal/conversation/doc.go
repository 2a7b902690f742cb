// Package conversation delivers session events to live readers.
//
// SessionEvents is the in-process broadcaster. The event log publishes each
// event after it commits; in PostgreSQL deployments, events committed by
// other gateway processes arrive as content-less notifications relayed from
// LISTEN/NOTIFY.
//
// Tail serves one joined session of a client connection:
//
//  1. subscribe to the broadcaster
//  2. backfill from the store after the client's afterSeq
//  3. forward live events above a high-water mark
//
// A notification that skips a seq, carries no event, or arrives after the
// subscriber overflowed triggers a store read from the mark, so the consumer
// always sees seqs in order and exactly once.
//
// Timeline and Merge implement the client-side rule for combining a REST
// backfill with live frames: events are keyed by seq, the last write wins,
// and the result is sorted ascending.
package conversation
