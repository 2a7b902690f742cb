// Package dedupe provides a TTL and size bounded cache from keys to values.
// The event log keeps the finalized outcome of each idempotent send here, so
// replays inside the window are answered without a store round trip.
package dedupe
