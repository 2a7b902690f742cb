// ABOUTME: Client-side merge of backfilled and live session events
// ABOUTME: Events are keyed by seq (last write wins) and returned in ascending seq order

package conversation

import (
	"maps"
	"slices"
	"sync"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// Timeline accumulates session events from any number of sources.
type Timeline struct {
	mu     sync.Mutex
	events map[int64]*store.SessionEvent
}

// NewTimeline creates an empty Timeline.
func NewTimeline() *Timeline {
	return &Timeline{events: make(map[int64]*store.SessionEvent)}
}

// Add records events, replacing any already held for the same seq.
func (t *Timeline) Add(events ...*store.SessionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ev := range events {
		t.events[ev.Seq] = ev
	}
}

// Events returns the held events sorted by seq.
func (t *Timeline) Events() []*store.SessionEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	seqs := slices.Sorted(maps.Keys(t.events))
	out := make([]*store.SessionEvent, len(seqs))
	for i, seq := range seqs {
		out[i] = t.events[seq]
	}
	return out
}

// LastSeq returns the highest seq held, or 0.
func (t *Timeline) LastSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var last int64
	for seq := range t.events {
		last = max(last, seq)
	}
	return last
}

// Len returns the number of distinct seqs held.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}

// Merge combines a backfill with live events. Live events win on equal seq.
func Merge(backfill, live []*store.SessionEvent) []*store.SessionEvent {
	tl := NewTimeline()
	tl.Add(backfill...)
	tl.Add(live...)
	return tl.Events()
}
