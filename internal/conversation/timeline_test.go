// ABOUTME: Tests for the client-side merge of backfilled and live session events
// ABOUTME: Checks dedupe by seq, last-write-wins and ascending order

package conversation

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

func ev(seq int64, payload string) *store.SessionEvent {
	return &store.SessionEvent{SessionID: "s1", Seq: seq, EventType: store.EventAgentMessage, Level: store.LevelInfo, Payload: json.RawMessage(payload)}
}

func seqsOf(events []*store.SessionEvent) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		backfill []*store.SessionEvent
		live     []*store.SessionEvent
		want     []int64
	}{
		{"empty", nil, nil, []int64{}},
		{"backfill only", []*store.SessionEvent{ev(1, `1`), ev(2, `2`)}, nil, []int64{1, 2}},
		{"live only out of order", nil, []*store.SessionEvent{ev(3, `3`), ev(1, `1`)}, []int64{1, 3}},
		{"overlap", []*store.SessionEvent{ev(1, `1`), ev(2, `2`), ev(3, `3`)}, []*store.SessionEvent{ev(3, `3`), ev(4, `4`)}, []int64{1, 2, 3, 4}},
		{"live before backfill tail", []*store.SessionEvent{ev(2, `2`), ev(1, `1`)}, []*store.SessionEvent{ev(5, `5`), ev(2, `2`)}, []int64{1, 2, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := seqsOf(Merge(tt.backfill, tt.live))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Merge() seqs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMerge_LiveWinsOnEqualSeq(t *testing.T) {
	got := Merge([]*store.SessionEvent{ev(1, `"old"`)}, []*store.SessionEvent{ev(1, `"new"`)})
	assert.Len(t, got, 1)
	assert.JSONEq(t, `"new"`, string(got[0].Payload))
}

func TestTimeline(t *testing.T) {
	tl := NewTimeline()
	assert.Equal(t, int64(0), tl.LastSeq())

	tl.Add(ev(3, `3`), ev(1, `1`))
	tl.Add(ev(2, `2`), ev(3, `"again"`))

	assert.Equal(t, 3, tl.Len())
	assert.Equal(t, int64(3), tl.LastSeq())
	events := tl.Events()
	assert.Equal(t, []int64{1, 2, 3}, seqsOf(events))
	assert.JSONEq(t, `"again"`, string(events[2].Payload))
}
