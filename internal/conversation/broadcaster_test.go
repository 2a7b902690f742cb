// ABOUTME: Tests for the SessionEvents fan-out pub/sub system
// ABOUTME: Covers subscribe, publish, overflow, unsubscribe, context cancellation, concurrency

package conversation

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeEvent(sessionID string, seq int64) *store.SessionEvent {
	return &store.SessionEvent{
		SessionID: sessionID,
		Seq:       seq,
		EventType: store.EventAgentMessage,
		Level:     store.LevelInfo,
		CreatedAt: time.Now(),
	}
}

// waitNotes waits for a wake and drains.
func waitNotes(t *testing.T, sub *Subscription) []Notification {
	t.Helper()
	select {
	case <-sub.Wake():
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
	notes, overflow := sub.Drain()
	require.False(t, overflow)
	return notes
}

func TestBroadcaster_SingleSubscriberReceivesEvent(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	sub := b.Subscribe(t.Context(), "s1")
	b.Publish(makeEvent("s1", 1))

	notes := waitNotes(t, sub)
	require.Len(t, notes, 1)
	assert.Equal(t, int64(1), notes[0].Seq)
	require.NotNil(t, notes[0].Event)
	assert.Equal(t, "s1", notes[0].Event.SessionID)
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	subs := []*Subscription{
		b.Subscribe(t.Context(), "s1"),
		b.Subscribe(t.Context(), "s1"),
		b.Subscribe(t.Context(), "s1"),
	}
	b.Publish(makeEvent("s1", 7))

	for _, sub := range subs {
		notes := waitNotes(t, sub)
		require.Len(t, notes, 1)
		assert.Equal(t, int64(7), notes[0].Seq)
	}
}

func TestBroadcaster_SessionsAreIsolated(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	sub1 := b.Subscribe(t.Context(), "s1")
	sub2 := b.Subscribe(t.Context(), "s2")
	b.Publish(makeEvent("s1", 1))

	waitNotes(t, sub1)
	select {
	case <-sub2.Wake():
		t.Fatal("s2 subscriber should not receive s1 events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_NotifyCarriesNoEvent(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	sub := b.Subscribe(t.Context(), "s1")
	b.Notify("s1", 3)

	notes := waitNotes(t, sub)
	require.Len(t, notes, 1)
	assert.Equal(t, int64(3), notes[0].Seq)
	assert.Nil(t, notes[0].Event)
}

func TestBroadcaster_DrainPreservesOrder(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	sub := b.Subscribe(t.Context(), "s1")
	for seq := int64(1); seq <= 5; seq++ {
		b.Publish(makeEvent("s1", seq))
	}

	notes := waitNotes(t, sub)
	require.Len(t, notes, 5)
	for i, n := range notes {
		assert.Equal(t, int64(i+1), n.Seq)
	}
}

func TestBroadcaster_SlowConsumerOverflows(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	slow := b.Subscribe(t.Context(), "s1")
	fast := b.Subscribe(t.Context(), "s1")

	done := make(chan struct{})
	go func() {
		for seq := int64(1); seq <= maxPending+10; seq++ {
			b.Publish(makeEvent("s1", seq))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}

	<-slow.Wake()
	notes, overflow := slow.Drain()
	assert.True(t, overflow)
	assert.Len(t, notes, 9)

	// the fast subscriber overflowed too since it never drained; after a
	// drain it starts clean
	fast.Drain()
	b.Publish(makeEvent("s1", maxPending+11))
	notes = waitNotes(t, fast)
	require.Len(t, notes, 1)
}

func TestBroadcaster_ContextCancellationCleansUp(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	sub := b.Subscribe(ctx, "s1")
	assert.Equal(t, 1, b.SubscriberCount("s1"))

	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after context cancel")
	}
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	sub := b.Subscribe(t.Context(), "s1")
	sub.Close()
	sub.Close()

	assert.Equal(t, 0, b.SubscriberCount("s1"))
	select {
	case <-sub.Done():
	default:
		t.Fatal("done should be closed")
	}

	b.Publish(makeEvent("s1", 1))
	notes, _ := sub.Drain()
	assert.Empty(t, notes)
}

func TestBroadcaster_CloseEndsAllSubscriptions(t *testing.T) {
	b := NewSessionEvents(testLogger())

	sub1 := b.Subscribe(t.Context(), "s1")
	sub2 := b.Subscribe(t.Context(), "s2")
	b.Close()

	for _, sub := range []*Subscription{sub1, sub2} {
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscription not closed")
		}
	}

	late := b.Subscribe(t.Context(), "s1")
	select {
	case <-late.Done():
	default:
		t.Fatal("subscription after Close should be done")
	}
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(t.Context())
			defer cancel()
			sub := b.Subscribe(ctx, "s1")
			sub.Drain()
		}()
		go func() {
			defer wg.Done()
			b.Publish(makeEvent("s1", int64(i+1)))
		}()
	}
	wg.Wait()
}

func TestBroadcaster_SubscribeReturnsUniqueIDs(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	a := b.Subscribe(t.Context(), "s1")
	c := b.Subscribe(t.Context(), "s1")
	assert.NotEqual(t, a.ID, c.ID)
}

func TestBroadcaster_PublishWithoutSubscribers(t *testing.T) {
	b := NewSessionEvents(testLogger())
	defer b.Close()

	assert.NotPanics(t, func() {
		b.Publish(makeEvent("nobody", 1))
		b.Notify("nobody", 2)
	})
}
