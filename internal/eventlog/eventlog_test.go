// ABOUTME: Tests for the event log: conflict retry, publish-after-commit, idempotent inbound recording
// ABOUTME: Concurrency tests run against a real SQLite store to check gap-free seqs and single recording

package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vespid-ai/vespid-gateway/internal/conversation"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/store/storetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLog(t *testing.T, s store.Store) (*Log, *conversation.SessionEvents) {
	t.Helper()
	events := conversation.NewSessionEvents(testLogger())
	l := New(s, events, Config{Backoff: time.Millisecond}, testLogger())
	t.Cleanup(func() {
		l.Close()
		events.Close()
	})
	return l, events
}

func userMessage(sessionID, text string) *store.NewEvent {
	payload, _ := json.Marshal(map[string]string{"message": text})
	return &store.NewEvent{
		SessionID: sessionID,
		EventType: store.EventUserMessage,
		Level:     store.LevelInfo,
		Payload:   payload,
	}
}

func TestAppendPublishes(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, events := newTestLog(t, s)

	sub := events.Subscribe(t.Context(), sess.ID)
	ev, err := l.Append(t.Context(), &store.NewEvent{SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)

	select {
	case <-sub.Wake():
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	notes, _ := sub.Drain()
	require.Len(t, notes, 1)
	assert.Equal(t, ev.Seq, notes[0].Seq)
}

func TestAppendRetriesConflicts(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	s.AppendConflicts = 3
	ev, err := l.Append(t.Context(), &store.NewEvent{SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.Seq)
}

func TestAppendGivesUpAfterMaxAttempts(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	s.AppendConflicts = 100
	_, err := l.Append(t.Context(), &store.NewEvent{SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
	assert.ErrorIs(t, err, ErrContention)
}

func TestAppendUnknownSession(t *testing.T) {
	l, _ := newTestLog(t, store.NewMockStore())
	_, err := l.Append(t.Context(), &store.NewEvent{SessionID: "missing", EventType: store.EventAgentMessage, Level: store.LevelInfo})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentAppendsAreGapFree(t *testing.T) {
	s := setupTestStore(t)
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	const writers, perWriter = 8, 20
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_, err := l.Append(t.Context(), &store.NewEvent{SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	events, err := l.ReadSince(t.Context(), sess.ID, 0, MaxReadLimit)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestRecordInbound(t *testing.T) {
	t.Run("records message and publishes", func(t *testing.T) {
		s := store.NewMockStore()
		sess := storetest.NewSession(t, s, "org1")
		l, events := newTestLog(t, s)
		sub := events.Subscribe(t.Context(), sess.ID)

		in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
		require.NoError(t, err)
		assert.False(t, in.Duplicate)
		require.NotNil(t, in.Event)
		assert.Equal(t, store.EventUserMessage, in.Event.EventType)
		assert.Equal(t, store.InboundPending, in.Record.Status)
		assert.Equal(t, in.Event.Seq, in.Record.EventSeq)

		<-sub.Wake()
		notes, _ := sub.Drain()
		require.Len(t, notes, 1)
	})

	t.Run("missing key is generated", func(t *testing.T) {
		s := store.NewMockStore()
		sess := storetest.NewSession(t, s, "org1")
		l, _ := newTestLog(t, s)

		a, err := l.RecordInbound(t.Context(), "org1", "", userMessage(sess.ID, "one"))
		require.NoError(t, err)
		b, err := l.RecordInbound(t.Context(), "org1", "", userMessage(sess.ID, "two"))
		require.NoError(t, err)

		assert.NotEmpty(t, a.Record.IdempotencyKey)
		assert.NotEqual(t, a.Record.IdempotencyKey, b.Record.IdempotencyKey)
		assert.False(t, b.Duplicate)
	})

	t.Run("duplicate writes nothing", func(t *testing.T) {
		s := store.NewMockStore()
		sess := storetest.NewSession(t, s, "org1")
		l, _ := newTestLog(t, s)

		_, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
		require.NoError(t, err)
		again, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Nil(t, again.Event)

		events, err := l.ReadSince(t.Context(), sess.ID, 0, 0)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("keys are scoped by org", func(t *testing.T) {
		s := store.NewMockStore()
		sess := storetest.NewSession(t, s, "org1")
		l, _ := newTestLog(t, s)

		_, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
		require.NoError(t, err)
		other, err := l.RecordInbound(t.Context(), "org2", "k1", userMessage(sess.ID, "hi"))
		require.NoError(t, err)
		assert.False(t, other.Duplicate)
	})
}

// countingStore counts RecordInbound calls that reach the store.
type countingStore struct {
	store.Store
	recordCalls atomic.Int32
}

func (c *countingStore) RecordInbound(ctx context.Context, orgID, key string, ev *store.NewEvent) (*store.InboundRecord, *store.SessionEvent, bool, error) {
	c.recordCalls.Add(1)
	return c.Store.RecordInbound(ctx, orgID, key, ev)
}

func TestCompletedOutcomeServedFromCache(t *testing.T) {
	cs := &countingStore{Store: store.NewMockStore()}
	sess := storetest.NewSession(t, cs, "org1")
	l, _ := newTestLog(t, cs)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	final := *in.Record
	final.Status = store.InboundRejected
	final.ErrorCode = "NO_AGENT_AVAILABLE"
	final.ErrorMessage = "no eligible agent is connected"
	require.NoError(t, l.CompleteInbound(t.Context(), &final))

	replay, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, store.InboundRejected, replay.Record.Status)
	assert.Equal(t, "NO_AGENT_AVAILABLE", replay.Record.ErrorCode)
	assert.Equal(t, int32(1), cs.recordCalls.Load())
}

func TestCompleteInboundRejectsPending(t *testing.T) {
	l, _ := newTestLog(t, store.NewMockStore())
	err := l.CompleteInbound(t.Context(), &store.InboundRecord{Status: store.InboundPending})
	assert.Error(t, err)
}

func TestCompleteInboundRetriesTransientFailures(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	s.FailCompleteInbound(2)
	in.Record.Status = store.InboundAccepted
	in.Record.AgentID = "agent-1"
	require.NoError(t, l.CompleteInbound(t.Context(), in.Record))

	rec, err := s.GetInbound(t.Context(), "org1", sess.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.InboundAccepted, rec.Status)
}

func TestCompleteInboundReportsPersistentFailure(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	s.FailCompleteInbound(100)
	in.Record.Status = store.InboundAccepted
	err = l.CompleteInbound(t.Context(), in.Record)
	require.ErrorIs(t, err, store.ErrInjected)

	rec, err := s.GetInbound(t.Context(), "org1", sess.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.InboundPending, rec.Status)

	// the replay is not served a cached outcome that was never stored
	replay, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)
	assert.Equal(t, store.InboundPending, replay.Record.Status)
}

func TestCompleteInboundLosesToEarlierOutcome(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	first := *in.Record
	first.Status = store.InboundAccepted
	first.RequestID = "req-1"
	require.NoError(t, l.CompleteInbound(t.Context(), &first))

	second := *in.Record
	second.Status = store.InboundRejected
	second.ErrorCode = "NO_AGENT_AVAILABLE"
	require.ErrorIs(t, l.CompleteInbound(t.Context(), &second), store.ErrConflict)

	rec, err := s.GetInbound(t.Context(), "org1", sess.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", rec.RequestID)
}

func TestAwaitInboundReturnsFinalOutcome(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		rec := *in.Record
		rec.Status = store.InboundAccepted
		rec.RequestID = "req-1"
		done <- l.CompleteInbound(context.Background(), &rec)
	}()

	rec, claimed, err := l.AwaitInbound(t.Context(), in.Record, 2*time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, <-done)
	assert.False(t, claimed)
	assert.Equal(t, store.InboundAccepted, rec.Status)
	assert.Equal(t, "req-1", rec.RequestID)
}

func TestAwaitInboundGivesUpOnLiveAttempt(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)

	start := time.Now()
	_, claimed, err := l.AwaitInbound(t.Context(), in.Record, 30*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, ErrInboundPending)
	assert.False(t, claimed)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestAwaitInboundClaimsStaleRecord(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	in, err := l.RecordInbound(t.Context(), "org1", "k1", userMessage(sess.ID, "hi"))
	require.NoError(t, err)
	abandoned := *in.Record

	rec, claimed, err := l.AwaitInbound(t.Context(), in.Record, 2*time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, claimed)
	assert.Equal(t, store.InboundPending, rec.Status)
	assert.Equal(t, abandoned.Attempt+1, rec.Attempt)
	assert.Equal(t, abandoned.EventSeq, rec.EventSeq)

	// the abandoned attempt can no longer finalize the record
	abandoned.Status = store.InboundAccepted
	require.ErrorIs(t, l.CompleteInbound(t.Context(), &abandoned), store.ErrConflict)

	rec.Status = store.InboundAccepted
	rec.RequestID = "req-2"
	require.NoError(t, l.CompleteInbound(t.Context(), rec))
}

func TestConcurrentRecordInboundSameKey(t *testing.T) {
	s := setupTestStore(t)
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)

	const senders = 10
	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			in, err := l.RecordInbound(t.Context(), "org1", "same-key", userMessage(sess.ID, "hi"))
			if !assert.NoError(t, err) {
				return
			}
			if !in.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	events, err := l.ReadSince(t.Context(), sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReadSinceClampsLimit(t *testing.T) {
	s := store.NewMockStore()
	sess := storetest.NewSession(t, s, "org1")
	l, _ := newTestLog(t, s)
	for range 5 {
		_, err := l.Append(t.Context(), &store.NewEvent{SessionID: sess.ID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
		require.NoError(t, err)
	}

	events, err := l.ReadSince(t.Context(), sess.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(3), events[0].Seq)

	events, err = l.ReadSince(t.Context(), sess.ID, -5, 0)
	require.NoError(t, err)
	assert.Len(t, events, 5)
}
