// ABOUTME: Conformance suite shared by every store.Store implementation
// ABOUTME: Exercises pairing redemption, pin compare-and-set, gap-free seq and idempotent inbound records

package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// Factory returns a fresh, empty store for one test.
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("RedeemPairingToken", func(t *testing.T) { testRedeem(t, newStore(t)) })
	t.Run("ConcurrentRedeem", func(t *testing.T) { testConcurrentRedeem(t, newStore(t)) })
	t.Run("AgentLifecycle", func(t *testing.T) { testAgentLifecycle(t, newStore(t)) })
	t.Run("Sessions", func(t *testing.T) { testSessions(t, newStore(t)) })
	t.Run("PinCompareAndSet", func(t *testing.T) { testPinCAS(t, newStore(t)) })
	t.Run("AppendGapFree", func(t *testing.T) { testAppendGapFree(t, newStore(t)) })
	t.Run("RecordInbound", func(t *testing.T) { testRecordInbound(t, newStore(t)) })
	t.Run("ConcurrentRecordInbound", func(t *testing.T) { testConcurrentRecordInbound(t, newStore(t)) })
	t.Run("ClaimInbound", func(t *testing.T) { testClaimInbound(t, newStore(t)) })
	t.Run("ListEventsSince", func(t *testing.T) { testListEventsSince(t, newStore(t)) })
}

// NewToken stores a pairing token for orgID and returns its hash.
func NewToken(t *testing.T, s store.Store, orgID string, ttl time.Duration) string {
	t.Helper()
	hash := "hash-" + uuid.NewString()
	now := time.Now().UTC()
	require.NoError(t, s.CreatePairingToken(t.Context(), &store.PairingToken{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		TokenHash: hash,
		CreatedBy: "operator-1",
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}))
	return hash
}

// NewAgent pairs an agent into orgID through a fresh token.
func NewAgent(t *testing.T, s store.Store, orgID string, caps ...string) *store.Agent {
	t.Helper()
	agent := &store.Agent{
		ID:             uuid.NewString(),
		Name:           "agent",
		CredentialHash: "bcrypt-hash",
		Capabilities:   caps,
		Tags:           []string{"gpu"},
		Labels:         map[string]string{"region": "eu"},
		Version:        "1.0.0",
	}
	require.NoError(t, s.RedeemPairingToken(t.Context(), NewToken(t, s, orgID, time.Minute), time.Now().UTC(), agent))
	return agent
}

// NewSession creates an unpinned session in orgID.
func NewSession(t *testing.T, s store.Store, orgID string) *store.Session {
	t.Helper()
	now := time.Now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		CreatedBy: "user-1",
		Title:     "conformance",
		Status:    store.SessionStatusActive,
		Engine:    store.DefaultEngine,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(t.Context(), sess))
	return sess
}

// AppendWithRetry appends, retrying ErrConflict the way the event log does.
func AppendWithRetry(ctx context.Context, s store.Store, ev *store.NewEvent) (*store.SessionEvent, error) {
	for attempt := 0; attempt < 100; attempt++ {
		out, err := s.AppendEvent(ctx, ev)
		if errors.Is(err, store.ErrConflict) {
			time.Sleep(time.Millisecond)
			continue
		}
		return out, err
	}
	return nil, store.ErrConflict
}

func testRedeem(t *testing.T, s store.Store) {
	ctx := t.Context()
	hash := NewToken(t, s, "org-1", time.Minute)

	agent := &store.Agent{ID: "agent-1", Name: "one", CredentialHash: "h", Capabilities: []string{"agent.run"}}
	require.NoError(t, s.RedeemPairingToken(ctx, hash, time.Now().UTC(), agent))
	assert.Equal(t, "org-1", agent.OrgID)

	err := s.RedeemPairingToken(ctx, hash, time.Now().UTC(), &store.Agent{ID: "agent-2", Name: "two", CredentialHash: "h"})
	assert.ErrorIs(t, err, store.ErrTokenUsed)

	expired := NewToken(t, s, "org-1", time.Minute)
	err = s.RedeemPairingToken(ctx, expired, time.Now().Add(2*time.Minute), &store.Agent{ID: "agent-3", Name: "three", CredentialHash: "h"})
	assert.ErrorIs(t, err, store.ErrTokenExpired)

	err = s.RedeemPairingToken(ctx, "no-such-hash", time.Now().UTC(), &store.Agent{ID: "agent-4", Name: "four", CredentialHash: "h"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetAgent(ctx, "agent-2")
	assert.ErrorIs(t, err, store.ErrNotFound, "failed redemption must not create an agent")
}

func testConcurrentRedeem(t *testing.T, s store.Store) {
	hash := NewToken(t, s, "org-1", time.Minute)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := &store.Agent{ID: fmt.Sprintf("racer-%d", i), Name: "racer", CredentialHash: "h"}
			err := s.RedeemPairingToken(context.Background(), hash, time.Now().UTC(), agent)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, store.ErrTokenUsed)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	agents, err := s.ListAgents(t.Context(), "org-1")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func testAgentLifecycle(t *testing.T, s store.Store) {
	ctx := t.Context()
	agent := NewAgent(t, s, "org-1", "agent.run")
	NewAgent(t, s, "org-2", "agent.run")

	got, err := s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.run"}, got.Capabilities)
	assert.Equal(t, []string{"gpu"}, got.Tags)
	assert.Equal(t, map[string]string{"region": "eu"}, got.Labels)
	assert.Nil(t, got.LastSeenAt)
	assert.False(t, got.Revoked())

	require.NoError(t, s.UpdateAgentHello(ctx, agent.ID, []string{"agent.run", "workflow.run"}, "2.0.0"))
	seen := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.TouchAgent(ctx, agent.ID, seen))

	first := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.RevokeAgent(ctx, agent.ID, first))
	require.NoError(t, s.RevokeAgent(ctx, agent.ID, first.Add(time.Hour)))

	got, err = s.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.run", "workflow.run"}, got.Capabilities)
	assert.Equal(t, "2.0.0", got.Version)
	require.NotNil(t, got.LastSeenAt)
	assert.True(t, seen.Equal(*got.LastSeenAt))
	require.NotNil(t, got.RevokedAt)
	assert.True(t, first.Equal(*got.RevokedAt), "second revoke keeps the first timestamp")

	assert.ErrorIs(t, s.RevokeAgent(ctx, "missing", first), store.ErrNotFound)

	agents, err := s.ListAgents(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, agent.ID, agents[0].ID)
}

func testSessions(t *testing.T, s store.Store) {
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Millisecond)
	sess := &store.Session{
		ID:        "sess-1",
		OrgID:     "org-1",
		CreatedBy: "user-1",
		Title:     "hello",
		Status:    store.SessionStatusActive,
		Engine:    store.DefaultEngine,
		Toolset:   json.RawMessage(`{"name":"default"}`),
		LLM:       json.RawMessage(`{"model":"m"}`),
		ToolAllow: []string{"shell", "http"},
		Selector:  store.Selector{Tag: "gpu", Labels: map[string]string{"region": "eu"}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), store.ErrConflict)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, store.SessionStatusActive, got.Status)
	assert.JSONEq(t, `{"name":"default"}`, string(got.Toolset))
	assert.JSONEq(t, `{"model":"m"}`, string(got.LLM))
	assert.Equal(t, []string{"shell", "http"}, got.ToolAllow)
	assert.Equal(t, sess.Selector, got.Selector)
	assert.Empty(t, got.PinnedAgentID)
	assert.True(t, now.Equal(got.CreatedAt))

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	NewSession(t, s, "org-2")
	list, err := s.ListSessions(ctx, "org-1", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sess-1", list[0].ID)
}

func testPinCAS(t *testing.T, s store.Store) {
	ctx := t.Context()
	sess := NewSession(t, s, "org-1")

	const racers = 16
	results := make([]string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pinned, err := s.PinSessionAgent(context.Background(), sess.ID, fmt.Sprintf("agent-%d", i))
			assert.NoError(t, err)
			results[i] = pinned
		}(i)
	}
	wg.Wait()

	winner := results[0]
	require.NotEmpty(t, winner)
	for _, r := range results {
		assert.Equal(t, winner, r, "every racer must observe the same pin")
	}

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.PinnedAgentID)

	pinned, err := s.PinSessionAgent(ctx, sess.ID, "late-agent")
	require.NoError(t, err)
	assert.Equal(t, winner, pinned, "pinning an already pinned session keeps the pin")

	require.NoError(t, s.ResetSessionAgent(ctx, sess.ID))
	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, got.PinnedAgentID)

	pinned, err = s.PinSessionAgent(ctx, sess.ID, "fresh-agent")
	require.NoError(t, err)
	assert.Equal(t, "fresh-agent", pinned)

	_, err = s.PinSessionAgent(ctx, "missing", "a")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.ResetSessionAgent(ctx, "missing"), store.ErrNotFound)
}

func testAppendGapFree(t *testing.T, s store.Store) {
	sess := NewSession(t, s, "org-1")

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := AppendWithRetry(context.Background(), s, &store.NewEvent{
					SessionID: sess.ID,
					EventType: store.EventAgentMessage,
					Level:     store.LevelInfo,
					Payload:   json.RawMessage(fmt.Sprintf(`{"writer":%d,"i":%d}`, w, i)),
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	events, err := s.ListEventsSince(t.Context(), sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, writers*perWriter)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq, "seq must be exactly 1..k")
	}
}

func testRecordInbound(t *testing.T, s store.Store) {
	ctx := t.Context()
	sess := NewSession(t, s, "org-1")
	ev := &store.NewEvent{
		SessionID: sess.ID,
		EventType: store.EventUserMessage,
		Level:     store.LevelInfo,
		Payload:   json.RawMessage(`{"message":"hi"}`),
	}

	rec, event, dup, err := s.RecordInbound(ctx, "org-1", "k1", ev)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, store.InboundPending, rec.Status)
	assert.Equal(t, int64(1), event.Seq)
	assert.Equal(t, int64(1), rec.EventSeq)
	assert.Equal(t, "k1", event.IdempotencyKey)

	rec.Status = store.InboundRejected
	rec.ErrorCode = "NO_AGENT_AVAILABLE"
	rec.ErrorMessage = "no eligible agent is connected"
	require.NoError(t, s.CompleteInbound(ctx, rec))

	// A final record is never overwritten.
	err = s.CompleteInbound(ctx, &store.InboundRecord{
		OrgID: "org-1", SessionID: sess.ID, IdempotencyKey: "k1", Status: store.InboundAccepted, AgentID: "x",
	})
	assert.ErrorIs(t, err, store.ErrConflict)
	_, err = s.ClaimInbound(ctx, rec)
	assert.ErrorIs(t, err, store.ErrConflict, "final records cannot be claimed")

	again, event, dup, err := s.RecordInbound(ctx, "org-1", "k1", ev)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Nil(t, event)
	assert.Equal(t, store.InboundRejected, again.Status)
	assert.Equal(t, "NO_AGENT_AVAILABLE", again.ErrorCode)
	assert.Equal(t, "no eligible agent is connected", again.ErrorMessage)
	assert.Equal(t, int64(1), again.EventSeq)

	// Keys are scoped per session.
	other := NewSession(t, s, "org-1")
	_, _, dup, err = s.RecordInbound(ctx, "org-1", "k1", &store.NewEvent{SessionID: other.ID, EventType: store.EventUserMessage, Level: store.LevelInfo})
	require.NoError(t, err)
	assert.False(t, dup)

	events, err := s.ListEventsSince(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = s.GetInbound(ctx, "org-1", sess.ID, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testConcurrentRecordInbound(t *testing.T, s store.Store) {
	sess := NewSession(t, s, "org-1")

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, _, dup, err := s.RecordInbound(context.Background(), "org-1", "same-key", &store.NewEvent{
					SessionID: sess.ID, EventType: store.EventUserMessage, Level: store.LevelInfo,
				})
				if errors.Is(err, store.ErrConflict) {
					continue
				}
				assert.NoError(t, err)
				if !dup {
					fresh.Add(1)
				}
				return
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	events, err := s.ListEventsSince(t.Context(), sess.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1, "exactly one inbound event per idempotency key")
}

func testClaimInbound(t *testing.T, s store.Store) {
	ctx := t.Context()
	sess := NewSession(t, s, "org-1")
	stale, _, _, err := s.RecordInbound(ctx, "org-1", "k1", &store.NewEvent{
		SessionID: sess.ID, EventType: store.EventUserMessage, Level: store.LevelInfo,
	})
	require.NoError(t, err)
	assert.Zero(t, stale.Attempt)

	claimed, err := s.ClaimInbound(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempt)
	assert.Equal(t, store.InboundPending, claimed.Status)
	assert.Equal(t, stale.EventSeq, claimed.EventSeq)

	// The superseded attempt can neither claim again nor complete.
	_, err = s.ClaimInbound(ctx, stale)
	assert.ErrorIs(t, err, store.ErrConflict)
	late := *stale
	late.Status = store.InboundAccepted
	late.AgentID = "slow"
	assert.ErrorIs(t, s.CompleteInbound(ctx, &late), store.ErrConflict)

	final := *claimed
	final.Status = store.InboundAccepted
	final.AgentID = "fresh"
	require.NoError(t, s.CompleteInbound(ctx, &final))

	got, err := s.GetInbound(ctx, "org-1", sess.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, store.InboundAccepted, got.Status)
	assert.Equal(t, "fresh", got.AgentID)
	assert.Equal(t, 1, got.Attempt)
}

func testListEventsSince(t *testing.T, s store.Store) {
	ctx := t.Context()
	sess := NewSession(t, s, "org-1")
	for i := 0; i < 5; i++ {
		_, err := AppendWithRetry(ctx, s, &store.NewEvent{
			SessionID: sess.ID,
			EventType: store.EventAgentMessage,
			Level:     store.LevelInfo,
			RequestID: "req-1",
		})
		require.NoError(t, err)
	}

	events, err := s.ListEventsSince(ctx, sess.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), events[0].Seq)
	assert.Equal(t, "req-1", events[0].RequestID)
	assert.Nil(t, events[0].Payload)

	events, err = s.ListEventsSince(ctx, sess.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[1].Seq)

	events, err = s.ListEventsSince(ctx, sess.ID, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
