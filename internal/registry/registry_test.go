// ABOUTME: Tests for the agent registry and pairing service
// ABOUTME: Covers token TTL, single use, concurrent redemption, credential auth and soft revocation

package registry

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Now().UTC()}
	r := New(setupTestStore(t), Config{
		Pepper:     "test-pepper",
		TokenTTL:   10 * time.Minute,
		BcryptCost: bcrypt.MinCost,
		Now:        clock.Now,
	}, testLogger())
	return r, clock
}

var runIdentity = AgentIdentity{
	Name:         "worker-1",
	Capabilities: []string{"agent.run"},
	Tags:         []string{"gpu"},
	Labels:       map[string]string{"group": "blue"},
	Version:      "0.4.0",
}

func TestPairing_IssueAndRedeem(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := t.Context()

	token, expiresAt, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)
	assert.Regexp(t, `^vpt_[A-Za-z0-9_-]{43}$`, token)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), expiresAt, time.Minute)

	cred, err := r.RedeemPairingToken(ctx, token, runIdentity)
	require.NoError(t, err)
	assert.Equal(t, "org-1", cred.OrgID)
	assert.NotEmpty(t, cred.AgentID)

	agent, err := r.Authenticate(ctx, cred.String())
	require.NoError(t, err)
	assert.Equal(t, cred.AgentID, agent.ID)
	assert.Equal(t, "worker-1", agent.Name)

	info, err := r.LookupAgent(ctx, cred.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.run"}, info.Capabilities)
	assert.Equal(t, []string{"gpu"}, info.Tags)
	assert.Equal(t, map[string]string{"group": "blue"}, info.Labels)
	assert.False(t, info.Revoked)
}

func TestPairing_TokenSingleUse(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := t.Context()

	token, _, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)

	_, err = r.RedeemPairingToken(ctx, token, runIdentity)
	require.NoError(t, err)

	_, err = r.RedeemPairingToken(ctx, token, runIdentity)
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, CodeTokenAlreadyUsed, Code(err))
}

func TestPairing_TokenExpired(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := t.Context()

	token, _, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)

	clock.Advance(10*time.Minute + time.Second)

	_, err = r.RedeemPairingToken(ctx, token, runIdentity)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, CodeTokenExpired, Code(err))

	agents, err := r.ListAgents(ctx, "org-1")
	require.NoError(t, err)
	assert.Empty(t, agents, "no state is mutated by a rejected redemption")
}

func TestPairing_InvalidToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.RedeemPairingToken(t.Context(), "vpt_doesnotexist", runIdentity)
	assert.ErrorIs(t, err, ErrTokenInvalid)

	_, err = r.RedeemPairingToken(t.Context(), "not-a-token", runIdentity)
	assert.ErrorIs(t, err, ErrTokenInvalid)
	assert.Equal(t, CodeTokenInvalid, Code(err))
}

func TestPairing_TokenHashedWithPepper(t *testing.T) {
	r, _ := newTestRegistry(t)
	other := New(store.NewMockStore(), Config{Pepper: "other-pepper"}, testLogger())

	assert.NotEqual(t, r.hashToken("vpt_x"), other.hashToken("vpt_x"))
	assert.Equal(t, r.hashToken("vpt_x"), r.hashToken("vpt_x"))
	assert.Len(t, r.hashToken("vpt_x"), 64)
}

func TestPairing_ConcurrentRedemption(t *testing.T) {
	r, _ := newTestRegistry(t)

	token, _, err := r.IssuePairingToken(t.Context(), "org-1", "operator-1")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.RedeemPairingToken(context.Background(), token, runIdentity); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestRegistry_Authenticate(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := t.Context()

	token, _, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)
	cred, err := r.RedeemPairingToken(ctx, token, runIdentity)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
		wantErr    error
	}{
		{"valid", cred.String(), nil},
		{"wrong secret", "vpa_" + cred.AgentID + "_wrong", ErrInvalidCredential},
		{"unknown agent", "vpa_00000000-0000-0000-0000-000000000000_" + cred.Secret, ErrInvalidCredential},
		{"missing prefix", cred.AgentID + "_" + cred.Secret, ErrInvalidCredential},
		{"empty", "", ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Authenticate(ctx, tt.credential)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRegistry_RevokeIsSoft(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := t.Context()

	token, _, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)
	cred, err := r.RedeemPairingToken(ctx, token, runIdentity)
	require.NoError(t, err)

	require.NoError(t, r.CheckActive(ctx, cred.AgentID))
	require.NoError(t, r.RevokeAgent(ctx, cred.AgentID))
	require.NoError(t, r.RevokeAgent(ctx, cred.AgentID), "revoking twice is harmless")

	_, err = r.Authenticate(ctx, cred.String())
	assert.ErrorIs(t, err, ErrAgentRevoked)
	assert.Equal(t, CodeAgentRevoked, Code(err))
	assert.ErrorIs(t, r.CheckActive(ctx, cred.AgentID), ErrAgentRevoked)

	info, err := r.LookupAgent(ctx, cred.AgentID)
	require.NoError(t, err, "revoked agents are never deleted")
	assert.True(t, info.Revoked)

	assert.ErrorIs(t, r.RevokeAgent(ctx, "missing"), ErrAgentNotFound)
	_, err = r.LookupAgent(ctx, "missing")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRegistry_RecordHello(t *testing.T) {
	r, clock := newTestRegistry(t)
	ctx := t.Context()

	token, _, err := r.IssuePairingToken(ctx, "org-1", "operator-1")
	require.NoError(t, err)
	cred, err := r.RedeemPairingToken(ctx, token, runIdentity)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, r.RecordHello(ctx, cred.AgentID, []string{"agent.run", "workflow.run"}, "0.5.0"))

	info, err := r.LookupAgent(ctx, cred.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent.run", "workflow.run"}, info.Capabilities)
	require.NotNil(t, info.LastSeenAt)
	assert.True(t, clock.Now().Equal(*info.LastSeenAt))
}

func TestParseCredential(t *testing.T) {
	tests := []struct {
		in         string
		wantAgent  string
		wantSecret string
		wantOK     bool
	}{
		{"vpa_abc_def", "abc", "def", true},
		{"vpa_abc_de_f-g", "abc", "de_f-g", true},
		{"vpa_abc", "", "", false},
		{"vpa__secret", "", "", false},
		{"vpt_abc_def", "", "", false},
	}
	for _, tt := range tests {
		agent, secret, ok := parseCredential(tt.in)
		assert.Equal(t, tt.wantOK, ok, tt.in)
		assert.Equal(t, tt.wantAgent, agent, tt.in)
		assert.Equal(t, tt.wantSecret, secret, tt.in)
	}
}
