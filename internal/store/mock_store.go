// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory maps with the same compare-and-set and uniqueness semantics as SQL, plus fault injection

package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.Mutex
	agents   map[string]*Agent
	tokens   map[string]*PairingToken // keyed by token hash
	sessions map[string]*Session
	events   map[string][]*SessionEvent // keyed by session ID, ordered by seq
	inbound  map[string]*InboundRecord  // keyed by org|session|key

	// AppendConflicts makes the next N appends fail with ErrConflict,
	// simulating writers in other processes winning the seq race.
	AppendConflicts int
	// PingErr is returned by Ping when set.
	PingErr error

	completeFailures int
	pinConflicts     int
}

// ErrInjected is returned by operations failed through the fault hooks.
var ErrInjected = errors.New("mock store: injected failure")

// FailCompleteInbound makes the next n CompleteInbound calls fail with ErrInjected.
func (m *MockStore) FailCompleteInbound(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completeFailures = n
}

// ConflictPins makes the next n PinSessionAgent calls fail with ErrConflict,
// as when a reset lands between the pin update and its re-read.
func (m *MockStore) ConflictPins(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinConflicts = n
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*Agent),
		tokens:   make(map[string]*PairingToken),
		sessions: make(map[string]*Session),
		events:   make(map[string][]*SessionEvent),
		inbound:  make(map[string]*InboundRecord),
	}
}

func inboundKey(orgID, sessionID, key string) string {
	return orgID + "|" + sessionID + "|" + key
}

// CreatePairingToken stores a pairing token.
func (m *MockStore) CreatePairingToken(ctx context.Context, token *PairingToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := *token
	m.tokens[t.TokenHash] = &t
	return nil
}

// RedeemPairingToken marks the token used and stores the agent.
func (m *MockStore) RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tokens[tokenHash]
	if !ok {
		return ErrNotFound
	}
	if t.UsedAt != nil {
		return ErrTokenUsed
	}
	if !now.Before(t.ExpiresAt) {
		return ErrTokenExpired
	}
	usedAt := now
	t.UsedAt = &usedAt
	t.UsedByAgentID = agent.ID

	agent.OrgID = t.OrgID
	agent.CreatedAt = now
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// ListAgents returns the agents of an organization, oldest first.
func (m *MockStore) ListAgents(ctx context.Context, orgID string) ([]*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Agent
	for _, a := range m.agents {
		if a.OrgID == orgID {
			result := *a
			out = append(out, &result)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateAgentHello records declared capabilities and version.
func (m *MockStore) UpdateAgentHello(ctx context.Context, id string, capabilities []string, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Capabilities = slices.Clone(capabilities)
	a.Version = version
	return nil
}

// TouchAgent updates LastSeenAt.
func (m *MockStore) TouchAgent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.LastSeenAt = &at
	return nil
}

// RevokeAgent sets RevokedAt once.
func (m *MockStore) RevokeAgent(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrNotFound
	}
	if a.RevokedAt == nil {
		a.RevokedAt = &at
	}
	return nil
}

// CreateSession stores a session.
func (m *MockStore) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[session.ID]; exists {
		return ErrConflict
	}
	s := *session
	m.sessions[s.ID] = &s
	return nil
}

// GetSession retrieves a session by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// ListSessions returns an organization's sessions, newest first.
func (m *MockStore) ListSessions(ctx context.Context, orgID string, limit int) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Session
	for _, s := range m.sessions {
		if s.OrgID == orgID {
			result := *s
			out = append(out, &result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PinSessionAgent pins only an unpinned session and returns the current pin.
func (m *MockStore) PinSessionAgent(ctx context.Context, sessionID, agentID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pinConflicts > 0 {
		m.pinConflicts--
		return "", ErrConflict
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return "", ErrNotFound
	}
	if s.PinnedAgentID == "" {
		s.PinnedAgentID = agentID
		s.UpdatedAt = time.Now()
	}
	return s.PinnedAgentID, nil
}

// ResetSessionAgent clears the pin.
func (m *MockStore) ResetSessionAgent(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.PinnedAgentID = ""
	s.UpdatedAt = time.Now()
	return nil
}

// appendLocked assigns the next seq. Must be called with mu held.
func (m *MockStore) appendLocked(ev *NewEvent, key string) (*SessionEvent, error) {
	if _, ok := m.sessions[ev.SessionID]; !ok {
		return nil, ErrNotFound
	}
	if m.AppendConflicts > 0 {
		m.AppendConflicts--
		return nil, ErrConflict
	}
	log := m.events[ev.SessionID]
	event := &SessionEvent{
		SessionID:      ev.SessionID,
		Seq:            int64(len(log)) + 1,
		EventType:      ev.EventType,
		Level:          ev.Level,
		Payload:        ev.Payload,
		RequestID:      ev.RequestID,
		IdempotencyKey: key,
		CreatedAt:      time.Now().UTC(),
	}
	m.events[ev.SessionID] = append(log, event)
	return event, nil
}

// AppendEvent appends an event with the next seq.
func (m *MockStore) AppendEvent(ctx context.Context, ev *NewEvent) (*SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, err := m.appendLocked(ev, "")
	if err != nil {
		return nil, err
	}
	result := *event
	return &result, nil
}

// RecordInbound inserts the idempotency record and event, or returns the existing record.
func (m *MockStore) RecordInbound(ctx context.Context, orgID, key string, ev *NewEvent) (*InboundRecord, *SessionEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := inboundKey(orgID, ev.SessionID, key)
	if rec, ok := m.inbound[k]; ok {
		result := *rec
		return &result, nil, true, nil
	}

	event, err := m.appendLocked(ev, key)
	if err != nil {
		return nil, nil, false, err
	}
	now := time.Now().UTC()
	rec := &InboundRecord{
		OrgID:          orgID,
		SessionID:      ev.SessionID,
		IdempotencyKey: key,
		EventSeq:       event.Seq,
		Status:         InboundPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.inbound[k] = rec

	recCopy, evCopy := *rec, *event
	return &recCopy, &evCopy, false, nil
}

// GetInbound loads an idempotency record.
func (m *MockStore) GetInbound(ctx context.Context, orgID, sessionID, key string) (*InboundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.inbound[inboundKey(orgID, sessionID, key)]
	if !ok {
		return nil, ErrNotFound
	}
	result := *rec
	return &result, nil
}

// CompleteInbound finalizes a pending record.
func (m *MockStore) CompleteInbound(ctx context.Context, rec *InboundRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeFailures > 0 {
		m.completeFailures--
		return ErrInjected
	}
	existing, ok := m.inbound[inboundKey(rec.OrgID, rec.SessionID, rec.IdempotencyKey)]
	if !ok || existing.Status != InboundPending || existing.Attempt != rec.Attempt {
		return ErrConflict
	}
	existing.Status = rec.Status
	existing.AgentID = rec.AgentID
	existing.RequestID = rec.RequestID
	existing.ErrorCode = rec.ErrorCode
	existing.ErrorMessage = rec.ErrorMessage
	existing.UpdatedAt = time.Now().UTC()
	return nil
}

// ClaimInbound takes over a pending record at rec.Attempt.
func (m *MockStore) ClaimInbound(ctx context.Context, rec *InboundRecord) (*InboundRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.inbound[inboundKey(rec.OrgID, rec.SessionID, rec.IdempotencyKey)]
	if !ok || existing.Status != InboundPending || existing.Attempt != rec.Attempt {
		return nil, ErrConflict
	}
	existing.Attempt++
	existing.UpdatedAt = time.Now().UTC()
	result := *existing
	return &result, nil
}

// ListEventsSince returns events after afterSeq in order.
func (m *MockStore) ListEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*SessionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*SessionEvent
	for _, ev := range m.events[sessionID] {
		if ev.Seq <= afterSeq {
			continue
		}
		result := *ev
		out = append(out, &result)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ping returns PingErr.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.PingErr
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
