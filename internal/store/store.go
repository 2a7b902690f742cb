// ABOUTME: Store interface and data types for vespid-gateway persistence
// ABOUTME: Defines agents, pairing tokens, sessions, session events and inbound records

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write loses a uniqueness race (for example two
// appends computing the same seq). Callers retry.
var ErrConflict = errors.New("conflict")

// Pairing token redemption errors
var (
	ErrTokenExpired = errors.New("pairing token expired")
	ErrTokenUsed    = errors.New("pairing token already used")
)

// Agent is a paired execution agent. Agents are soft-revoked, never deleted.
type Agent struct {
	ID             string
	OrgID          string
	Name           string
	CredentialHash string
	Capabilities   []string
	Tags           []string
	Labels         map[string]string
	Version        string
	CreatedAt      time.Time
	LastSeenAt     *time.Time
	RevokedAt      *time.Time
}

// Revoked reports whether the agent has been revoked.
func (a *Agent) Revoked() bool {
	return a.RevokedAt != nil
}

// HasCapability reports whether the agent advertises the given execution kind.
func (a *Agent) HasCapability(kind string) bool {
	return slices.Contains(a.Capabilities, kind)
}

// PairingToken is a short-lived single-use token exchanged for an agent credential.
// Only the keyed hash of the token value is stored.
type PairingToken struct {
	ID            string
	OrgID         string
	TokenHash     string
	CreatedBy     string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	UsedAt        *time.Time
	UsedByAgentID string
}

// SessionStatus is the lifecycle state of a session
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

// DefaultEngine is the execution kind used when a session does not name one.
const DefaultEngine = "agent.run"

// Selector picks an agent at first-pin time.
type Selector struct {
	AgentID string            `json:"agentId,omitempty"`
	Tag     string            `json:"tag,omitempty"`
	Group   string            `json:"group,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// Session is an organization-scoped conversation executed by one pinned agent.
// PinnedAgentID is empty while unpinned.
type Session struct {
	ID            string
	OrgID         string
	CreatedBy     string
	Title         string
	Status        SessionStatus
	Engine        string
	Toolset       json.RawMessage
	LLM           json.RawMessage
	ToolAllow     []string
	Selector      Selector
	PinnedAgentID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Event types written to the session log
const (
	EventUserMessage  = "user_message"
	EventAgentMessage = "agent_message"
	EventAgentFinal   = "agent_final"
	EventAgentError   = "agent_error"
)

// Event levels
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// IsTerminal reports whether an event type ends an execution.
func IsTerminal(eventType string) bool {
	return eventType == EventAgentFinal || eventType == EventAgentError
}

// SessionEvent is an immutable row of a session's log, identified by (SessionID, Seq).
type SessionEvent struct {
	SessionID      string
	Seq            int64
	EventType      string
	Level          string
	Payload        json.RawMessage
	RequestID      string
	IdempotencyKey string
	CreatedAt      time.Time
}

// NewEvent describes an event to append. The store assigns Seq and CreatedAt.
type NewEvent struct {
	SessionID string
	EventType string
	Level     string
	Payload   json.RawMessage
	RequestID string
}

// InboundStatus is the recorded outcome of an inbound send
type InboundStatus string

const (
	InboundPending  InboundStatus = "pending"
	InboundAccepted InboundStatus = "accepted"
	InboundRejected InboundStatus = "rejected"
)

// InboundRecord is the idempotency record for one client send, keyed by
// (OrgID, SessionID, IdempotencyKey).
type InboundRecord struct {
	OrgID          string
	SessionID      string
	IdempotencyKey string
	EventSeq       int64
	Status         InboundStatus
	AgentID        string
	RequestID      string
	ErrorCode      string
	ErrorMessage   string
	// Attempt counts takeovers of a stale pending record; completion and
	// claims are fenced on it.
	Attempt   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store defines the interface for gateway persistence.
//
// PinSessionAgent, AppendEvent and RecordInbound are the only operations
// raced by concurrent request flows; implementations back them with
// compare-and-set updates and unique constraints.
type Store interface {
	// Pairing and agents
	CreatePairingToken(ctx context.Context, token *PairingToken) error
	// RedeemPairingToken marks the token used and inserts agent in one
	// transaction. agent.OrgID is taken from the token.
	RedeemPairingToken(ctx context.Context, tokenHash string, now time.Time, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	ListAgents(ctx context.Context, orgID string) ([]*Agent, error)
	UpdateAgentHello(ctx context.Context, id string, capabilities []string, version string) error
	TouchAgent(ctx context.Context, id string, at time.Time) error
	RevokeAgent(ctx context.Context, id string, at time.Time) error

	// Sessions
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context, orgID string, limit int) ([]*Session, error)
	// PinSessionAgent sets the pin only if it is currently empty and returns
	// whichever agent id is pinned afterwards.
	PinSessionAgent(ctx context.Context, sessionID, agentID string) (string, error)
	ResetSessionAgent(ctx context.Context, sessionID string) error

	// Events and idempotency
	// AppendEvent assigns the next seq. A lost race returns ErrConflict.
	AppendEvent(ctx context.Context, ev *NewEvent) (*SessionEvent, error)
	// RecordInbound inserts the inbound record and its event atomically.
	// If the key exists, it returns the existing record and duplicate=true.
	RecordInbound(ctx context.Context, orgID, key string, ev *NewEvent) (rec *InboundRecord, event *SessionEvent, duplicate bool, err error)
	GetInbound(ctx context.Context, orgID, sessionID, key string) (*InboundRecord, error)
	// CompleteInbound moves a pending record at rec.Attempt to its final
	// outcome. A record that is already final, or was claimed by a later
	// attempt, is left untouched and ErrConflict is returned.
	CompleteInbound(ctx context.Context, rec *InboundRecord) error
	// ClaimInbound takes over a pending record at rec.Attempt and returns it
	// with the attempt incremented. ErrConflict means another caller claimed
	// or completed it first.
	ClaimInbound(ctx context.Context, rec *InboundRecord) (*InboundRecord, error)
	ListEventsSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*SessionEvent, error)

	Ping(ctx context.Context) error
	Close() error
}

// EventNotifier is implemented by stores shared between gateway processes.
// ListenEvents calls fn for every event appended by any process until ctx ends.
type EventNotifier interface {
	ListenEvents(ctx context.Context, fn func(sessionID string, seq int64)) error
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func decodeLabels(raw string) map[string]string {
	var out map[string]string
	if raw == "" {
		return nil
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

// rawOrNull keeps empty payloads as SQL NULL.
func rawOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func decodeSelector(raw string, sel *Selector) error {
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), sel); err != nil {
		return fmt.Errorf("decoding selector: %w", err)
	}
	return nil
}

// nonNil keeps JSON list columns as [] rather than null.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
