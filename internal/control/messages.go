// ABOUTME: Request and response messages of the vespid.control.v1.Control service
// ABOUTME: Field names are the JSON wire names used by the codec

package control

import (
	"encoding/json"
	"time"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/store"
)

type IssuePairingTokenRequest struct {
	OrgID string `json:"orgId"`
}

type IssuePairingTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type RedeemPairingTokenRequest struct {
	Token        string            `json:"token"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Version      string            `json:"version,omitempty"`
}

type RedeemPairingTokenResponse struct {
	AgentID    string `json:"agentId"`
	OrgID      string `json:"orgId"`
	Credential string `json:"credential"`
}

type RevokeAgentRequest struct {
	AgentID string `json:"agentId"`
}

type RevokeAgentResponse struct{}

type LookupAgentRequest struct {
	AgentID string `json:"agentId"`
}

// Agent is an agent as reported by the control surface.
type Agent struct {
	ID           string            `json:"id"`
	OrgID        string            `json:"orgId"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Labels       map[string]string `json:"labels,omitempty"`
	Revoked      bool              `json:"revoked"`
	Connected    bool              `json:"connected"`
	LastSeenAt   *time.Time        `json:"lastSeenAt,omitempty"`
}

type LookupAgentResponse struct {
	Agent *Agent `json:"agent"`
}

type ListAgentsRequest struct {
	OrgID string `json:"orgId"`
}

type ListAgentsResponse struct {
	Agents []*Agent `json:"agents"`
}

type CreateSessionRequest struct {
	OrgID     string          `json:"orgId"`
	Title     string          `json:"title,omitempty"`
	Engine    string          `json:"engine,omitempty"`
	Toolset   json.RawMessage `json:"toolset,omitempty"`
	LLM       json.RawMessage `json:"llm,omitempty"`
	ToolAllow []string        `json:"toolAllow,omitempty"`
	Selector  store.Selector  `json:"selector,omitzero"`
}

// Session is a session as reported by the control surface.
type Session struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"orgId"`
	CreatedBy     string          `json:"createdBy"`
	Title         string          `json:"title,omitempty"`
	Status        string          `json:"status"`
	Engine        string          `json:"engine"`
	Toolset       json.RawMessage `json:"toolset,omitempty"`
	LLM           json.RawMessage `json:"llm,omitempty"`
	ToolAllow     []string        `json:"toolAllow,omitempty"`
	Selector      store.Selector  `json:"selector,omitzero"`
	PinnedAgentID string          `json:"pinnedAgentId,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

type CreateSessionResponse struct {
	Session *Session `json:"session"`
}

type GetSessionRequest struct {
	OrgID     string `json:"orgId"`
	SessionID string `json:"sessionId"`
}

type GetSessionResponse struct {
	Session *Session `json:"session"`
}

type ListSessionsRequest struct {
	OrgID string `json:"orgId"`
	Limit int    `json:"limit,omitempty"`
}

type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
}

type ResetSessionAgentRequest struct {
	OrgID     string `json:"orgId"`
	SessionID string `json:"sessionId"`
}

type ResetSessionAgentResponse struct{}

type ReadEventsRequest struct {
	OrgID     string `json:"orgId"`
	SessionID string `json:"sessionId"`
	AfterSeq  int64  `json:"afterSeq,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type ReadEventsResponse struct {
	Events []*protocol.SessionEventV2 `json:"events"`
}

type SendMessageRequest struct {
	OrgID          string `json:"orgId"`
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type SendMessageResponse struct {
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Seq       int64  `json:"seq"`
	AgentID   string `json:"agentId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

type EnqueueRunRequest struct {
	OrgID      string          `json:"orgId"`
	WorkflowID string          `json:"workflowId"`
	SessionID  string          `json:"sessionId,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
}

type EnqueueRunResponse struct {
	RunID   string `json:"runId"`
	EntryID string `json:"entryId"`
}

func agentFromInfo(info *registry.AgentInfo, connected bool) *Agent {
	return &Agent{
		ID:           info.ID,
		OrgID:        info.OrgID,
		Name:         info.Name,
		Capabilities: info.Capabilities,
		Tags:         info.Tags,
		Labels:       info.Labels,
		Revoked:      info.Revoked,
		Connected:    connected,
		LastSeenAt:   info.LastSeenAt,
	}
}

func sessionFromStore(s *store.Session) *Session {
	return &Session{
		ID:            s.ID,
		OrgID:         s.OrgID,
		CreatedBy:     s.CreatedBy,
		Title:         s.Title,
		Status:        string(s.Status),
		Engine:        s.Engine,
		Toolset:       s.Toolset,
		LLM:           s.LLM,
		ToolAllow:     s.ToolAllow,
		Selector:      s.Selector,
		PinnedAgentID: s.PinnedAgentID,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}
