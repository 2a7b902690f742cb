// ABOUTME: Control service implementation: pairing, agent administration, sessions, sends and runs
// ABOUTME: Every call is scoped to an organization the operator token grants; admins see all orgs

package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/runqueue"
	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// Session listing bounds
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Registry is the pairing and agent directory surface.
type Registry interface {
	IssuePairingToken(ctx context.Context, orgID, actor string) (string, time.Time, error)
	RedeemPairingToken(ctx context.Context, token string, id registry.AgentIdentity) (*registry.Credential, error)
	RevokeAgent(ctx context.Context, agentID string) error
	LookupAgent(ctx context.Context, agentID string) (*registry.AgentInfo, error)
	ListAgents(ctx context.Context, orgID string) ([]*registry.AgentInfo, error)
}

// Router authorizes sessions and routes sends.
type Router interface {
	Session(ctx context.Context, orgID, sessionID string) (*store.Session, error)
	RouteSend(ctx context.Context, req router.SendRequest) (*router.Outcome, error)
	ResetAgent(ctx context.Context, orgID, sessionID string) error
}

// EventReader pages a session's event log.
type EventReader interface {
	ReadSince(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]*store.SessionEvent, error)
}

// RunQueue accepts workflow runs.
type RunQueue interface {
	Enqueue(ctx context.Context, run runqueue.Run) (runID, entryID string, err error)
}

// Presence reports live agent sockets.
type Presence interface {
	IsOnline(agentID string) bool
}

// Deps wires a Server. Queue may be nil, in which case EnqueueRun reports
// QUEUE_UNAVAILABLE.
type Deps struct {
	Store    store.Store
	Registry Registry
	Router   Router
	Events   EventReader
	Queue    RunQueue
	Presence Presence
	Now      func() time.Time
}

// Server implements ControlServer.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a Server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{deps: deps, logger: logger.With("component", "control")}
}

// authorize checks the caller may act on orgID.
func authorize(ctx context.Context, orgID string) (*auth.Identity, error) {
	id := auth.FromContext(ctx)
	if id == nil {
		return nil, status.Error(codes.Unauthenticated, "missing identity")
	}
	if orgID == "" {
		return nil, status.Error(codes.InvalidArgument, "orgId is required")
	}
	if id.HasRole(auth.RoleAdmin) || id.MemberOf(orgID) {
		return id, nil
	}
	return nil, statusf(codes.PermissionDenied, router.CodeForbidden, "organization not granted to caller")
}

// agentInOrg loads an agent and checks the caller may see it. Agents of
// other organizations are reported as not found.
func (s *Server) agentInOrg(ctx context.Context, agentID string) (*registry.AgentInfo, error) {
	if agentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agentId is required")
	}
	info, err := s.deps.Registry.LookupAgent(ctx, agentID)
	if err != nil {
		return nil, toStatus(err)
	}
	if _, err := authorize(ctx, info.OrgID); err != nil {
		if status.Code(err) == codes.PermissionDenied {
			return nil, toStatus(registry.ErrAgentNotFound)
		}
		return nil, err
	}
	return info, nil
}

func (s *Server) online(agentID string) bool {
	return s.deps.Presence != nil && s.deps.Presence.IsOnline(agentID)
}

func (s *Server) IssuePairingToken(ctx context.Context, req *IssuePairingTokenRequest) (*IssuePairingTokenResponse, error) {
	id, err := authorize(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.deps.Registry.IssuePairingToken(ctx, req.OrgID, id.Subject)
	if err != nil {
		return nil, toStatus(err)
	}
	return &IssuePairingTokenResponse{Token: token, ExpiresAt: expiresAt}, nil
}

// RedeemPairingToken redeems a token on behalf of an agent. The token names
// its organization, so any operator may redeem it.
func (s *Server) RedeemPairingToken(ctx context.Context, req *RedeemPairingTokenRequest) (*RedeemPairingTokenResponse, error) {
	if req.Token == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "token and name are required")
	}
	cred, err := s.deps.Registry.RedeemPairingToken(ctx, req.Token, registry.AgentIdentity{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		Labels:       req.Labels,
		Version:      req.Version,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &RedeemPairingTokenResponse{AgentID: cred.AgentID, OrgID: cred.OrgID, Credential: cred.String()}, nil
}

func (s *Server) RevokeAgent(ctx context.Context, req *RevokeAgentRequest) (*RevokeAgentResponse, error) {
	if _, err := s.agentInOrg(ctx, req.AgentID); err != nil {
		return nil, err
	}
	if err := s.deps.Registry.RevokeAgent(ctx, req.AgentID); err != nil {
		return nil, toStatus(err)
	}
	return &RevokeAgentResponse{}, nil
}

func (s *Server) LookupAgent(ctx context.Context, req *LookupAgentRequest) (*LookupAgentResponse, error) {
	info, err := s.agentInOrg(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	return &LookupAgentResponse{Agent: agentFromInfo(info, s.online(info.ID))}, nil
}

func (s *Server) ListAgents(ctx context.Context, req *ListAgentsRequest) (*ListAgentsResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	infos, err := s.deps.Registry.ListAgents(ctx, req.OrgID)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]*Agent, 0, len(infos))
	for _, info := range infos {
		out = append(out, agentFromInfo(info, s.online(info.ID)))
	}
	return &ListAgentsResponse{Agents: out}, nil
}

func (s *Server) CreateSession(ctx context.Context, req *CreateSessionRequest) (*CreateSessionResponse, error) {
	id, err := authorize(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	engine := req.Engine
	if engine == "" {
		engine = store.DefaultEngine
	}
	now := s.deps.Now().UTC()
	sess := &store.Session{
		ID:        uuid.NewString(),
		OrgID:     req.OrgID,
		CreatedBy: id.Subject,
		Title:     req.Title,
		Status:    store.SessionStatusActive,
		Engine:    engine,
		Toolset:   req.Toolset,
		LLM:       req.LLM,
		ToolAllow: req.ToolAllow,
		Selector:  req.Selector,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deps.Store.CreateSession(ctx, sess); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("session created", "session_id", sess.ID, "org_id", sess.OrgID, "engine", engine, "created_by", id.Subject)
	return &CreateSessionResponse{Session: sessionFromStore(sess)}, nil
}

func (s *Server) GetSession(ctx context.Context, req *GetSessionRequest) (*GetSessionResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	sess, err := s.deps.Router.Session(ctx, req.OrgID, req.SessionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetSessionResponse{Session: sessionFromStore(sess)}, nil
}

func (s *Server) ListSessions(ctx context.Context, req *ListSessionsRequest) (*ListSessionsResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	limit := req.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	sessions, err := s.deps.Store.ListSessions(ctx, req.OrgID, limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionFromStore(sess))
	}
	return &ListSessionsResponse{Sessions: out}, nil
}

func (s *Server) ResetSessionAgent(ctx context.Context, req *ResetSessionAgentRequest) (*ResetSessionAgentResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	if err := s.deps.Router.ResetAgent(ctx, req.OrgID, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	return &ResetSessionAgentResponse{}, nil
}

func (s *Server) ReadEvents(ctx context.Context, req *ReadEventsRequest) (*ReadEventsResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	if _, err := s.deps.Router.Session(ctx, req.OrgID, req.SessionID); err != nil {
		return nil, toStatus(err)
	}
	events, err := s.deps.Events.ReadSince(ctx, req.SessionID, req.AfterSeq, req.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	out := make([]*protocol.SessionEventV2, 0, len(events))
	for _, ev := range events {
		out = append(out, protocol.EventFrame(ev))
	}
	return &ReadEventsResponse{Events: out}, nil
}

func (s *Server) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	if _, err := authorize(ctx, req.OrgID); err != nil {
		return nil, err
	}
	if req.Message == "" {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	outcome, err := s.deps.Router.RouteSend(ctx, router.SendRequest{
		OrgID:          req.OrgID,
		SessionID:      req.SessionID,
		Message:        req.Message,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendMessageResponse{
		Status:    string(outcome.Status),
		Duplicate: outcome.Duplicate,
		Seq:       outcome.Seq,
		AgentID:   outcome.AgentID,
		RequestID: outcome.RequestID,
	}, nil
}

func (s *Server) EnqueueRun(ctx context.Context, req *EnqueueRunRequest) (*EnqueueRunResponse, error) {
	id, err := authorize(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}
	if s.deps.Queue == nil {
		return nil, statusf(codes.Unavailable, router.CodeQueueUnavailable, "run queue not configured")
	}
	if req.SessionID != "" {
		if _, err := s.deps.Router.Session(ctx, req.OrgID, req.SessionID); err != nil {
			return nil, toStatus(err)
		}
	}
	runID, entryID, err := s.deps.Queue.Enqueue(ctx, runqueue.Run{
		OrgID:       req.OrgID,
		WorkflowID:  req.WorkflowID,
		SessionID:   req.SessionID,
		Input:       req.Input,
		RequestedBy: id.Subject,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &EnqueueRunResponse{RunID: runID, EntryID: entryID}, nil
}
