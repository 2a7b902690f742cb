// ABOUTME: Agent registry: credential authentication, lookup, liveness and revocation of paired agents
// ABOUTME: Agents are soft-revoked; live sockets are closed by the next liveness check, not here

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// Registry errors
var (
	ErrAgentNotFound     = errors.New("agent not found")
	ErrAgentRevoked      = errors.New("agent revoked")
	ErrInvalidCredential = errors.New("invalid agent credential")
)

// credentialPrefix marks long-lived agent credentials: vpa_<agentID>_<secret>
const credentialPrefix = "vpa_"

// dummyHash keeps Authenticate's timing the same for unknown agents.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Config holds registry settings
type Config struct {
	// Pepper keys the pairing-token hash
	Pepper     string
	TokenTTL   time.Duration
	BcryptCost int
	// Now overrides the clock in tests
	Now func() time.Time
}

// Registry tracks paired agents and issues/redeems pairing tokens.
type Registry struct {
	store      store.Store
	tokenKey   [32]byte
	tokenTTL   time.Duration
	bcryptCost int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Registry.
func New(s store.Store, cfg Config, logger *slog.Logger) *Registry {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 10 * time.Minute
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		store:      s,
		tokenKey:   deriveTokenKey(cfg.Pepper),
		tokenTTL:   cfg.TokenTTL,
		bcryptCost: cfg.BcryptCost,
		now:        cfg.Now,
		logger:     logger.With("component", "registry"),
	}
}

// AgentInfo is the routing-relevant view of an agent.
type AgentInfo struct {
	ID           string
	OrgID        string
	Name         string
	Capabilities []string
	Tags         []string
	Labels       map[string]string
	Revoked      bool
	LastSeenAt   *time.Time
}

func infoFromAgent(a *store.Agent) *AgentInfo {
	return &AgentInfo{
		ID:           a.ID,
		OrgID:        a.OrgID,
		Name:         a.Name,
		Capabilities: a.Capabilities,
		Tags:         a.Tags,
		Labels:       a.Labels,
		Revoked:      a.Revoked(),
		LastSeenAt:   a.LastSeenAt,
	}
}

// LookupAgent returns an agent's capabilities, tags and revocation state.
func (r *Registry) LookupAgent(ctx context.Context, agentID string) (*AgentInfo, error) {
	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent: %w", err)
	}
	return infoFromAgent(a), nil
}

// ListAgents returns every agent paired into an organization.
func (r *Registry) ListAgents(ctx context.Context, orgID string) ([]*AgentInfo, error) {
	agents, err := r.store.ListAgents(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	out := make([]*AgentInfo, 0, len(agents))
	for _, a := range agents {
		out = append(out, infoFromAgent(a))
	}
	return out, nil
}

// RevokeAgent soft-revokes an agent. Future authentication fails immediately;
// an established socket stays open until the next liveness check.
func (r *Registry) RevokeAgent(ctx context.Context, agentID string) error {
	err := r.store.RevokeAgent(ctx, agentID, r.now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return fmt.Errorf("revoking agent: %w", err)
	}
	r.logger.Info("agent revoked", "agent_id", agentID)
	return nil
}

// Authenticate verifies a bearer credential and returns the agent.
// Revoked agents are rejected with ErrAgentRevoked.
func (r *Registry) Authenticate(ctx context.Context, credential string) (*store.Agent, error) {
	agentID, secret, ok := parseCredential(credential)
	if !ok {
		return nil, ErrInvalidCredential
	}

	a, err := r.store.GetAgent(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(secret))
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(a.CredentialHash), []byte(secret)); err != nil {
		return nil, ErrInvalidCredential
	}
	if a.Revoked() {
		return nil, ErrAgentRevoked
	}
	return a, nil
}

// CheckActive reports ErrAgentRevoked (or ErrAgentNotFound) for agents that
// may no longer hold a connection.
func (r *Registry) CheckActive(ctx context.Context, agentID string) error {
	info, err := r.LookupAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if info.Revoked {
		return ErrAgentRevoked
	}
	return nil
}

// RecordHello stores the capabilities an agent declared in its hello frame.
func (r *Registry) RecordHello(ctx context.Context, agentID string, capabilities []string, version string) error {
	if err := r.store.UpdateAgentHello(ctx, agentID, capabilities, version); err != nil {
		return fmt.Errorf("recording hello: %w", err)
	}
	return r.Touch(ctx, agentID)
}

// Touch refreshes an agent's lastSeenAt.
func (r *Registry) Touch(ctx context.Context, agentID string) error {
	if err := r.store.TouchAgent(ctx, agentID, r.now().UTC()); err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	return nil
}

// Credential is the long-lived secret an agent presents as a bearer token.
type Credential struct {
	AgentID string
	OrgID   string
	Secret  string
}

// String renders the bearer form of the credential.
func (c *Credential) String() string {
	return credentialPrefix + c.AgentID + "_" + c.Secret
}

// parseCredential splits vpa_<agentID>_<secret>. Agent IDs are UUIDs and
// never contain an underscore; the secret may.
func parseCredential(credential string) (agentID, secret string, ok bool) {
	rest, found := strings.CutPrefix(credential, credentialPrefix)
	if !found {
		return "", "", false
	}
	agentID, secret, found = strings.Cut(rest, "_")
	if !found || agentID == "" || secret == "" {
		return "", "", false
	}
	return agentID, secret, true
}
