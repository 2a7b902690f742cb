// ABOUTME: Pairing service: issues short-lived single-use tokens and redeems them for agent credentials
// ABOUTME: Tokens are stored as keyed BLAKE3 hashes; credentials as bcrypt hashes

package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/bcrypt"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// Pairing errors
var (
	ErrTokenInvalid     = errors.New("pairing token invalid")
	ErrTokenExpired     = errors.New("pairing token expired")
	ErrTokenAlreadyUsed = errors.New("pairing token already used")
)

// tokenPrefix marks pairing tokens: vpt_<random>
const tokenPrefix = "vpt_"

// Wire codes for pairing and credential failures
const (
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenAlreadyUsed = "TOKEN_ALREADY_USED"
	CodeAgentRevoked     = "AGENT_REVOKED"
	CodeUnauthorized     = "UNAUTHORIZED"
)

// Code maps a registry error to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return CodeTokenExpired
	case errors.Is(err, ErrTokenAlreadyUsed):
		return CodeTokenAlreadyUsed
	case errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, ErrAgentRevoked):
		return CodeAgentRevoked
	default:
		return CodeUnauthorized
	}
}

// AgentIdentity is what an agent declares when it pairs.
type AgentIdentity struct {
	Name         string
	Capabilities []string
	Tags         []string
	Labels       map[string]string
	Version      string
}

// IssuePairingToken mints a token for orgID on behalf of actor. The plaintext
// token is returned once and never stored.
func (r *Registry) IssuePairingToken(ctx context.Context, orgID, actor string) (string, time.Time, error) {
	if orgID == "" || actor == "" {
		return "", time.Time{}, fmt.Errorf("org id and actor are required")
	}

	token, err := randomToken(tokenPrefix)
	if err != nil {
		return "", time.Time{}, err
	}

	now := r.now().UTC()
	pt := &store.PairingToken{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		TokenHash: r.hashToken(token),
		CreatedBy: actor,
		CreatedAt: now,
		ExpiresAt: now.Add(r.tokenTTL),
	}
	if err := r.store.CreatePairingToken(ctx, pt); err != nil {
		return "", time.Time{}, fmt.Errorf("storing pairing token: %w", err)
	}

	r.logger.Info("pairing token issued", "token_id", pt.ID, "org_id", orgID, "actor", actor, "expires_at", pt.ExpiresAt)
	return token, pt.ExpiresAt, nil
}

// RedeemPairingToken exchanges a token for a new agent and its credential.
// Marking the token used and creating the agent happen in one store
// transaction, so of two concurrent redemptions exactly one succeeds.
func (r *Registry) RedeemPairingToken(ctx context.Context, token string, id AgentIdentity) (*Credential, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, ErrTokenInvalid
	}
	if strings.TrimSpace(id.Name) == "" {
		return nil, fmt.Errorf("agent name is required")
	}

	secret, err := randomToken("")
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), r.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hashing credential: %w", err)
	}

	agent := &store.Agent{
		ID:             uuid.NewString(),
		Name:           id.Name,
		CredentialHash: string(hash),
		Capabilities:   id.Capabilities,
		Tags:           id.Tags,
		Labels:         id.Labels,
		Version:        id.Version,
	}

	err = r.store.RedeemPairingToken(ctx, r.hashToken(token), r.now().UTC(), agent)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrTokenInvalid
	case errors.Is(err, store.ErrTokenExpired):
		return nil, ErrTokenExpired
	case errors.Is(err, store.ErrTokenUsed):
		return nil, ErrTokenAlreadyUsed
	case err != nil:
		return nil, fmt.Errorf("redeeming pairing token: %w", err)
	}

	r.logger.Info("agent paired", "agent_id", agent.ID, "org_id", agent.OrgID, "name", agent.Name)
	return &Credential{AgentID: agent.ID, OrgID: agent.OrgID, Secret: secret}, nil
}

// hashToken returns the hex keyed BLAKE3 digest used to look tokens up.
func (r *Registry) hashToken(token string) string {
	h, err := blake3.NewKeyed(r.tokenKey[:])
	if err != nil {
		panic("registry: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write([]byte(token))
	return hex.EncodeToString(h.Sum(nil))
}

// deriveTokenKey stretches an arbitrary pepper to the 32-byte BLAKE3 key.
func deriveTokenKey(pepper string) [32]byte {
	return blake3.Sum256([]byte("vespid pairing token v1\x00" + pepper))
}

func randomToken(prefix string) (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return prefix + base64.RawURLEncoding.EncodeToString(b[:]), nil
}
