// ABOUTME: HTTP routing for the gateway: health, pairing, event backfill and both websocket endpoints
// ABOUTME: Uses chi with request IDs, real client IPs and panic recovery on every route

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/eventlog"
	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// maxPairBody bounds a pairing request body.
const maxPairBody = 64 << 10

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/health/ready", g.handleReady)

	// agents authenticate with their own credential inside the handlers
	r.Get("/ws/agent", g.handleAgentSocket)
	r.Post("/api/agents/pair", g.handlePair)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(g.verifier, g.logger))
		r.Get("/ws/client", g.handleClientSocket)
		r.Get("/api/sessions/{sessionID}/events", g.handleSessionEvents)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Code: code, Error: msg})
}

// handleHealth returns 200 OK if the process is serving.
func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readyBody struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
	Agents int               `json:"agents"`
}

// handleReady checks the store and, when configured, the run queue.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	body := readyBody{Status: "ready", Checks: map[string]string{}, Agents: g.agents.Count()}
	status := http.StatusOK

	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness: store unreachable", "error", err)
		body.Checks["store"] = err.Error()
		status = http.StatusServiceUnavailable
	} else {
		body.Checks["store"] = "ok"
	}
	if g.queue != nil {
		if err := g.queue.Ping(ctx); err != nil {
			g.logger.Warn("readiness: run queue unreachable", "error", err)
			body.Checks["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			body.Checks["queue"] = "ok"
		}
	}
	if status != http.StatusOK {
		body.Status = "unavailable"
	}
	writeJSON(w, status, body)
}

type pairRequest struct {
	Token        string            `json:"token"`
	Name         string            `json:"name"`
	Capabilities []string          `json:"capabilities"`
	Tags         []string          `json:"tags"`
	Labels       map[string]string `json:"labels"`
	Version      string            `json:"version"`
}

type pairResponse struct {
	AgentID    string `json:"agentId"`
	OrgID      string `json:"orgId"`
	Credential string `json:"credential"`
}

// handlePair exchanges a pairing token for an agent credential.
func (g *Gateway) handlePair(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPairBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "", "invalid JSON body")
		return
	}
	if req.Token == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "", "token and name are required")
		return
	}

	cred, err := g.registry.RedeemPairingToken(r.Context(), req.Token, registry.AgentIdentity{
		Name:         req.Name,
		Capabilities: req.Capabilities,
		Tags:         req.Tags,
		Labels:       req.Labels,
		Version:      req.Version,
	})
	if err != nil {
		code := registry.Code(err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, registry.ErrTokenInvalid):
			status = http.StatusUnauthorized
		case errors.Is(err, registry.ErrTokenExpired):
			status = http.StatusGone
		case errors.Is(err, registry.ErrTokenAlreadyUsed):
			status = http.StatusConflict
		default:
			g.logger.Error("pairing failed", "error", err)
			code = router.CodeInternal
		}
		writeError(w, status, code, http.StatusText(status))
		return
	}

	g.logger.Info("=== AGENT PAIRED ===", "agent_id", cred.AgentID, "org_id", cred.OrgID, "name", req.Name)
	writeJSON(w, http.StatusCreated, pairResponse{AgentID: cred.AgentID, OrgID: cred.OrgID, Credential: cred.String()})
}

type eventsResponse struct {
	Events []*protocol.SessionEventV2 `json:"events"`
	// NextAfter is the seq to pass as ?after= for the next page
	NextAfter int64 `json:"nextAfter"`
}

// handleSessionEvents pages a session's event log.
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	after, err := queryInt(r, "after")
	if err != nil || after < 0 {
		writeError(w, http.StatusBadRequest, router.CodeInvalidFrame, "after must be a non-negative integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, router.CodeInvalidFrame, "limit must be a non-negative integer")
		return
	}

	sess, err := g.store.GetSession(r.Context(), sessionID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, router.CodeSessionNotFound, "session not found")
		return
	case err != nil:
		g.logger.Error("loading session for backfill", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, router.CodeInternal, "internal error")
		return
	}
	if !id.MemberOf(sess.OrgID) && !id.HasRole(auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, router.CodeForbidden, "session belongs to another organization")
		return
	}

	events, err := g.log.ReadSince(r.Context(), sess.ID, after, int(limit))
	if err != nil {
		g.logger.Error("reading session events", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, router.CodeInternal, "internal error")
		return
	}

	resp := eventsResponse{Events: make([]*protocol.SessionEventV2, 0, len(events)), NextAfter: after}
	for _, ev := range events {
		resp.Events = append(resp.Events, protocol.EventFrame(ev))
		resp.NextAfter = ev.Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryInt parses an optional integer query parameter; absent means 0.
func queryInt(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, err
	}
	if name == "limit" && n > eventlog.MaxReadLimit {
		n = eventlog.MaxReadLimit
	}
	return n, nil
}
