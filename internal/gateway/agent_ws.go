// ABOUTME: Agent websocket endpoint: credential check, hello handshake and the inbound frame loop
// ABOUTME: A connection is registered for dispatch only after its hello is recorded

package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/vespid-ai/vespid-gateway/internal/agent"
	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/router"
)

const defaultHelloTimeout = 30 * time.Second

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	credential := bearerToken(r)
	if credential == "" {
		writeError(w, http.StatusUnauthorized, registry.CodeUnauthorized, "missing agent credential")
		return
	}

	rec, err := g.registry.Authenticate(r.Context(), credential)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrAgentRevoked):
			writeError(w, http.StatusForbidden, registry.CodeAgentRevoked, "agent revoked")
		case errors.Is(err, registry.ErrInvalidCredential), errors.Is(err, registry.ErrAgentNotFound):
			writeError(w, http.StatusUnauthorized, registry.CodeUnauthorized, "invalid agent credential")
		default:
			g.logger.Error("authenticating agent", "error", err)
			writeError(w, http.StatusInternalServerError, router.CodeInternal, "internal error")
		}
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		g.logger.Warn("agent websocket upgrade failed", "agent_id", rec.ID, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	sock := newAgentSocket(ws)

	ctx := r.Context()
	hello, binary, err := g.awaitHello(ctx, sock)
	if err != nil {
		g.logger.Warn("agent handshake failed", "agent_id", rec.ID, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, "hello required")
		return
	}
	sock.binary.Store(binary)

	if err := g.registry.RecordHello(ctx, rec.ID, hello.Capabilities, hello.AgentVersion); err != nil {
		g.logger.Error("recording agent hello", "agent_id", rec.ID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "internal error")
		return
	}

	name := hello.Name
	if name == "" {
		name = rec.Name
	}
	conn := agent.NewConnection(agent.ConnectionParams{
		ID:           rec.ID,
		OrgID:        rec.OrgID,
		Name:         name,
		Version:      hello.AgentVersion,
		Capabilities: hello.Capabilities,
		Tags:         rec.Tags,
		Labels:       rec.Labels,
		ConnectedAt:  time.Now(),
		Transport:    sock,
		Logger:       g.logger,
	})
	g.agents.Register(conn)
	metrics := g.telemetry.Metrics
	metrics.ConnectionOpened(ctx, "agent")
	defer func() {
		metrics.ConnectionClosed(context.Background(), "agent")
		if g.agents.Unregister(conn) {
			g.logger.Info("=== AGENT DISCONNECTED ===", "agent_id", conn.ID, "org_id", conn.OrgID)
		}
		conn.Close("connection closed")
	}()

	if err := conn.Send(ctx, &protocol.Welcome{AgentID: rec.ID}); err != nil {
		g.logger.Warn("sending welcome", "agent_id", rec.ID, "error", err)
		return
	}

	g.readAgentFrames(ctx, sock, conn)
}

// awaitHello reads the first frame, which must be a hello.
func (g *Gateway) awaitHello(ctx context.Context, sock *agentSocket) (*protocol.Hello, bool, error) {
	timeout := g.config.Agents.HeartbeatTimeout
	if timeout <= 0 {
		timeout = defaultHelloTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	f, binary, err := sock.read(ctx)
	if err != nil {
		return nil, false, err
	}
	hello, ok := f.(*protocol.Hello)
	if !ok {
		return nil, false, errors.New("first frame was " + f.FrameType() + ", not hello")
	}
	return hello, binary, nil
}

func (g *Gateway) readAgentFrames(ctx context.Context, sock *agentSocket, conn *agent.Connection) {
	for {
		f, _, err := sock.read(ctx)
		var verr *protocol.ValidationError
		switch {
		case err == nil:
			conn.HandleFrame(f)
		case errors.Is(err, protocol.ErrMalformed), errors.As(err, &verr):
			g.logger.Warn("dropping invalid agent frame", "agent_id", conn.ID, "error", err)
		default:
			g.logger.Debug("agent read ended", "agent_id", conn.ID, "close_status", websocket.CloseStatus(err), "error", err)
			return
		}
	}
}
