// ABOUTME: Client websocket endpoint scoped to one organization per connection
// ABOUTME: The JWT is checked by middleware; this handler checks org membership and hands off to the client server

package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
	"github.com/vespid-ai/vespid-gateway/internal/client"
	"github.com/vespid-ai/vespid-gateway/internal/router"
)

func (g *Gateway) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	id := auth.FromContext(r.Context())
	orgID := r.URL.Query().Get("orgId")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, router.CodeInvalidFrame, "orgId is required")
		return
	}
	if !id.MemberOf(orgID) && !id.HasRole(auth.RoleAdmin) {
		writeError(w, http.StatusForbidden, router.CodeForbidden, "not a member of this organization")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.config.Clients.AllowedOrigins,
	})
	if err != nil {
		g.logger.Warn("client websocket upgrade failed", "subject", id.Subject, "error", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	sock := clientSocket{ws: ws}
	defer func() { _ = sock.Close("connection closed") }()

	conn := client.NewConn(uuid.NewString(), orgID, id.Subject, sock)

	if err := g.clients.Serve(r.Context(), conn); err != nil {
		g.logger.Debug("client connection ended", "connection_id", conn.ID, "close_status", websocket.CloseStatus(err), "error", err)
	}
}
