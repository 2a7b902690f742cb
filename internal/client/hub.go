// ABOUTME: Client connection registry keyed by organization, and the per-connection writer
// ABOUTME: Writes to one socket are serialized; the hub lock is never held across socket I/O

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Socket is a client's duplex frame transport. The gateway implements it over
// a websocket.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Conn is one client connection, scoped to one organization.
type Conn struct {
	ID      string
	OrgID   string
	Subject string

	socket  Socket
	writeMu sync.Mutex

	mu     sync.RWMutex
	joined map[string]struct{}
}

// NewConn wraps an accepted socket.
func NewConn(id, orgID, subject string, socket Socket) *Conn {
	return &Conn{
		ID:      id,
		OrgID:   orgID,
		Subject: subject,
		socket:  socket,
		joined:  make(map[string]struct{}),
	}
}

// Send encodes and writes a frame.
func (c *Conn) Send(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.socket.Write(ctx, data)
}

// Close closes the socket.
func (c *Conn) Close(reason string) error {
	return c.socket.Close(reason)
}

// Joined reports whether the connection observes sessionID.
func (c *Conn) Joined(sessionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.joined[sessionID]
	return ok
}

func (c *Conn) markJoined(sessionID string) {
	c.mu.Lock()
	c.joined[sessionID] = struct{}{}
	c.mu.Unlock()
}

// Hub tracks the client connections of this gateway process by organization.
type Hub struct {
	mu     sync.RWMutex
	orgs   map[string]map[*Conn]struct{}
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		orgs:   make(map[string]map[*Conn]struct{}),
		logger: logger.With("component", "client_hub"),
	}
}

// Add registers a connection.
func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	set, ok := h.orgs[c.OrgID]
	if !ok {
		set = make(map[*Conn]struct{})
		h.orgs[c.OrgID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("client connected", "connection_id", c.ID, "org_id", c.OrgID, "subject", c.Subject)
}

// Remove unregisters a connection.
func (h *Hub) Remove(c *Conn) {
	h.mu.Lock()
	if set, ok := h.orgs[c.OrgID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.orgs, c.OrgID)
		}
	}
	h.mu.Unlock()

	h.logger.Debug("client disconnected", "connection_id", c.ID, "org_id", c.OrgID)
}

// Connections returns the connections of an organization.
func (h *Hub) Connections(orgID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.orgs[orgID]))
	for c := range h.orgs[orgID] {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connections across all organizations.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.orgs {
		n += len(set)
	}
	return n
}

// NotifySessionError sends a session_error to every connection of orgID that
// has joined sessionID.
func (h *Hub) NotifySessionError(orgID, sessionID, code, message string) {
	frame := &protocol.SessionError{SessionID: sessionID, Code: code, Message: message}
	for _, c := range h.Connections(orgID) {
		if !c.Joined(sessionID) {
			continue
		}
		if err := c.Send(context.Background(), frame); err != nil {
			h.logger.Debug("notify session error", "connection_id", c.ID, "error", err)
		}
	}
}

// CloseAll closes every connection. Their Serve loops unregister them.
func (h *Hub) CloseAll(reason string) {
	h.mu.RLock()
	var conns []*Conn
	for _, set := range h.orgs {
		for c := range set {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.Close(reason)
	}
}
