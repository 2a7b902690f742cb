// ABOUTME: Manages connected agents: registration, replacement on reconnect, and lookup.
// ABOUTME: Holds its lock only for map access; socket I/O happens outside it.

package agent

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Manager tracks the connected agents of this gateway process.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*Connection),
		logger: logger.With("component", "agent_manager"),
	}
}

// Register adds an agent connection. An existing connection for the same
// agent is replaced and closed, which fails its in-flight requests.
func (m *Manager) Register(conn *Connection) {
	m.mu.Lock()
	old := m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	if old != nil && old != conn {
		m.logger.Info("replacing existing agent connection", "agent_id", conn.ID)
		old.Close("replaced by a newer connection")
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"org_id", conn.OrgID,
		"name", conn.Name,
		"capabilities", conn.Capabilities,
		"total_agents", total,
	)
}

// Unregister removes conn if it is still the registered connection for its
// agent. It reports whether it removed anything.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.agents[conn.ID]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.agents, conn.ID)
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"name", conn.Name,
		"total_agents", total,
	)
	return true
}

// GetAgent retrieves a connected agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	return agent, ok
}

// IsOnline checks whether an agent with the given ID is currently connected.
func (m *Manager) IsOnline(agentID string) bool {
	_, ok := m.GetAgent(agentID)
	return ok
}

// Connected returns the connected agents of an organization, or of all
// organizations when orgID is empty, sorted by agent ID.
func (m *Manager) Connected(orgID string) []*Connection {
	m.mu.RLock()
	out := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		if orgID == "" || conn.OrgID == orgID {
			out = append(out, conn)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Connection) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Count returns the number of connected agents.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// CloseAll closes and removes every connection.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, conn := range m.agents {
		conns = append(conns, conn)
	}
	m.agents = make(map[string]*Connection)
	m.mu.Unlock()

	for _, conn := range conns {
		conn.Close(reason)
	}
}
