// ABOUTME: Represents a single connected agent and its websocket transport.
// ABOUTME: Dispatches execute frames and routes execute_event/execute_result frames back by request ID.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

// ErrDisconnected is returned for requests whose agent connection closed.
var ErrDisconnected = errors.New("agent disconnected")

// Transport writes frames to an agent's socket. The gateway implements it over
// a websocket; implementations serialize concurrent writes.
type Transport interface {
	Send(ctx context.Context, f protocol.Frame) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// ConnectionParams holds the values for a new Connection.
type ConnectionParams struct {
	ID           string
	OrgID        string
	Name         string
	Version      string
	Capabilities []string
	Tags         []string
	Labels       map[string]string
	ConnectedAt  time.Time
	Transport    Transport
	Logger       *slog.Logger
}

// Connection is an authenticated agent socket that has sent its hello.
type Connection struct {
	ID           string
	OrgID        string
	Name         string
	Version      string
	Capabilities []string
	Tags         []string
	Labels       map[string]string
	ConnectedAt  time.Time

	transport Transport
	pending   map[string]*pendingRequest
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	logger    *slog.Logger
}

type pendingRequest struct {
	frames chan protocol.Frame
	done   chan struct{}
}

// NewConnection creates a Connection.
func NewConnection(p ConnectionParams) *Connection {
	if p.ConnectedAt.IsZero() {
		p.ConnectedAt = time.Now()
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Connection{
		ID:           p.ID,
		OrgID:        p.OrgID,
		Name:         p.Name,
		Version:      p.Version,
		Capabilities: p.Capabilities,
		Tags:         p.Tags,
		Labels:       p.Labels,
		ConnectedAt:  p.ConnectedAt,
		transport:    p.Transport,
		pending:      make(map[string]*pendingRequest),
		closed:       make(chan struct{}),
		logger:       p.Logger,
	}
}

// HasCapability reports whether the agent advertised the execution kind in its hello.
func (c *Connection) HasCapability(kind string) bool {
	return slices.Contains(c.Capabilities, kind)
}

// Send writes a frame to the agent.
func (c *Connection) Send(ctx context.Context, f protocol.Frame) error {
	select {
	case <-c.closed:
		return ErrDisconnected
	default:
	}
	return c.transport.Send(ctx, f)
}

// Ping checks the socket is alive.
func (c *Connection) Ping(ctx context.Context) error {
	return c.transport.Ping(ctx)
}

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Close closes the transport and fails all in-flight requests. Safe to call
// more than once.
func (c *Connection) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.transport.Close(reason); err != nil {
			c.logger.Debug("closing agent transport", "agent_id", c.ID, "error", err)
		}
	})
}

// Execute registers a pending request and sends the execute frame. The caller
// must Close the returned Execution.
func (c *Connection) Execute(ctx context.Context, exec *protocol.Execute) (*Execution, error) {
	p := c.createRequest(exec.RequestID)
	if err := c.Send(ctx, exec); err != nil {
		c.closeRequest(exec.RequestID)
		return nil, err
	}
	return &Execution{RequestID: exec.RequestID, conn: c, req: p}, nil
}

func (c *Connection) createRequest(requestID string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &pendingRequest{
		frames: make(chan protocol.Frame, 16),
		done:   make(chan struct{}),
	}
	c.pending[requestID] = p
	return p
}

func (c *Connection) closeRequest(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.pending[requestID]; ok {
		close(p.done)
		delete(c.pending, requestID)
	}
}

// PendingCount returns the number of in-flight requests.
func (c *Connection) PendingCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// HandleFrame routes an execute_event or execute_result to its pending request.
// Frames for unknown requests are logged and discarded. It blocks while the
// request's buffer is full, which applies backpressure to the agent's reader.
func (c *Connection) HandleFrame(f protocol.Frame) {
	var requestID string
	switch fr := f.(type) {
	case *protocol.ExecuteEvent:
		requestID = fr.RequestID
	case *protocol.ExecuteResult:
		requestID = fr.RequestID
	default:
		c.logger.Warn("unexpected frame from agent", "agent_id", c.ID, "type", f.FrameType())
		return
	}

	c.mu.RLock()
	p, ok := c.pending[requestID]
	c.mu.RUnlock()

	if !ok {
		c.logger.Warn("received frame for unknown request",
			"request_id", requestID,
			"agent_id", c.ID,
		)
		return
	}

	select {
	case p.frames <- f:
	case <-p.done:
	case <-c.closed:
	}
}

// Execution is one in-flight request on an agent connection.
type Execution struct {
	RequestID string
	conn      *Connection
	req       *pendingRequest
}

// Next returns the next execute_event or execute_result for the request. It
// returns ErrDisconnected if the connection closes first and ctx.Err() when
// ctx ends.
func (e *Execution) Next(ctx context.Context) (protocol.Frame, error) {
	select {
	case f := <-e.req.frames:
		return f, nil
	default:
	}
	select {
	case f := <-e.req.frames:
		return f, nil
	case <-e.conn.closed:
		return nil, ErrDisconnected
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close releases the pending request.
func (e *Execution) Close() {
	e.conn.closeRequest(e.RequestID)
}
