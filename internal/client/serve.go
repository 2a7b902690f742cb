// ABOUTME: Client socket edge: reads frames, applies the rate limit, runs Handle and executes its effects
// ABOUTME: Each joined session gets a tail goroutine that lives as long as the connection

package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/telemetry"
)

// Backend is the routing surface a client connection drives.
type Backend interface {
	Session(ctx context.Context, orgID, sessionID string) (*store.Session, error)
	RouteSend(ctx context.Context, req router.SendRequest) (*router.Outcome, error)
	ResetAgent(ctx context.Context, orgID, sessionID string) error
}

// Tailer streams a session's events in seq order.
type Tailer interface {
	Run(ctx context.Context, sessionID string, afterSeq int64, emit func(*store.SessionEvent) error) error
}

// ServerConfig holds per-connection limits.
type ServerConfig struct {
	// RateLimit is frames per second; zero disables the limit
	RateLimit float64
	Burst     int
	Metrics   *telemetry.Metrics
}

// Server runs client connections.
type Server struct {
	hub     *Hub
	backend Backend
	tail    Tailer
	limit   rate.Limit
	burst   int
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(hub *Hub, backend Backend, tail Tailer, cfg ServerConfig, logger *slog.Logger) *Server {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		hub:     hub,
		backend: backend,
		tail:    tail,
		limit:   limit,
		burst:   cfg.Burst,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "client"),
	}
}

// Serve runs conn until its socket fails or ctx ends. Closing the connection
// stops its tails; in-flight agent executions continue.
func (s *Server) Serve(ctx context.Context, conn *Conn) error {
	var tails sync.WaitGroup
	defer tails.Wait()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.hub.Add(conn)
	defer s.hub.Remove(conn)
	s.metrics.ConnectionOpened(ctx, "client")
	defer s.metrics.ConnectionClosed(context.WithoutCancel(ctx), "client")

	logger := s.logger.With("connection_id", conn.ID, "org_id", conn.OrgID)
	limiter := rate.NewLimiter(s.limit, s.burst)
	e := &edge{server: s, conn: conn, tails: &tails, cancel: cancel, logger: logger}
	state := NewState(conn.ID)

	for {
		data, err := conn.socket.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var in Input
		f, err := protocol.DecodeClient(data)
		var verr *protocol.ValidationError
		switch {
		case errors.As(err, &verr):
			in = FrameInvalid{SessionID: verr.SessionID, Reason: verr.Error()}
		case err != nil:
			logger.Debug("dropping malformed frame", "error", err)
			continue
		default:
			in = FrameReceived{Frame: f}
		}

		if !limiter.Allow() {
			s.metrics.RecordRateLimited(ctx)
			in = Throttled{SessionID: sessionIDOf(f)}
		}

		state = e.apply(ctx, state, in)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// edge executes effects for one connection.
type edge struct {
	server *Server
	conn   *Conn
	tails  *sync.WaitGroup
	cancel context.CancelFunc
	logger *slog.Logger
}

// apply runs Handle on in and on every input its effects feed back.
func (e *edge) apply(ctx context.Context, state State, in Input) State {
	queue := []Input{in}
	for len(queue) > 0 {
		var effects []Effect
		state, effects = Handle(state, queue[0])
		queue = queue[1:]
		for _, eff := range effects {
			if next := e.run(ctx, eff); next != nil {
				queue = append(queue, next)
			}
		}
	}
	return state
}

func (e *edge) run(ctx context.Context, eff Effect) Input {
	switch eff := eff.(type) {
	case Reply:
		if err := e.conn.Send(ctx, eff.Frame); err != nil {
			e.logger.Debug("write failed, closing connection", "error", err)
			e.cancel()
		}

	case Authorize:
		sess, err := e.server.backend.Session(ctx, e.conn.OrgID, eff.SessionID)
		if err != nil {
			return JoinDenied{SessionID: eff.SessionID, Code: router.CodeOf(err), Message: errorMessage(err)}
		}
		return JoinAuthorized{SessionID: sess.ID, AfterSeq: eff.AfterSeq, PinnedAgentID: sess.PinnedAgentID}

	case StartTail:
		e.conn.markJoined(eff.SessionID)
		e.tails.Add(1)
		go e.runTail(ctx, eff.SessionID, eff.AfterSeq)

	case Dispatch:
		_, err := e.server.backend.RouteSend(ctx, router.SendRequest{
			OrgID:          e.conn.OrgID,
			SessionID:      eff.SessionID,
			Message:        eff.Message,
			IdempotencyKey: eff.IdempotencyKey,
		})
		if err != nil {
			return RequestFailed{SessionID: eff.SessionID, Code: router.CodeOf(err), Message: errorMessage(err)}
		}

	case ResetPin:
		if err := e.server.backend.ResetAgent(ctx, e.conn.OrgID, eff.SessionID); err != nil {
			return RequestFailed{SessionID: eff.SessionID, Code: router.CodeOf(err), Message: errorMessage(err)}
		}
	}
	return nil
}

func (e *edge) runTail(ctx context.Context, sessionID string, afterSeq int64) {
	defer e.tails.Done()
	err := e.server.tail.Run(ctx, sessionID, afterSeq, func(ev *store.SessionEvent) error {
		return e.conn.Send(ctx, protocol.EventFrame(ev))
	})
	if err != nil && ctx.Err() == nil {
		e.logger.Warn("session tail stopped, closing connection", "session_id", sessionID, "error", err)
		e.cancel()
	}
}

// errorMessage returns the client-facing message of a routing error.
func errorMessage(err error) string {
	var re *router.Error
	if errors.As(err, &re) {
		return re.Message
	}
	return "internal error"
}
