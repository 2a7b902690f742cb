// ABOUTME: Session router: records sends idempotently, resolves the session's pinned agent, dispatches execute
// ABOUTME: Agent output is consumed on a detached goroutine and appended to the session log as events

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/vespid-ai/vespid-gateway/internal/agent"
	"github.com/vespid-ai/vespid-gateway/internal/eventlog"
	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/telemetry"
)

// Connections is the live agent view the router dispatches through.
type Connections interface {
	GetAgent(id string) (*agent.Connection, bool)
	Connected(orgID string) []*agent.Connection
	Unregister(conn *agent.Connection) bool
}

// Directory supplies registry state (tags, labels, revocation) for candidates
// and pinned agents.
type Directory interface {
	ListAgents(ctx context.Context, orgID string) ([]*registry.AgentInfo, error)
	CheckActive(ctx context.Context, agentID string) error
}

const pinAttempts = 3

// ErrorNotifier pushes a session-scoped error to the session's live clients.
type ErrorNotifier interface {
	NotifySessionError(orgID, sessionID, code, message string)
}

// Config holds router settings. Zero durations take defaults.
type Config struct {
	ExecuteTimeout time.Duration
	// DispatchTimeout bounds pin resolution and outcome recording for one
	// send. It runs detached from the caller so a dropped client cannot
	// leave the send half-routed.
	DispatchTimeout time.Duration
	// PendingWait is how long a retried key waits for the first attempt to
	// finish before answering SEND_IN_PROGRESS.
	PendingWait time.Duration
	// ClaimAfter is the age at which a pending send is treated as abandoned
	// and routed again by the next retry. Keep it above DispatchTimeout.
	ClaimAfter time.Duration
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
	// Notifier is optional
	Notifier ErrorNotifier
}

// Router routes client sends to pinned agents.
type Router struct {
	store           store.Store
	log             *eventlog.Log
	agents          Connections
	directory       Directory
	notifier        ErrorNotifier
	executeTimeout  time.Duration
	dispatchTimeout time.Duration
	pendingWait     time.Duration
	claimAfter      time.Duration
	metrics         *telemetry.Metrics
	tracer          trace.Tracer
	pins            singleflight.Group

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates a Router.
func New(s store.Store, log *eventlog.Log, agents Connections, directory Directory, cfg Config, logger *slog.Logger) *Router {
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 5 * time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}
	if cfg.PendingWait <= 0 {
		cfg.PendingWait = 5 * time.Second
	}
	if cfg.ClaimAfter <= 0 {
		cfg.ClaimAfter = 2 * cfg.DispatchTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(telemetry.ScopeName)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		store:           s,
		log:             log,
		agents:          agents,
		directory:       directory,
		notifier:        cfg.Notifier,
		executeTimeout:  cfg.ExecuteTimeout,
		dispatchTimeout: cfg.DispatchTimeout,
		pendingWait:     cfg.PendingWait,
		claimAfter:      cfg.ClaimAfter,
		metrics:         cfg.Metrics,
		tracer:          cfg.Tracer,
		baseCtx:         ctx,
		cancel:          cancel,
		logger:          logger.With("component", "router"),
	}
}

// SetNotifier sets the notifier for session errors. It must be called before
// the router serves requests.
func (r *Router) SetNotifier(n ErrorNotifier) {
	r.notifier = n
}

// SendRequest is a client send.
type SendRequest struct {
	OrgID          string
	SessionID      string
	Message        string
	IdempotencyKey string
}

// Outcome is the recorded result of a send.
type Outcome struct {
	Status         store.InboundStatus
	Duplicate      bool
	IdempotencyKey string
	// Seq of the user_message event
	Seq          int64
	AgentID      string
	RequestID    string
	ErrorCode    string
	ErrorMessage string
}

// Err returns the routing error of a rejected outcome.
func (o *Outcome) Err() error {
	if o.Status != store.InboundRejected {
		return nil
	}
	return NewError(o.ErrorCode, o.ErrorMessage)
}

func outcomeFromRecord(rec *store.InboundRecord, duplicate bool) *Outcome {
	return &Outcome{
		Status:         rec.Status,
		Duplicate:      duplicate,
		IdempotencyKey: rec.IdempotencyKey,
		Seq:            rec.EventSeq,
		AgentID:        rec.AgentID,
		RequestID:      rec.RequestID,
		ErrorCode:      rec.ErrorCode,
		ErrorMessage:   rec.ErrorMessage,
	}
}

// Session loads a session and checks it belongs to orgID.
func (r *Router) Session(ctx context.Context, orgID, sessionID string) (*store.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, wrap(ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.OrgID != orgID {
		return nil, wrap(ErrForbidden)
	}
	return sess, nil
}

// RouteSend records a user message and dispatches it to the session's agent.
//
// The returned Outcome is non-nil once the send is recorded. A rejected send
// also returns its *Error; replays of a key return the recorded outcome and
// error verbatim without dispatching again. A replay that arrives while the
// first attempt is still routing waits for it, and gets ErrSendInProgress if
// it does not finish in time. An attempt abandoned mid-routing is taken over
// by the next replay once it is older than ClaimAfter.
func (r *Router) RouteSend(ctx context.Context, req SendRequest) (*Outcome, error) {
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "router.RouteSend",
		telemetry.AttrOrgID.String(req.OrgID),
		telemetry.AttrSessionID.String(req.SessionID),
	)
	defer span.End()

	outcome, err := r.routeSend(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	switch {
	case outcome == nil:
		r.metrics.RecordSend(ctx, "failed", CodeOf(err))
	case outcome.Duplicate:
		r.metrics.RecordSend(ctx, "duplicate", outcome.ErrorCode)
	default:
		r.metrics.RecordSend(ctx, string(outcome.Status), outcome.ErrorCode)
	}
	return outcome, err
}

func (r *Router) routeSend(ctx context.Context, req SendRequest) (*Outcome, error) {
	sess, err := r.Session(ctx, req.OrgID, req.SessionID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]string{"message": req.Message})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	in, err := r.log.RecordInbound(ctx, req.OrgID, req.IdempotencyKey, &store.NewEvent{
		SessionID: sess.ID,
		EventType: store.EventUserMessage,
		Level:     store.LevelInfo,
		Payload:   payload,
	})
	if err != nil {
		return nil, err
	}
	if !in.Duplicate {
		return r.dispatch(ctx, sess, in.Record, req.Message)
	}

	rec := in.Record
	if rec.Status == store.InboundPending {
		var claimed bool
		rec, claimed, err = r.log.AwaitInbound(ctx, rec, r.pendingWait, r.claimAfter)
		if errors.Is(err, eventlog.ErrInboundPending) {
			return nil, wrap(ErrSendInProgress)
		}
		if err != nil {
			return nil, err
		}
		if claimed {
			r.logger.Warn("resuming abandoned send",
				"session_id", sess.ID,
				"idempotency_key", rec.IdempotencyKey,
				"attempt", rec.Attempt)
			return r.dispatch(ctx, sess, rec, req.Message)
		}
	}
	outcome := outcomeFromRecord(rec, true)
	return outcome, outcome.Err()
}

// dispatch routes a pending record this caller owns. The accepted outcome is
// recorded before the execute frame is sent, so a pending record never has a
// delivered request behind it.
func (r *Router) dispatch(ctx context.Context, sess *store.Session, rec *store.InboundRecord, message string) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.dispatchTimeout)
	defer cancel()

	conn, err := r.ResolvePin(ctx, sess)
	if err != nil {
		return r.reject(ctx, rec, err)
	}

	kind := engineOf(sess)
	requestID := uuid.NewString()
	accepted := *rec
	accepted.Status = store.InboundAccepted
	accepted.AgentID = conn.ID
	accepted.RequestID = requestID
	if err := r.log.CompleteInbound(ctx, &accepted); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return r.superseded(ctx, rec)
		}
		return nil, fmt.Errorf("recording accepted outcome: %w", err)
	}

	exec, err := conn.Execute(ctx, &protocol.Execute{
		RequestID: requestID,
		Kind:      kind,
		Payload: protocol.ExecutePayload{
			SessionID: sess.ID,
			Message:   message,
			Toolset:   sess.Toolset,
			LLM:       sess.LLM,
			ToolAllow: sess.ToolAllow,
		},
	})
	if err != nil {
		r.logger.Warn("dispatch to pinned agent failed, dropping connection",
			"session_id", sess.ID,
			"agent_id", conn.ID,
			"request_id", requestID,
			"error", err)
		r.drop(conn, "execute send failed")
		r.appendTerminal(sess, requestID, store.EventAgentError, store.LevelError,
			errorPayload(CodeAgentDisconnected, "agent disconnected before the request was delivered"))
		r.metrics.RecordExecution(ctx, 0, CodeAgentDisconnected)
		return outcomeFromRecord(&accepted, false), nil
	}

	r.wg.Add(1)
	go r.consume(sess, conn, exec, kind)

	r.logger.Info("send dispatched",
		"session_id", sess.ID,
		"agent_id", conn.ID,
		"request_id", requestID,
		"seq", rec.EventSeq)
	return outcomeFromRecord(&accepted, false), nil
}

// reject records a routing failure as the send's outcome.
func (r *Router) reject(ctx context.Context, rec *store.InboundRecord, cause error) (*Outcome, error) {
	var re *Error
	if !errors.As(cause, &re) {
		r.logger.Error("routing failed", "session_id", rec.SessionID, "error", cause)
		re = NewError(CodeInternal, "internal error")
	}
	rejected := *rec
	rejected.Status = store.InboundRejected
	rejected.ErrorCode = re.Code
	rejected.ErrorMessage = re.Message
	if err := r.log.CompleteInbound(ctx, &rejected); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return r.superseded(ctx, rec)
		}
		return nil, fmt.Errorf("recording rejected outcome: %w", err)
	}
	return outcomeFromRecord(&rejected, false), re
}

// superseded answers for an attempt whose record was finalized or claimed by
// someone else while it was routing.
func (r *Router) superseded(ctx context.Context, rec *store.InboundRecord) (*Outcome, error) {
	current, err := r.store.GetInbound(ctx, rec.OrgID, rec.SessionID, rec.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("reloading inbound record: %w", err)
	}
	r.logger.Info("send superseded by a later attempt",
		"session_id", rec.SessionID,
		"idempotency_key", rec.IdempotencyKey,
		"attempt", rec.Attempt,
		"status", current.Status)
	if current.Status == store.InboundPending {
		return nil, wrap(ErrSendInProgress)
	}
	outcome := outcomeFromRecord(current, true)
	return outcome, outcome.Err()
}

// ResolvePin returns the connection serving sess, pinning an agent first if
// the session has none. A pinned agent is never replaced here: if it is
// offline or revoked the result is ErrPinnedAgentOffline until ResetAgent.
func (r *Router) ResolvePin(ctx context.Context, sess *store.Session) (*agent.Connection, error) {
	agentID := sess.PinnedAgentID
	if agentID == "" {
		// the flight is shared, so it must not die with whichever caller led it
		flightCtx := context.WithoutCancel(ctx)
		v, err, _ := r.pins.Do(sess.ID, func() (any, error) {
			return r.pinWithRetry(flightCtx, sess.ID)
		})
		if err != nil {
			return nil, err
		}
		agentID = v.(string)
	} else {
		r.metrics.RecordPin(ctx, "existing")
	}

	conn, ok := r.agents.GetAgent(agentID)
	if !ok || conn.OrgID != sess.OrgID {
		return nil, wrap(ErrPinnedAgentOffline)
	}
	if err := r.directory.CheckActive(ctx, agentID); err != nil {
		if errors.Is(err, registry.ErrAgentRevoked) || errors.Is(err, registry.ErrAgentNotFound) {
			r.logger.Info("pinned agent revoked, closing its connection",
				"session_id", sess.ID,
				"agent_id", agentID)
			r.drop(conn, "agent revoked")
			return nil, wrap(ErrPinnedAgentOffline)
		}
		return nil, fmt.Errorf("checking agent %s: %w", agentID, err)
	}
	if !conn.HasCapability(engineOf(sess)) {
		return nil, wrap(ErrKindNotSupported)
	}
	return conn, nil
}

// pinWithRetry runs pin again when the compare-and-set loses to a concurrent
// writer; the next pass sees the winner.
func (r *Router) pinWithRetry(ctx context.Context, sessionID string) (string, error) {
	var err error
	for attempt := 0; attempt < pinAttempts; attempt++ {
		var agentID string
		agentID, err = r.pin(ctx, sessionID)
		if !errors.Is(err, store.ErrConflict) {
			return agentID, err
		}
		r.logger.Debug("pin write conflicted, retrying", "session_id", sessionID, "attempt", attempt+1)
	}
	return "", err
}

func (r *Router) drop(conn *agent.Connection, reason string) {
	r.agents.Unregister(conn)
	conn.Close(reason)
}

// pin selects an agent for an unpinned session and persists it with a
// compare-and-set. It returns whichever agent ends up pinned.
func (r *Router) pin(ctx context.Context, sessionID string) (string, error) {
	// re-read: a concurrent flight or another gateway may have pinned already
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("loading session: %w", err)
	}
	if sess.PinnedAgentID != "" {
		r.metrics.RecordPin(ctx, "existing")
		return sess.PinnedAgentID, nil
	}

	candidates, err := r.candidates(ctx, sess.OrgID)
	if err != nil {
		return "", err
	}
	chosen, ok := Choose(sess.Selector, engineOf(sess), candidates)
	if !ok {
		return "", wrap(ErrNoAgentAvailable)
	}

	winner, err := r.store.PinSessionAgent(ctx, sessionID, chosen.AgentID)
	if err != nil {
		return "", fmt.Errorf("pinning session: %w", err)
	}
	if winner != chosen.AgentID {
		r.metrics.RecordPin(ctx, "lost_race")
		r.logger.Info("pin race lost, using winner", "session_id", sessionID, "agent_id", winner)
	} else {
		r.metrics.RecordPin(ctx, "pinned")
		r.logger.Info("session pinned", "session_id", sessionID, "agent_id", winner)
	}
	return winner, nil
}

// candidates joins the org's live connections with registry state.
func (r *Router) candidates(ctx context.Context, orgID string) ([]Candidate, error) {
	conns := r.agents.Connected(orgID)
	if len(conns) == 0 {
		return nil, nil
	}
	infos, err := r.directory.ListAgents(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	byID := make(map[string]*registry.AgentInfo, len(infos))
	for _, info := range infos {
		byID[info.ID] = info
	}

	out := make([]Candidate, 0, len(conns))
	for _, conn := range conns {
		info, ok := byID[conn.ID]
		if !ok {
			continue
		}
		out = append(out, Candidate{
			AgentID:      conn.ID,
			Capabilities: conn.Capabilities,
			Tags:         info.Tags,
			Labels:       info.Labels,
			ConnectedAt:  conn.ConnectedAt,
			Connected:    true,
			Revoked:      info.Revoked,
		})
	}
	return out, nil
}

// ResetAgent clears a session's pin. The next send selects again.
func (r *Router) ResetAgent(ctx context.Context, orgID, sessionID string) error {
	if _, err := r.Session(ctx, orgID, sessionID); err != nil {
		return err
	}
	if err := r.store.ResetSessionAgent(ctx, sessionID); err != nil {
		return fmt.Errorf("resetting session agent: %w", err)
	}
	r.pins.Forget(sessionID)
	r.logger.Info("session agent reset", "session_id", sessionID)
	return nil
}

// consume appends the agent's events for one request until its result
// arrives, the agent disconnects, or the execute timeout passes.
func (r *Router) consume(sess *store.Session, conn *agent.Connection, exec *agent.Execution, kind string) {
	defer r.wg.Done()
	defer exec.Close()

	start := time.Now()
	ctx, cancel := context.WithTimeout(r.baseCtx, r.executeTimeout)
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, r.tracer, "router.execute",
		telemetry.AttrSessionID.String(sess.ID),
		telemetry.AttrAgentID.String(conn.ID),
		telemetry.AttrRequestID.String(exec.RequestID),
		telemetry.AttrKind.String(kind),
	)
	defer span.End()

	logger := r.logger.With("session_id", sess.ID, "agent_id", conn.ID, "request_id", exec.RequestID)

	for {
		f, err := exec.Next(ctx)
		if err != nil {
			code, message := CodeInternal, "execution aborted"
			switch {
			case errors.Is(err, agent.ErrDisconnected):
				code, message = CodeAgentDisconnected, "agent disconnected before the request completed"
			case errors.Is(err, context.DeadlineExceeded):
				code, message = CodeExecutionTimeout, fmt.Sprintf("no result within %s", r.executeTimeout)
			case r.baseCtx.Err() != nil:
				message = "gateway shutting down"
			}
			logger.Warn("execution ended without result", "code", code)
			span.SetStatus(codes.Error, code)
			r.appendTerminal(sess, exec.RequestID, store.EventAgentError, store.LevelError, errorPayload(code, message))
			r.metrics.RecordExecution(ctx, time.Since(start), code)
			return
		}

		switch fr := f.(type) {
		case *protocol.ExecuteEvent:
			level := fr.Event.Level
			if level == "" {
				level = store.LevelInfo
			}
			payload, _ := json.Marshal(agentMessagePayload{
				Kind:    fr.Event.Kind,
				TS:      fr.Event.TS,
				Payload: fr.Event.Payload,
			})
			if _, err := r.log.Append(ctx, &store.NewEvent{
				SessionID: sess.ID,
				EventType: store.EventAgentMessage,
				Level:     level,
				Payload:   payload,
				RequestID: exec.RequestID,
			}); err != nil {
				logger.Error("appending agent message", "error", err)
			}

		case *protocol.ExecuteResult:
			if fr.Status == protocol.StatusSucceeded {
				payload, _ := json.Marshal(agentFinalPayload{Output: fr.Output})
				r.appendTerminal(sess, exec.RequestID, store.EventAgentFinal, store.LevelInfo, payload)
				r.metrics.RecordExecution(ctx, time.Since(start), protocol.StatusSucceeded)
				logger.Info("execution succeeded", "duration", time.Since(start))
				return
			}

			code, message := CodeInternal, "agent reported failure"
			if fr.Error != nil {
				code, message = fr.Error.Code, fr.Error.Message
			}
			span.SetStatus(codes.Error, code)
			r.appendTerminal(sess, exec.RequestID, store.EventAgentError, store.LevelError, errorPayload(code, message))
			r.metrics.RecordExecution(ctx, time.Since(start), code)
			logger.Warn("execution failed", "code", code, "message", message)
			if code == CodeKindNotSupported && r.notifier != nil {
				r.notifier.NotifySessionError(sess.OrgID, sess.ID, code, message)
			}
			return
		}
	}
}

// appendTerminal appends a final event on a fresh context so it survives the
// execution's timeout.
func (r *Router) appendTerminal(sess *store.Session, requestID, eventType, level string, payload json.RawMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.log.Append(ctx, &store.NewEvent{
		SessionID: sess.ID,
		EventType: eventType,
		Level:     level,
		Payload:   payload,
		RequestID: requestID,
	}); err != nil {
		r.logger.Error("appending terminal event",
			"session_id", sess.ID,
			"request_id", requestID,
			"event_type", eventType,
			"error", err)
	}
}

// Shutdown aborts in-flight executions and waits for their terminal events
// to be written, or for ctx to end.
func (r *Router) Shutdown(ctx context.Context) error {
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every in-flight execution has finished.
func (r *Router) Wait() {
	r.wg.Wait()
}

type agentMessagePayload struct {
	Kind    string          `json:"kind"`
	TS      int64           `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type agentFinalPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

func errorPayload(code, message string) json.RawMessage {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	return payload
}

func engineOf(sess *store.Session) string {
	if sess.Engine == "" {
		return store.DefaultEngine
	}
	return sess.Engine
}
