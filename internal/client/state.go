// ABOUTME: Pure per-connection state machine for client sockets
// ABOUTME: Handle maps (state, input) to (state, effects); all socket and store I/O happens in Serve

package client

import (
	"maps"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/router"
)

// Phase is the connection's handshake phase.
type Phase int

const (
	// Unauthenticated connections have not sent client_hello yet.
	Unauthenticated Phase = iota
	// Authenticated connections may join sessions.
	Authenticated
)

func (p Phase) String() string {
	switch p {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// State is a client connection's protocol state. It is a value: Handle never
// mutates the State it is given.
type State struct {
	Phase        Phase
	ConnectionID string
	// Joined is the set of sessions this connection observes.
	Joined map[string]struct{}
}

// NewState returns the initial state of a new connection.
func NewState(connectionID string) State {
	return State{Phase: Unauthenticated, ConnectionID: connectionID}
}

// IsJoined reports whether the connection has joined sessionID.
func (s State) IsJoined(sessionID string) bool {
	_, ok := s.Joined[sessionID]
	return ok
}

func (s State) withJoined(sessionID string) State {
	joined := maps.Clone(s.Joined)
	if joined == nil {
		joined = make(map[string]struct{})
	}
	joined[sessionID] = struct{}{}
	s.Joined = joined
	return s
}

// Input drives the state machine.
type Input interface{ isInput() }

// FrameReceived is a decoded, schema-valid client frame.
type FrameReceived struct{ Frame protocol.Frame }

// FrameInvalid is a frame of a known type that failed validation.
type FrameInvalid struct {
	SessionID string
	Reason    string
}

// JoinAuthorized is the edge's answer to Authorize when the session belongs
// to the connection's organization.
type JoinAuthorized struct {
	SessionID     string
	AfterSeq      int64
	PinnedAgentID string
}

// JoinDenied is the edge's answer to Authorize otherwise.
type JoinDenied struct {
	SessionID string
	Code      string
	Message   string
}

// RequestFailed reports a send or reset the edge could not carry out.
type RequestFailed struct {
	SessionID string
	Code      string
	Message   string
}

// Throttled is a frame dropped by the connection's rate limit.
type Throttled struct{ SessionID string }

func (FrameReceived) isInput()  {}
func (FrameInvalid) isInput()   {}
func (JoinAuthorized) isInput() {}
func (JoinDenied) isInput()     {}
func (RequestFailed) isInput()  {}
func (Throttled) isInput()      {}

// Effect is work the edge performs on behalf of the state machine.
type Effect interface{ isEffect() }

// Reply writes a frame to the client.
type Reply struct{ Frame protocol.Frame }

// Authorize asks the edge to check the session belongs to the connection's
// organization and answer with JoinAuthorized or JoinDenied.
type Authorize struct {
	SessionID string
	AfterSeq  int64
}

// StartTail starts streaming a session's events after AfterSeq.
type StartTail struct {
	SessionID string
	AfterSeq  int64
}

// Dispatch routes a user message to the session's agent.
type Dispatch struct {
	SessionID      string
	Message        string
	IdempotencyKey string
}

// ResetPin clears the session's pinned agent.
type ResetPin struct{ SessionID string }

func (Reply) isEffect()     {}
func (Authorize) isEffect() {}
func (StartTail) isEffect() {}
func (Dispatch) isEffect()  {}
func (ResetPin) isEffect()  {}

func sessionError(sessionID, code, message string) Reply {
	return Reply{Frame: &protocol.SessionError{SessionID: sessionID, Code: code, Message: message}}
}

// Handle applies one input. It is pure: the same state and input always
// produce the same result.
func Handle(s State, in Input) (State, []Effect) {
	switch in := in.(type) {
	case FrameReceived:
		return handleFrame(s, in.Frame)

	case FrameInvalid:
		return s, []Effect{sessionError(in.SessionID, router.CodeInvalidFrame, in.Reason)}

	case Throttled:
		return s, []Effect{sessionError(in.SessionID, router.CodeRateLimited, "frame rate limit exceeded")}

	case JoinAuthorized:
		if s.Phase != Authenticated || s.IsJoined(in.SessionID) {
			return s, nil
		}
		s = s.withJoined(in.SessionID)
		return s, []Effect{
			Reply{Frame: &protocol.SessionJoined{SessionID: in.SessionID, PinnedAgentID: in.PinnedAgentID}},
			StartTail{SessionID: in.SessionID, AfterSeq: in.AfterSeq},
		}

	case JoinDenied:
		return s, []Effect{sessionError(in.SessionID, in.Code, in.Message)}

	case RequestFailed:
		return s, []Effect{sessionError(in.SessionID, in.Code, in.Message)}
	}
	return s, nil
}

func handleFrame(s State, f protocol.Frame) (State, []Effect) {
	if s.Phase == Unauthenticated {
		if _, ok := f.(*protocol.ClientHello); ok {
			s.Phase = Authenticated
			return s, []Effect{Reply{Frame: &protocol.ClientWelcome{ConnectionID: s.ConnectionID}}}
		}
		return s, []Effect{sessionError(sessionIDOf(f), router.CodeForbidden, "client_hello required")}
	}

	switch f := f.(type) {
	case *protocol.ClientHello:
		// repeated hello is harmless
		return s, nil

	case *protocol.SessionJoin:
		if s.IsJoined(f.SessionID) {
			return s, nil
		}
		var after int64
		if f.AfterSeq != nil {
			after = *f.AfterSeq
		}
		return s, []Effect{Authorize{SessionID: f.SessionID, AfterSeq: after}}

	case *protocol.SessionSend:
		if !s.IsJoined(f.SessionID) {
			return s, []Effect{sessionError(f.SessionID, router.CodeForbidden, "session not joined")}
		}
		return s, []Effect{Dispatch{SessionID: f.SessionID, Message: f.Message, IdempotencyKey: f.IdempotencyKey}}

	case *protocol.SessionResetAgent:
		if !s.IsJoined(f.SessionID) {
			return s, []Effect{sessionError(f.SessionID, router.CodeForbidden, "session not joined")}
		}
		return s, []Effect{ResetPin{SessionID: f.SessionID}}
	}
	return s, nil
}

// sessionIDOf returns the session a client frame addresses, if any.
func sessionIDOf(f protocol.Frame) string {
	switch f := f.(type) {
	case *protocol.SessionJoin:
		return f.SessionID
	case *protocol.SessionSend:
		return f.SessionID
	case *protocol.SessionResetAgent:
		return f.SessionID
	}
	return ""
}
