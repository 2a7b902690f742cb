// ABOUTME: Wire frame types for the client and agent websocket protocols
// ABOUTME: Every frame is a JSON object whose "type" field names one of the structs below

package protocol

import "encoding/json"

// Client -> gateway frame types
const (
	TypeClientHello       = "client_hello"
	TypeSessionJoin       = "session_join"
	TypeSessionSend       = "session_send"
	TypeSessionResetAgent = "session_reset_agent"
)

// Gateway -> client frame types
const (
	TypeSessionEventV2 = "session_event_v2"
	TypeSessionError   = "session_error"
	TypeSessionJoined  = "session_joined"
	TypeClientWelcome  = "client_welcome"
)

// Agent -> gateway frame types
const (
	TypeHello         = "hello"
	TypeExecuteEvent  = "execute_event"
	TypeExecuteResult = "execute_result"
)

// Gateway -> agent frame types
const (
	TypeExecute = "execute"
	TypeWelcome = "welcome"
)

// Execution result statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Frame is implemented by every wire frame.
type Frame interface {
	FrameType() string
}

// ClientHello opens a client frame stream.
type ClientHello struct {
	ClientVersion string `json:"clientVersion,omitempty"`
}

// SessionJoin subscribes the connection to a session, optionally backfilling
// events after AfterSeq.
type SessionJoin struct {
	SessionID string `json:"sessionId"`
	AfterSeq  *int64 `json:"afterSeq,omitempty"`
}

// SessionSend submits a user message.
type SessionSend struct {
	SessionID      string `json:"sessionId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SessionResetAgent clears the session's pinned agent.
type SessionResetAgent struct {
	SessionID string `json:"sessionId"`
}

// SessionEventV2 carries one persisted session event.
type SessionEventV2 struct {
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq"`
	EventType string          `json:"eventType"`
	Level     string          `json:"level"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"createdAt"`
}

// SessionError reports a failure scoped to a session (or to the connection
// when SessionID is empty).
type SessionError struct {
	SessionID string `json:"sessionId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SessionJoined acknowledges a session_join.
type SessionJoined struct {
	SessionID     string `json:"sessionId"`
	PinnedAgentID string `json:"pinnedAgentId,omitempty"`
}

// ClientWelcome acknowledges client_hello.
type ClientWelcome struct {
	ConnectionID string `json:"connectionId"`
}

// Hello declares an agent's capabilities. An agent connection is not
// dispatchable until it sends one.
type Hello struct {
	AgentVersion string   `json:"agentVersion,omitempty"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// Execute dispatches one request to an agent.
type Execute struct {
	RequestID string         `json:"requestId"`
	Kind      string         `json:"kind"`
	Payload   ExecutePayload `json:"payload"`
}

// ExecutePayload is the body of an execute frame.
type ExecutePayload struct {
	SessionID string          `json:"sessionId"`
	Message   string          `json:"message"`
	Toolset   json.RawMessage `json:"toolset,omitempty"`
	LLM       json.RawMessage `json:"llm,omitempty"`
	ToolAllow []string        `json:"toolAllow,omitempty"`
}

// ExecuteEvent streams an intermediate event for a request.
type ExecuteEvent struct {
	RequestID string     `json:"requestId"`
	Event     AgentEvent `json:"event"`
}

// AgentEvent is the event body inside execute_event.
type AgentEvent struct {
	TS      int64           `json:"ts,omitempty"`
	Kind    string          `json:"kind"`
	Level   string          `json:"level,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ExecuteResult terminates a request.
type ExecuteResult struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     *ResultError    `json:"error,omitempty"`
}

// ResultError is the failure detail of a failed execute_result.
type ResultError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Welcome acknowledges an agent hello.
type Welcome struct {
	AgentID string `json:"agentId"`
}

func (*ClientHello) FrameType() string       { return TypeClientHello }
func (*SessionJoin) FrameType() string       { return TypeSessionJoin }
func (*SessionSend) FrameType() string       { return TypeSessionSend }
func (*SessionResetAgent) FrameType() string { return TypeSessionResetAgent }
func (*SessionEventV2) FrameType() string    { return TypeSessionEventV2 }
func (*SessionError) FrameType() string      { return TypeSessionError }
func (*SessionJoined) FrameType() string     { return TypeSessionJoined }
func (*ClientWelcome) FrameType() string     { return TypeClientWelcome }
func (*Hello) FrameType() string             { return TypeHello }
func (*Execute) FrameType() string           { return TypeExecute }
func (*ExecuteEvent) FrameType() string      { return TypeExecuteEvent }
func (*ExecuteResult) FrameType() string     { return TypeExecuteResult }
func (*Welcome) FrameType() string           { return TypeWelcome }

// Frame sets by direction. The constructors return a fresh value to decode into.
var (
	clientFrames = map[string]func() Frame{
		TypeClientHello:       func() Frame { return &ClientHello{} },
		TypeSessionJoin:       func() Frame { return &SessionJoin{} },
		TypeSessionSend:       func() Frame { return &SessionSend{} },
		TypeSessionResetAgent: func() Frame { return &SessionResetAgent{} },
	}
	agentFrames = map[string]func() Frame{
		TypeHello:         func() Frame { return &Hello{} },
		TypeExecuteEvent:  func() Frame { return &ExecuteEvent{} },
		TypeExecuteResult: func() Frame { return &ExecuteResult{} },
	}
	// gateway -> peer frames, decoded by the fake agent and by tests
	gatewayToClientFrames = map[string]func() Frame{
		TypeSessionEventV2: func() Frame { return &SessionEventV2{} },
		TypeSessionError:   func() Frame { return &SessionError{} },
		TypeSessionJoined:  func() Frame { return &SessionJoined{} },
		TypeClientWelcome:  func() Frame { return &ClientWelcome{} },
	}
	gatewayToAgentFrames = map[string]func() Frame{
		TypeExecute: func() Frame { return &Execute{} },
		TypeWelcome: func() Frame { return &Welcome{} },
	}
)
