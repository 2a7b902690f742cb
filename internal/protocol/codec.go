// ABOUTME: JSON frame codec: encodes frames with a spliced "type" field, decodes and validates inbound frames
// ABOUTME: Malformed input is ErrMalformed (dropped by callers); schema failures are *ValidationError

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vespid-ai/vespid-gateway/internal/store"
)

// ErrMalformed is returned for input that is not a JSON object with a known
// "type" for the decoding direction. Transports drop such frames silently.
var ErrMalformed = errors.New("malformed frame")

// ValidationError is returned when a frame of a known type fails its schema.
type ValidationError struct {
	Type string
	// SessionID is the frame's sessionId field, when it had one
	SessionID string
	Err       error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s frame: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Encode marshals a frame as a JSON object with its "type" field first.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("encode %s: frame is not a JSON object", f.FrameType())
	}
	typ, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.FrameType(), err)
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}

// DecodeClient decodes a frame sent by a client.
func DecodeClient(data []byte) (Frame, error) {
	return decode(data, clientFrames)
}

// DecodeAgent decodes a frame sent by an agent.
func DecodeAgent(data []byte) (Frame, error) {
	return decode(data, agentFrames)
}

// DecodeForClient decodes a frame the gateway sends to clients.
func DecodeForClient(data []byte) (Frame, error) {
	return decode(data, gatewayToClientFrames)
}

// DecodeForAgent decodes a frame the gateway sends to agents.
func DecodeForAgent(data []byte) (Frame, error) {
	return decode(data, gatewayToAgentFrames)
}

func decode(data []byte, frames map[string]func() Frame) (Frame, error) {
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the validator needs
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	typ, _ := obj["type"].(string)
	newFrame, ok := frames[typ]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
	}
	sessionID, _ := obj["sessionId"].(string)

	sch, ok := schemas[typ]
	if !ok {
		return nil, fmt.Errorf("no schema for frame type %q", typ)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, &ValidationError{Type: typ, SessionID: sessionID, Err: err}
	}

	f := newFrame()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, &ValidationError{Type: typ, SessionID: sessionID, Err: err}
	}
	return f, nil
}

// EventFrame converts a stored session event to its wire frame.
func EventFrame(ev *store.SessionEvent) *SessionEventV2 {
	return &SessionEventV2{
		SessionID: ev.SessionID,
		Seq:       ev.Seq,
		EventType: ev.EventType,
		Level:     ev.Level,
		Payload:   ev.Payload,
		CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
