// ABOUTME: Websocket adapters that give agent and client connections their transports
// ABOUTME: Agent sockets speak JSON text frames or CBOR binary frames, chosen by the agent's hello

package gateway

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

// maxFrameBytes caps a single inbound websocket message.
const maxFrameBytes = 1 << 20

// maxCloseReason is the longest close reason a websocket close frame carries.
const maxCloseReason = 123

func closeReason(reason string) string {
	if len(reason) > maxCloseReason {
		return reason[:maxCloseReason]
	}
	return reason
}

// agentSocket implements agent.Transport over a websocket.
type agentSocket struct {
	ws     *websocket.Conn
	binary atomic.Bool
}

func newAgentSocket(ws *websocket.Conn) *agentSocket {
	return &agentSocket{ws: ws}
}

// read returns the next decoded frame and whether it arrived as binary.
func (s *agentSocket) read(ctx context.Context) (protocol.Frame, bool, error) {
	typ, data, err := s.ws.Read(ctx)
	if err != nil {
		return nil, false, err
	}
	if typ == websocket.MessageBinary {
		f, err := protocol.DecodeAgentBinary(data)
		return f, true, err
	}
	f, err := protocol.DecodeAgent(data)
	return f, false, err
}

func (s *agentSocket) Send(ctx context.Context, f protocol.Frame) error {
	if s.binary.Load() {
		data, err := protocol.EncodeBinary(f)
		if err != nil {
			return err
		}
		return s.ws.Write(ctx, websocket.MessageBinary, data)
	}
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return s.ws.Write(ctx, websocket.MessageText, data)
}

func (s *agentSocket) Ping(ctx context.Context) error {
	return s.ws.Ping(ctx)
}

func (s *agentSocket) Close(reason string) error {
	return s.ws.Close(websocket.StatusNormalClosure, closeReason(reason))
}

// clientSocket implements client.Socket over a websocket.
type clientSocket struct {
	ws *websocket.Conn
}

func (s clientSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.ws.Read(ctx)
	return data, err
}

func (s clientSocket) Write(ctx context.Context, data []byte) error {
	return s.ws.Write(ctx, websocket.MessageText, data)
}

func (s clientSocket) Close(reason string) error {
	return s.ws.Close(websocket.StatusNormalClosure, closeReason(reason))
}
