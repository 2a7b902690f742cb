// ABOUTME: Tests for the agent management layer including Manager and Connection.
// ABOUTME: Validates registration, replacement, request correlation and disconnect handling.

package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// mockTransport records frames written to an agent.
type mockTransport struct {
	mu      sync.Mutex
	sent    []protocol.Frame
	closed  bool
	reason  string
	sendErr error
}

func (m *mockTransport) Send(_ context.Context, f protocol.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, f)
	return nil
}

func (m *mockTransport) Ping(context.Context) error { return nil }

func (m *mockTransport) Close(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.reason = reason
	return nil
}

func (m *mockTransport) getSent() []protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Frame(nil), m.sent...)
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestConn(id, org string, caps ...string) (*Connection, *mockTransport) {
	tr := &mockTransport{}
	conn := NewConnection(ConnectionParams{
		ID:           id,
		OrgID:        org,
		Name:         "agent " + id,
		Capabilities: caps,
		Transport:    tr,
		Logger:       testLogger(),
	})
	return conn, tr
}

func TestManagerRegister(t *testing.T) {
	t.Run("registers and looks up", func(t *testing.T) {
		mgr := NewManager(testLogger())
		conn, _ := newTestConn("a1", "org1", "agent.run")
		mgr.Register(conn)

		got, ok := mgr.GetAgent("a1")
		require.True(t, ok)
		assert.Same(t, conn, got)
		assert.True(t, mgr.IsOnline("a1"))
		assert.False(t, mgr.IsOnline("a2"))
		assert.Equal(t, 1, mgr.Count())
	})

	t.Run("replaces and closes existing connection", func(t *testing.T) {
		mgr := NewManager(testLogger())
		first, firstTr := newTestConn("a1", "org1")
		second, secondTr := newTestConn("a1", "org1")

		mgr.Register(first)
		mgr.Register(second)

		got, ok := mgr.GetAgent("a1")
		require.True(t, ok)
		assert.Same(t, second, got)
		assert.True(t, firstTr.isClosed())
		assert.False(t, secondTr.isClosed())

		select {
		case <-first.Done():
		default:
			t.Fatal("replaced connection should be done")
		}
	})
}

func TestManagerUnregister(t *testing.T) {
	t.Run("removes current connection", func(t *testing.T) {
		mgr := NewManager(testLogger())
		conn, _ := newTestConn("a1", "org1")
		mgr.Register(conn)

		assert.True(t, mgr.Unregister(conn))
		assert.False(t, mgr.IsOnline("a1"))
		assert.False(t, mgr.Unregister(conn))
	})

	t.Run("stale connection does not remove replacement", func(t *testing.T) {
		mgr := NewManager(testLogger())
		first, _ := newTestConn("a1", "org1")
		second, _ := newTestConn("a1", "org1")
		mgr.Register(first)
		mgr.Register(second)

		assert.False(t, mgr.Unregister(first))
		got, ok := mgr.GetAgent("a1")
		require.True(t, ok)
		assert.Same(t, second, got)
	})
}

func TestManagerConnected(t *testing.T) {
	mgr := NewManager(testLogger())
	for _, c := range []struct{ id, org string }{{"b", "org1"}, {"a", "org1"}, {"c", "org2"}} {
		conn, _ := newTestConn(c.id, c.org)
		mgr.Register(conn)
	}

	ids := func(conns []*Connection) []string {
		out := make([]string, len(conns))
		for i, c := range conns {
			out[i] = c.ID
		}
		return out
	}
	assert.Equal(t, []string{"a", "b"}, ids(mgr.Connected("org1")))
	assert.Equal(t, []string{"c"}, ids(mgr.Connected("org2")))
	assert.Equal(t, []string{"a", "b", "c"}, ids(mgr.Connected("")))
	assert.Empty(t, mgr.Connected("org3"))
}

func TestManagerCloseAll(t *testing.T) {
	mgr := NewManager(testLogger())
	a, aTr := newTestConn("a", "org1")
	b, bTr := newTestConn("b", "org1")
	mgr.Register(a)
	mgr.Register(b)

	mgr.CloseAll("shutdown")
	assert.Equal(t, 0, mgr.Count())
	assert.True(t, aTr.isClosed())
	assert.True(t, bTr.isClosed())
	assert.Equal(t, "shutdown", aTr.reason)
}

func TestConnectionExecute(t *testing.T) {
	t.Run("sends execute and correlates frames", func(t *testing.T) {
		conn, tr := newTestConn("a1", "org1", "agent.run")
		exec, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.NoError(t, err)
		defer exec.Close()

		sent := tr.getSent()
		require.Len(t, sent, 1)
		assert.Equal(t, "r1", sent[0].(*protocol.Execute).RequestID)

		conn.HandleFrame(&protocol.ExecuteEvent{RequestID: "r1", Event: protocol.AgentEvent{Kind: "text"}})
		conn.HandleFrame(&protocol.ExecuteResult{RequestID: "r1", Status: protocol.StatusSucceeded})

		f, err := exec.Next(t.Context())
		require.NoError(t, err)
		assert.IsType(t, &protocol.ExecuteEvent{}, f)

		f, err = exec.Next(t.Context())
		require.NoError(t, err)
		assert.IsType(t, &protocol.ExecuteResult{}, f)
	})

	t.Run("frames for unknown requests are discarded", func(t *testing.T) {
		conn, _ := newTestConn("a1", "org1")
		conn.HandleFrame(&protocol.ExecuteResult{RequestID: "nope", Status: protocol.StatusSucceeded})
		assert.Equal(t, 0, conn.PendingCount())
	})

	t.Run("send failure releases the request", func(t *testing.T) {
		conn, tr := newTestConn("a1", "org1")
		tr.sendErr = errors.New("broken pipe")
		_, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.Error(t, err)
		assert.Equal(t, 0, conn.PendingCount())
	})

	t.Run("close fails in-flight requests", func(t *testing.T) {
		conn, _ := newTestConn("a1", "org1")
		exec, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.NoError(t, err)
		defer exec.Close()

		conn.Close("gone")
		_, err = exec.Next(t.Context())
		assert.ErrorIs(t, err, ErrDisconnected)

		_, err = conn.Execute(t.Context(), &protocol.Execute{RequestID: "r2", Kind: "agent.run"})
		assert.ErrorIs(t, err, ErrDisconnected)
	})

	t.Run("buffered frames are delivered before disconnect", func(t *testing.T) {
		conn, _ := newTestConn("a1", "org1")
		exec, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.NoError(t, err)
		defer exec.Close()

		conn.HandleFrame(&protocol.ExecuteResult{RequestID: "r1", Status: protocol.StatusSucceeded})
		conn.Close("gone")

		f, err := exec.Next(t.Context())
		require.NoError(t, err)
		assert.IsType(t, &protocol.ExecuteResult{}, f)
	})

	t.Run("next honors context deadline", func(t *testing.T) {
		conn, _ := newTestConn("a1", "org1")
		exec, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.NoError(t, err)
		defer exec.Close()

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		_, err = exec.Next(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("handle frame does not block after request closed", func(t *testing.T) {
		conn, _ := newTestConn("a1", "org1")
		exec, err := conn.Execute(t.Context(), &protocol.Execute{RequestID: "r1", Kind: "agent.run"})
		require.NoError(t, err)

		// fill the buffer, then abandon the request
		for range 16 {
			conn.HandleFrame(&protocol.ExecuteEvent{RequestID: "r1", Event: protocol.AgentEvent{Kind: "text"}})
		}
		done := make(chan struct{})
		go func() {
			conn.HandleFrame(&protocol.ExecuteEvent{RequestID: "r1", Event: protocol.AgentEvent{Kind: "text"}})
			close(done)
		}()
		exec.Close()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("HandleFrame blocked after request was closed")
		}
	})
}

func TestConnectionHasCapability(t *testing.T) {
	conn, _ := newTestConn("a1", "org1", "agent.run", "shell")
	assert.True(t, conn.HasCapability("shell"))
	assert.False(t, conn.HasCapability("browser"))
}
