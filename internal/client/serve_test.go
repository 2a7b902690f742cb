// ABOUTME: Tests for the client edge and hub over an in-memory socket
// ABOUTME: Covers the handshake, join authorization, backfill plus live tail, errors and rate limiting

package client

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

	"github.com/vespid-ai/vespid-gateway/internal/conversation"
	"github.com/vespid-ai/vespid-gateway/internal/eventlog"
	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/store"
	"github.com/vespid-ai/vespid-gateway/internal/store/storetest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errSocketClosed = errors.New("socket closed")

// fakeSocket is an in-memory client socket.
type fakeSocket struct {
	in        chan []byte
	out       chan protocol.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan protocol.Frame, 256),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-s.in:
		return data, nil
	case <-s.closed:
		return nil, errSocketClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSocket) Write(_ context.Context, data []byte) error {
	f, err := protocol.DecodeForClient(data)
	if err != nil {
		return err
	}
	select {
	case s.out <- f:
		return nil
	case <-s.closed:
		return errSocketClosed
	}
}

func (s *fakeSocket) Close(string) error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) send(t *testing.T, raw string) {
	t.Helper()
	s.in <- []byte(raw)
}

func (s *fakeSocket) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-s.out:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (s *fakeSocket) nextError(t *testing.T) *protocol.SessionError {
	t.Helper()
	f := s.next(t)
	se, ok := f.(*protocol.SessionError)
	require.True(t, ok, "expected session_error, got %T", f)
	return se
}

// fakeBackend authorizes against a store and records sends and resets.
type fakeBackend struct {
	store store.Store

	mu      sync.Mutex
	sends   []router.SendRequest
	resets  []string
	sendErr error
}

func (b *fakeBackend) Session(ctx context.Context, orgID, sessionID string) (*store.Session, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, router.NewError(router.CodeSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, err
	}
	if sess.OrgID != orgID {
		return nil, router.NewError(router.CodeForbidden, "session belongs to another organization")
	}
	return sess, nil
}

func (b *fakeBackend) RouteSend(_ context.Context, req router.SendRequest) (*router.Outcome, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sends = append(b.sends, req)
	if b.sendErr != nil {
		return nil, b.sendErr
	}
	return &router.Outcome{Status: store.InboundAccepted}, nil
}

func (b *fakeBackend) ResetAgent(_ context.Context, _, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets = append(b.resets, sessionID)
	return nil
}

func (b *fakeBackend) getSends() []router.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]router.SendRequest(nil), b.sends...)
}

type fixture struct {
	store   *store.MockStore
	backend *fakeBackend
	events  *conversation.SessionEvents
	log     *eventlog.Log
	hub     *Hub
	server  *Server
}

func newFixture(t *testing.T, cfg ServerConfig) *fixture {
	t.Helper()
	s := store.NewMockStore()
	events := conversation.NewSessionEvents(testLogger())
	fx := &fixture{
		store:   s,
		backend: &fakeBackend{store: s},
		events:  events,
		log:     eventlog.New(s, events, eventlog.Config{}, testLogger()),
		hub:     NewHub(testLogger()),
	}
	fx.server = NewServer(fx.hub, fx.backend, conversation.NewTail(s, events, testLogger()), cfg, testLogger())
	t.Cleanup(func() {
		fx.log.Close()
		fx.events.Close()
	})
	return fx
}

// connect starts Serve for a new connection in orgID.
func (fx *fixture) connect(t *testing.T, orgID string) (*fakeSocket, *Conn) {
	t.Helper()
	sock := newFakeSocket()
	conn := NewConn("conn-"+orgID, orgID, "user-1", sock)
	done := make(chan error, 1)
	go func() { done <- fx.server.Serve(context.Background(), conn) }()
	t.Cleanup(func() {
		sock.Close("test done")
		select {
		case err := <-done:
			assert.ErrorIs(t, err, errSocketClosed)
		case <-time.After(2 * time.Second):
			t.Error("Serve did not return")
		}
	})
	return sock, conn
}

func (fx *fixture) appendEvent(t *testing.T, sessionID string) *store.SessionEvent {
	t.Helper()
	ev, err := fx.log.Append(t.Context(), &store.NewEvent{SessionID: sessionID, EventType: store.EventAgentMessage, Level: store.LevelInfo})
	require.NoError(t, err)
	return ev
}

func hello(t *testing.T, sock *fakeSocket) {
	t.Helper()
	sock.send(t, `{"type":"client_hello","clientVersion":"test"}`)
	welcome, ok := sock.next(t).(*protocol.ClientWelcome)
	require.True(t, ok)
	assert.NotEmpty(t, welcome.ConnectionID)
}

func join(t *testing.T, sock *fakeSocket, raw string) *protocol.SessionJoined {
	t.Helper()
	sock.send(t, raw)
	f := sock.next(t)
	joined, ok := f.(*protocol.SessionJoined)
	require.True(t, ok, "expected session_joined, got %#v", f)
	return joined
}

func TestServe_Handshake(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sock, _ := fx.connect(t, "org1")

	sock.send(t, `{"type":"session_join","sessionId":"s1"}`)
	assert.Equal(t, router.CodeForbidden, sock.nextError(t).Code)

	hello(t, sock)
	assert.Equal(t, 1, fx.hub.Count())
}

func TestServe_MalformedFramesAreDropped(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sock, _ := fx.connect(t, "org1")

	sock.send(t, `not json`)
	sock.send(t, `{"no":"type"}`)
	sock.send(t, `{"type":"mystery"}`)
	hello(t, sock)
}

func TestServe_InvalidFrame(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sock, _ := fx.connect(t, "org1")
	hello(t, sock)

	sock.send(t, `{"type":"session_send","sessionId":"s1","message":""}`)
	se := sock.nextError(t)
	assert.Equal(t, router.CodeInvalidFrame, se.Code)
	assert.Equal(t, "s1", se.SessionID)
}

func TestServe_JoinAuthorization(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	foreign := storetest.NewSession(t, fx.store, "org2")
	sock, _ := fx.connect(t, "org1")
	hello(t, sock)

	sock.send(t, `{"type":"session_join","sessionId":"missing"}`)
	assert.Equal(t, router.CodeSessionNotFound, sock.nextError(t).Code)

	sock.send(t, `{"type":"session_join","sessionId":"`+foreign.ID+`"}`)
	se := sock.nextError(t)
	assert.Equal(t, router.CodeForbidden, se.Code)
	assert.Equal(t, foreign.ID, se.SessionID)
}

func TestServe_BackfillThenLive(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sess := storetest.NewSession(t, fx.store, "org1")
	for range 3 {
		fx.appendEvent(t, sess.ID)
	}
	sock, conn := fx.connect(t, "org1")
	hello(t, sock)

	joined := join(t, sock, `{"type":"session_join","sessionId":"`+sess.ID+`","afterSeq":1}`)
	assert.Equal(t, sess.ID, joined.SessionID)
	assert.True(t, conn.Joined(sess.ID))

	var seqs []int64
	for range 2 {
		ev := sock.next(t).(*protocol.SessionEventV2)
		seqs = append(seqs, ev.Seq)
	}
	fx.appendEvent(t, sess.ID)
	fx.appendEvent(t, sess.ID)
	for range 2 {
		ev := sock.next(t).(*protocol.SessionEventV2)
		assert.Equal(t, sess.ID, ev.SessionID)
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []int64{2, 3, 4, 5}, seqs)
}

func TestServe_SendAndReset(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sess := storetest.NewSession(t, fx.store, "org1")
	sock, _ := fx.connect(t, "org1")
	hello(t, sock)
	join(t, sock, `{"type":"session_join","sessionId":"`+sess.ID+`"}`)

	sock.send(t, `{"type":"session_send","sessionId":"`+sess.ID+`","message":"hi","idempotencyKey":"k1"}`)
	sock.send(t, `{"type":"session_reset_agent","sessionId":"`+sess.ID+`"}`)
	// frames are handled in order, so this error arrives after both above
	sock.send(t, `{"type":"session_reset_agent","sessionId":"unjoined"}`)
	assert.Equal(t, "unjoined", sock.nextError(t).SessionID)

	assert.Equal(t, []router.SendRequest{{OrgID: "org1", SessionID: sess.ID, Message: "hi", IdempotencyKey: "k1"}}, fx.backend.getSends())
	fx.backend.mu.Lock()
	assert.Equal(t, []string{sess.ID}, fx.backend.resets)
	fx.backend.mu.Unlock()
}

func TestServe_RoutingErrorKeepsConnection(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	fx.backend.sendErr = router.NewError(router.CodePinnedAgentOffline, "pinned agent is offline")
	sess := storetest.NewSession(t, fx.store, "org1")
	sock, _ := fx.connect(t, "org1")
	hello(t, sock)
	join(t, sock, `{"type":"session_join","sessionId":"`+sess.ID+`"}`)

	sock.send(t, `{"type":"session_send","sessionId":"`+sess.ID+`","message":"hi"}`)
	se := sock.nextError(t)
	assert.Equal(t, router.CodePinnedAgentOffline, se.Code)
	assert.Equal(t, "pinned agent is offline", se.Message)

	// still usable
	sock.send(t, `{"type":"session_send","sessionId":"`+sess.ID+`","message":"again"}`)
	assert.Equal(t, router.CodePinnedAgentOffline, sock.nextError(t).Code)
	assert.Len(t, fx.backend.getSends(), 2)
}

func TestServe_RateLimit(t *testing.T) {
	fx := newFixture(t, ServerConfig{RateLimit: 0.001, Burst: 1})
	sess := storetest.NewSession(t, fx.store, "org1")
	sock, _ := fx.connect(t, "org1")
	hello(t, sock)

	sock.send(t, `{"type":"session_join","sessionId":"`+sess.ID+`"}`)
	se := sock.nextError(t)
	assert.Equal(t, router.CodeRateLimited, se.Code)
	assert.Equal(t, sess.ID, se.SessionID)
}

func TestHub_NotifySessionError(t *testing.T) {
	fx := newFixture(t, ServerConfig{})
	sess := storetest.NewSession(t, fx.store, "org1")

	joinedSock, _ := fx.connect(t, "org1")
	hello(t, joinedSock)
	join(t, joinedSock, `{"type":"session_join","sessionId":"`+sess.ID+`"}`)

	idle := newFakeSocket()
	fx.hub.Add(NewConn("idle", "org1", "user-2", idle))

	fx.hub.NotifySessionError("org1", sess.ID, router.CodeKindNotSupported, "no")
	se := joinedSock.nextError(t)
	assert.Equal(t, router.CodeKindNotSupported, se.Code)
	assert.Equal(t, sess.ID, se.SessionID)

	select {
	case f := <-idle.out:
		t.Fatalf("connection that did not join got %#v", f)
	default:
	}
}

func TestHub_AddRemove(t *testing.T) {
	hub := NewHub(testLogger())
	a := NewConn("a", "org1", "u", newFakeSocket())
	b := NewConn("b", "org1", "u", newFakeSocket())
	c := NewConn("c", "org2", "u", newFakeSocket())
	hub.Add(a)
	hub.Add(b)
	hub.Add(c)

	assert.Equal(t, 3, hub.Count())
	assert.ElementsMatch(t, []*Conn{a, b}, hub.Connections("org1"))

	hub.Remove(a)
	hub.Remove(c)
	assert.Equal(t, 1, hub.Count())
	assert.Empty(t, hub.Connections("org2"))

	hub.CloseAll("bye")
	_, err := b.socket.Read(context.Background())
	assert.ErrorIs(t, err, errSocketClosed)
}
