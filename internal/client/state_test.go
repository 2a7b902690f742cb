// ABOUTME: Table tests for the pure client state machine
// ABOUTME: Every transition is checked for its resulting state and emitted effects

package client

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
	"github.com/vespid-ai/vespid-gateway/internal/router"
)

func authenticated(joined ...string) State {
	s := NewState("conn-1")
	s.Phase = Authenticated
	for _, id := range joined {
		s = s.withJoined(id)
	}
	return s
}

func int64Ptr(v int64) *int64 { return &v }

func TestHandle(t *testing.T) {
	tests := []struct {
		name      string
		state     State
		input     Input
		wantPhase Phase
		joined    []string
		effects   []Effect
	}{
		{
			name:      "hello authenticates",
			state:     NewState("conn-1"),
			input:     FrameReceived{Frame: &protocol.ClientHello{ClientVersion: "1.0"}},
			wantPhase: Authenticated,
			effects:   []Effect{Reply{Frame: &protocol.ClientWelcome{ConnectionID: "conn-1"}}},
		},
		{
			name:      "join before hello is rejected",
			state:     NewState("conn-1"),
			input:     FrameReceived{Frame: &protocol.SessionJoin{SessionID: "s1"}},
			wantPhase: Unauthenticated,
			effects:   []Effect{sessionError("s1", router.CodeForbidden, "client_hello required")},
		},
		{
			name:      "repeated hello is ignored",
			state:     authenticated(),
			input:     FrameReceived{Frame: &protocol.ClientHello{}},
			wantPhase: Authenticated,
		},
		{
			name:      "join asks for authorization",
			state:     authenticated(),
			input:     FrameReceived{Frame: &protocol.SessionJoin{SessionID: "s1", AfterSeq: int64Ptr(7)}},
			wantPhase: Authenticated,
			effects:   []Effect{Authorize{SessionID: "s1", AfterSeq: 7}},
		},
		{
			name:      "join without afterSeq backfills from the start",
			state:     authenticated(),
			input:     FrameReceived{Frame: &protocol.SessionJoin{SessionID: "s1"}},
			wantPhase: Authenticated,
			effects:   []Effect{Authorize{SessionID: "s1", AfterSeq: 0}},
		},
		{
			name:      "repeated join is ignored",
			state:     authenticated("s1"),
			input:     FrameReceived{Frame: &protocol.SessionJoin{SessionID: "s1"}},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
		},
		{
			name:      "authorized join starts tail",
			state:     authenticated(),
			input:     JoinAuthorized{SessionID: "s1", AfterSeq: 3, PinnedAgentID: "agent-1"},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
			effects: []Effect{
				Reply{Frame: &protocol.SessionJoined{SessionID: "s1", PinnedAgentID: "agent-1"}},
				StartTail{SessionID: "s1", AfterSeq: 3},
			},
		},
		{
			name:      "duplicate authorization does not start a second tail",
			state:     authenticated("s1"),
			input:     JoinAuthorized{SessionID: "s1"},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
		},
		{
			name:      "denied join reports error",
			state:     authenticated(),
			input:     JoinDenied{SessionID: "s1", Code: router.CodeForbidden, Message: "nope"},
			wantPhase: Authenticated,
			effects:   []Effect{sessionError("s1", router.CodeForbidden, "nope")},
		},
		{
			name:      "send on joined session dispatches",
			state:     authenticated("s1"),
			input:     FrameReceived{Frame: &protocol.SessionSend{SessionID: "s1", Message: "hi", IdempotencyKey: "k1"}},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
			effects:   []Effect{Dispatch{SessionID: "s1", Message: "hi", IdempotencyKey: "k1"}},
		},
		{
			name:      "send without join is rejected",
			state:     authenticated(),
			input:     FrameReceived{Frame: &protocol.SessionSend{SessionID: "s1", Message: "hi"}},
			wantPhase: Authenticated,
			effects:   []Effect{sessionError("s1", router.CodeForbidden, "session not joined")},
		},
		{
			name:      "reset on joined session",
			state:     authenticated("s1"),
			input:     FrameReceived{Frame: &protocol.SessionResetAgent{SessionID: "s1"}},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
			effects:   []Effect{ResetPin{SessionID: "s1"}},
		},
		{
			name:      "reset without join is rejected",
			state:     authenticated(),
			input:     FrameReceived{Frame: &protocol.SessionResetAgent{SessionID: "s1"}},
			wantPhase: Authenticated,
			effects:   []Effect{sessionError("s1", router.CodeForbidden, "session not joined")},
		},
		{
			name:      "failed request surfaces its code",
			state:     authenticated("s1"),
			input:     RequestFailed{SessionID: "s1", Code: router.CodePinnedAgentOffline, Message: "pinned agent is offline"},
			wantPhase: Authenticated,
			joined:    []string{"s1"},
			effects:   []Effect{sessionError("s1", router.CodePinnedAgentOffline, "pinned agent is offline")},
		},
		{
			name:      "invalid frame",
			state:     authenticated(),
			input:     FrameInvalid{SessionID: "s1", Reason: "bad"},
			wantPhase: Authenticated,
			effects:   []Effect{sessionError("s1", router.CodeInvalidFrame, "bad")},
		},
		{
			name:      "throttled frame",
			state:     NewState("conn-1"),
			input:     Throttled{},
			wantPhase: Unauthenticated,
			effects:   []Effect{sessionError("", router.CodeRateLimited, "frame rate limit exceeded")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, effects := Handle(tt.state, tt.input)
			assert.Equal(t, tt.wantPhase, got.Phase)
			assert.Equal(t, tt.effects, effects)
			assert.Len(t, got.Joined, len(tt.joined))
			for _, id := range tt.joined {
				assert.True(t, got.IsJoined(id), id)
			}
		})
	}
}

func TestHandleDoesNotMutateInput(t *testing.T) {
	before := authenticated("s1")
	after, _ := Handle(before, JoinAuthorized{SessionID: "s2"})

	assert.True(t, after.IsJoined("s2"))
	assert.False(t, before.IsJoined("s2"))
	assert.Len(t, before.Joined, 1)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "unauthenticated", Unauthenticated.String())
	assert.Equal(t, "authenticated", Authenticated.String())
	assert.Equal(t, "unknown", Phase(9).String())
}
