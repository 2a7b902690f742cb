// ABOUTME: Tests for the Struct codec: messages survive the protobuf round trip by JSON field name
// ABOUTME: Raw JSON payloads, timestamps and integer seqs must come back unchanged

package control

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vespid-ai/vespid-gateway/internal/protocol"
)

func TestStructCodecRoundTrip(t *testing.T) {
	codec := structCodec{}
	in := &ReadEventsResponse{Events: []*protocol.SessionEventV2{{
		SessionID: "s1",
		Seq:       1 << 40,
		EventType: "agent_message",
		Level:     "info",
		Payload:   json.RawMessage(`{"kind":"text","ts":1700000000000,"payload":{"text":"hi","tags":["a",null]}}`),
		CreatedAt: "2026-01-02T03:04:05.000Z",
	}}}

	data, err := codec.Marshal(in)
	require.NoError(t, err)

	var out ReadEventsResponse
	require.NoError(t, codec.Unmarshal(data, &out))
	require.Len(t, out.Events, 1)
	got := out.Events[0]
	assert.Equal(t, int64(1<<40), got.Seq)
	assert.Equal(t, "agent_message", got.EventType)
	assert.Equal(t, in.Events[0].CreatedAt, got.CreatedAt)
	assert.JSONEq(t, string(in.Events[0].Payload), string(got.Payload))
}

func TestStructCodecWireIsProtobufStruct(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	data, err := structCodec{}.Marshal(&Session{ID: "s1", OrgID: "org1", Status: "active", CreatedAt: created})
	require.NoError(t, err)

	var msg structpb.Struct
	require.NoError(t, proto.Unmarshal(data, &msg))
	fields := msg.AsMap()
	assert.Equal(t, "s1", fields["id"])
	assert.Equal(t, "org1", fields["orgId"])
	assert.Equal(t, created.Format(time.RFC3339Nano), fields["createdAt"])
	assert.NotContains(t, fields, "pinnedAgentId")
}

func TestStructCodecEmptyMessage(t *testing.T) {
	codec := structCodec{}
	data, err := codec.Marshal(&RevokeAgentResponse{})
	require.NoError(t, err)
	assert.Empty(t, data)

	var out RevokeAgentResponse
	assert.NoError(t, codec.Unmarshal(data, &out))
	assert.NoError(t, codec.Unmarshal(nil, &SendMessageRequest{}))
}

func TestStructCodecRejectsGarbage(t *testing.T) {
	var out SendMessageRequest
	assert.Error(t, structCodec{}.Unmarshal([]byte{0xff, 0xff, 0xff}, &out))
}
