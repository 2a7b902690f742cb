// ABOUTME: Typed client for the Control service over a gRPC connection
// ABOUTME: Used by the CLI; every call is sent with the JSON content subtype

package control

import (
	"context"

	"google.golang.org/grpc"
)

// Client calls the Control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) IssuePairingToken(ctx context.Context, in *IssuePairingTokenRequest, opts ...grpc.CallOption) (*IssuePairingTokenResponse, error) {
	return invoke[IssuePairingTokenResponse](ctx, c.cc, MethodIssuePairingToken, in, opts)
}

func (c *Client) RedeemPairingToken(ctx context.Context, in *RedeemPairingTokenRequest, opts ...grpc.CallOption) (*RedeemPairingTokenResponse, error) {
	return invoke[RedeemPairingTokenResponse](ctx, c.cc, MethodRedeemPairingToken, in, opts)
}

func (c *Client) RevokeAgent(ctx context.Context, in *RevokeAgentRequest, opts ...grpc.CallOption) (*RevokeAgentResponse, error) {
	return invoke[RevokeAgentResponse](ctx, c.cc, MethodRevokeAgent, in, opts)
}

func (c *Client) LookupAgent(ctx context.Context, in *LookupAgentRequest, opts ...grpc.CallOption) (*LookupAgentResponse, error) {
	return invoke[LookupAgentResponse](ctx, c.cc, MethodLookupAgent, in, opts)
}

func (c *Client) ListAgents(ctx context.Context, in *ListAgentsRequest, opts ...grpc.CallOption) (*ListAgentsResponse, error) {
	return invoke[ListAgentsResponse](ctx, c.cc, MethodListAgents, in, opts)
}

func (c *Client) CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error) {
	return invoke[CreateSessionResponse](ctx, c.cc, MethodCreateSession, in, opts)
}

func (c *Client) GetSession(ctx context.Context, in *GetSessionRequest, opts ...grpc.CallOption) (*GetSessionResponse, error) {
	return invoke[GetSessionResponse](ctx, c.cc, MethodGetSession, in, opts)
}

func (c *Client) ListSessions(ctx context.Context, in *ListSessionsRequest, opts ...grpc.CallOption) (*ListSessionsResponse, error) {
	return invoke[ListSessionsResponse](ctx, c.cc, MethodListSessions, in, opts)
}

func (c *Client) ResetSessionAgent(ctx context.Context, in *ResetSessionAgentRequest, opts ...grpc.CallOption) (*ResetSessionAgentResponse, error) {
	return invoke[ResetSessionAgentResponse](ctx, c.cc, MethodResetSessionAgent, in, opts)
}

func (c *Client) ReadEvents(ctx context.Context, in *ReadEventsRequest, opts ...grpc.CallOption) (*ReadEventsResponse, error) {
	return invoke[ReadEventsResponse](ctx, c.cc, MethodReadEvents, in, opts)
}

func (c *Client) SendMessage(ctx context.Context, in *SendMessageRequest, opts ...grpc.CallOption) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c.cc, MethodSendMessage, in, opts)
}

func (c *Client) EnqueueRun(ctx context.Context, in *EnqueueRunRequest, opts ...grpc.CallOption) (*EnqueueRunResponse, error) {
	return invoke[EnqueueRunResponse](ctx, c.cc, MethodEnqueueRun, in, opts)
}
