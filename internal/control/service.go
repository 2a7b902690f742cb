// ABOUTME: Hand-written service descriptor for vespid.control.v1.Control
// ABOUTME: Mirrors what protoc-gen-go-grpc emits, with JSON messages instead of protobuf

package control

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "vespid.control.v1.Control"

// ControlServer is the server API for the Control service.
type ControlServer interface {
	IssuePairingToken(context.Context, *IssuePairingTokenRequest) (*IssuePairingTokenResponse, error)
	RedeemPairingToken(context.Context, *RedeemPairingTokenRequest) (*RedeemPairingTokenResponse, error)
	RevokeAgent(context.Context, *RevokeAgentRequest) (*RevokeAgentResponse, error)
	LookupAgent(context.Context, *LookupAgentRequest) (*LookupAgentResponse, error)
	ListAgents(context.Context, *ListAgentsRequest) (*ListAgentsResponse, error)
	CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error)
	GetSession(context.Context, *GetSessionRequest) (*GetSessionResponse, error)
	ListSessions(context.Context, *ListSessionsRequest) (*ListSessionsResponse, error)
	ResetSessionAgent(context.Context, *ResetSessionAgentRequest) (*ResetSessionAgentResponse, error)
	ReadEvents(context.Context, *ReadEventsRequest) (*ReadEventsResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	EnqueueRun(context.Context, *EnqueueRunRequest) (*EnqueueRunResponse, error)
}

// Method names, as used in FullMethod.
const (
	MethodIssuePairingToken  = "/" + ServiceName + "/IssuePairingToken"
	MethodRedeemPairingToken = "/" + ServiceName + "/RedeemPairingToken"
	MethodRevokeAgent        = "/" + ServiceName + "/RevokeAgent"
	MethodLookupAgent        = "/" + ServiceName + "/LookupAgent"
	MethodListAgents         = "/" + ServiceName + "/ListAgents"
	MethodCreateSession      = "/" + ServiceName + "/CreateSession"
	MethodGetSession         = "/" + ServiceName + "/GetSession"
	MethodListSessions       = "/" + ServiceName + "/ListSessions"
	MethodResetSessionAgent  = "/" + ServiceName + "/ResetSessionAgent"
	MethodReadEvents         = "/" + ServiceName + "/ReadEvents"
	MethodSendMessage        = "/" + ServiceName + "/SendMessage"
	MethodEnqueueRun         = "/" + ServiceName + "/EnqueueRun"
)

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func _IssuePairingTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(IssuePairingTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).IssuePairingToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodIssuePairingToken}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).IssuePairingToken(ctx, req.(*IssuePairingTokenRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RedeemPairingTokenHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RedeemPairingTokenRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RedeemPairingToken(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRedeemPairingToken}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).RedeemPairingToken(ctx, req.(*RedeemPairingTokenRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _RevokeAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RevokeAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).RevokeAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRevokeAgent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).RevokeAgent(ctx, req.(*RevokeAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _LookupAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(LookupAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).LookupAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodLookupAgent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).LookupAgent(ctx, req.(*LookupAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ListAgentsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListAgentsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ListAgents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListAgents}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).ListAgents(ctx, req.(*ListAgentsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _CreateSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CreateSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).CreateSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCreateSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).CreateSession(ctx, req.(*CreateSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _GetSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).GetSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodGetSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).GetSession(ctx, req.(*GetSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ListSessionsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListSessionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodListSessions}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).ListSessions(ctx, req.(*ListSessionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ResetSessionAgentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ResetSessionAgentRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ResetSessionAgent(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodResetSessionAgent}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).ResetSessionAgent(ctx, req.(*ResetSessionAgentRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _ReadEventsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ReadEventsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).ReadEvents(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodReadEvents}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).ReadEvents(ctx, req.(*ReadEventsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _SendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SendMessageRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodSendMessage}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).SendMessage(ctx, req.(*SendMessageRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _EnqueueRunHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EnqueueRunRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).EnqueueRun(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodEnqueueRun}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ControlServer).EnqueueRun(ctx, req.(*EnqueueRunRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc for the Control service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IssuePairingToken", Handler: _IssuePairingTokenHandler},
		{MethodName: "RedeemPairingToken", Handler: _RedeemPairingTokenHandler},
		{MethodName: "RevokeAgent", Handler: _RevokeAgentHandler},
		{MethodName: "LookupAgent", Handler: _LookupAgentHandler},
		{MethodName: "ListAgents", Handler: _ListAgentsHandler},
		{MethodName: "CreateSession", Handler: _CreateSessionHandler},
		{MethodName: "GetSession", Handler: _GetSessionHandler},
		{MethodName: "ListSessions", Handler: _ListSessionsHandler},
		{MethodName: "ResetSessionAgent", Handler: _ResetSessionAgentHandler},
		{MethodName: "ReadEvents", Handler: _ReadEventsHandler},
		{MethodName: "SendMessage", Handler: _SendMessageHandler},
		{MethodName: "EnqueueRun", Handler: _EnqueueRunHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vespid/control/v1/control.json",
}
