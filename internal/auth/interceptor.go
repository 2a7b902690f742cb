// ABOUTME: gRPC interceptors that authenticate control-plane calls with operator JWTs
// ABOUTME: Extracts the bearer token from metadata and populates the context for handlers

package auth

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that requires an operator token.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		id, err := authenticate(ctx, tokens, logger, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(WithIdentity(ctx, id), req)
	}
}

// StreamInterceptor returns a gRPC stream interceptor that requires an operator token.
func StreamInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		id, err := authenticate(ss.Context(), tokens, logger, info.FullMethod)
		if err != nil {
			return err
		}
		wrapped := &wrappedServerStream{
			ServerStream: ss,
			ctx:          WithIdentity(ss.Context(), id),
		}
		return handler(srv, wrapped)
	}
}

// wrappedServerStream wraps a grpc.ServerStream with a custom context.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticate(ctx context.Context, tokens TokenVerifier, logger *slog.Logger, method string) (*Identity, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	authHeaders := md.Get("authorization")
	if len(authHeaders) == 0 {
		logAuthFailure(logger, ctx, "missing_token", "method", method)
		return nil, status.Error(codes.Unauthenticated, "missing authorization header")
	}
	if !strings.HasPrefix(authHeaders[0], "Bearer ") {
		logAuthFailure(logger, ctx, "bad_header", "method", method)
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}

	id, err := tokens.Verify(strings.TrimPrefix(authHeaders[0], "Bearer "))
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "method", method, "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	if !id.IsOperator() {
		logAuthFailure(logger, ctx, "not_operator", "method", method, "subject", id.Subject)
		return nil, status.Error(codes.PermissionDenied, "operator role required")
	}
	return id, nil
}
