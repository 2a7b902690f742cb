// ABOUTME: gRPC server construction for the control surface
// ABOUTME: Keepalive settings and operator-token interceptors are applied here

package control

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/vespid-ai/vespid-gateway/internal/auth"
)

// NewGRPCServer creates a gRPC server that serves srv to operator tokens.
func NewGRPCServer(srv ControlServer, tokens auth.TokenVerifier, logger *slog.Logger) *grpc.Server {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(tokens, logger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(tokens, logger)),
	)
	RegisterControlServer(server, srv)
	return server
}

// BearerCredentials attaches an operator token to every call.
type BearerCredentials struct {
	Token string
	// Secure requires a TLS transport; plaintext is allowed otherwise
	Secure bool
}

func (c BearerCredentials) GetRequestMetadata(_ context.Context, _ ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + c.Token}, nil
}

func (c BearerCredentials) RequireTransportSecurity() bool { return c.Secure }
