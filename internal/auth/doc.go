// Package auth provides authentication for vespid-gateway's human-facing surfaces.
//
// # Tokens
//
// Clients and operators authenticate with HS256 JWTs signed with the configured
// jwt_secret. Besides the standard claims a token carries:
//
//   - orgs: the organizations the subject may open sessions in
//   - roles: "member", "operator" or "admin"
//
// Agents do not use JWTs; they hold long-lived credentials issued at pairing
// time and checked by the registry package.
//
// # HTTP
//
// HTTPAuthMiddleware accepts the token from the Authorization header or, for
// websocket upgrades from browsers, from the token query parameter:
//
//	r.Use(auth.HTTPAuthMiddleware(verifier, logger))
//
// # gRPC
//
// The control surface requires the operator or admin role on every call:
//
//	grpc.NewServer(
//		grpc.UnaryInterceptor(auth.UnaryInterceptor(verifier, logger)),
//		grpc.StreamInterceptor(auth.StreamInterceptor(verifier, logger)),
//	)
package auth
