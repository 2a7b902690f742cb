// ABOUTME: Maps gateway errors to gRPC status codes for the control surface
// ABOUTME: Status messages are "<WIRE_CODE>: <message>" so callers can recover the wire code

package control

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vespid-ai/vespid-gateway/internal/registry"
	"github.com/vespid-ai/vespid-gateway/internal/router"
	"github.com/vespid-ai/vespid-gateway/internal/runqueue"
	"github.com/vespid-ai/vespid-gateway/internal/store"
)

var routerCodes = map[string]codes.Code{
	router.CodeSessionNotFound:    codes.NotFound,
	router.CodeForbidden:          codes.PermissionDenied,
	router.CodePinnedAgentOffline: codes.Unavailable,
	router.CodeNoAgentAvailable:   codes.Unavailable,
	router.CodeQueueUnavailable:   codes.Unavailable,
	router.CodeSendInProgress:     codes.Aborted,
	router.CodeKindNotSupported:   codes.FailedPrecondition,
	router.CodeInvalidFrame:       codes.InvalidArgument,
	router.CodeRateLimited:        codes.ResourceExhausted,
}

// toStatus converts err to a gRPC status error. Errors that are already
// statuses pass through.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var re *router.Error
	switch {
	case errors.As(err, &re):
		c, ok := routerCodes[re.Code]
		if !ok {
			c = codes.Internal
		}
		return statusf(c, re.Code, re.Message)

	case errors.Is(err, runqueue.ErrUnavailable):
		return statusf(codes.Unavailable, router.CodeQueueUnavailable, err.Error())
	case errors.Is(err, runqueue.ErrInvalidRun):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, registry.ErrAgentNotFound), errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, registry.ErrTokenExpired),
		errors.Is(err, registry.ErrTokenAlreadyUsed),
		errors.Is(err, registry.ErrAgentRevoked):
		return statusf(codes.FailedPrecondition, registry.Code(err), err.Error())
	case errors.Is(err, registry.ErrTokenInvalid):
		return statusf(codes.InvalidArgument, registry.CodeTokenInvalid, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return statusf(codes.Internal, router.CodeInternal, "internal error")
}

func statusf(c codes.Code, wireCode, message string) error {
	return status.Error(c, wireCode+": "+message)
}

// WireCode returns the gateway wire code carried by a status error from the
// control surface, or "" when it has none.
func WireCode(err error) string {
	st, ok := status.FromError(err)
	if !ok {
		return ""
	}
	code, _, found := strings.Cut(st.Message(), ": ")
	if !found || code == "" || strings.ToUpper(code) != code || strings.ContainsAny(code, " ") {
		return ""
	}
	return code
}
