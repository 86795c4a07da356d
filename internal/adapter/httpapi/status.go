package httpapi

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/wagiedev/mcpbridge/internal/errors"
)

// StatusFor maps a call failure onto an HTTP status code.
//
// An explicit JSON-RPC error from the child is not a failure here: it is
// returned as a response with status 200.
func StatusFor(err error) int {
	if _, ok := stderrors.AsType[*errors.StartupError](err); ok {
		return http.StatusServiceUnavailable
	}

	if _, ok := stderrors.AsType[*errors.ProcessLostError](err); ok {
		return http.StatusBadGateway
	}

	if _, ok := stderrors.AsType[*errors.TransportError](err); ok {
		return http.StatusBadGateway
	}

	switch {
	case stderrors.Is(err, errors.ErrSupervisorClosed):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrCallTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
