package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vango-go/vai-convo/pkg/core"
	"github.com/vango-go/vai-convo/pkg/core/conversation"
	"github.com/vango-go/vai-convo/pkg/gateway/auth"
)

type Envelope struct {
	Error *core.Error `json:"error"`
}

func FromError(err error, requestID string) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	// Context timeouts/cancellation.
	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request timeout",
			RequestID: requestID,
		}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{
			Type:      core.ErrAPI,
			Message:   "request cancelled",
			Code:      "cancelled",
			RequestID: requestID,
		}, http.StatusRequestTimeout
	}

	// Already canonical.
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr != nil {
		out := *coreErr
		out.RequestID = requestID
		return &out, statusFromType(coreErr.Type)
	}

	switch {
	case errors.Is(err, auth.ErrMissingIdentity):
		return &core.Error{
			Type:      core.ErrAuthentication,
			Message:   "missing identity",
			Param:     "Authorization",
			RequestID: requestID,
		}, http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidIdentity):
		return &core.Error{
			Type:      core.ErrAuthentication,
			Message:   "invalid identity",
			Param:     "Authorization",
			RequestID: requestID,
		}, http.StatusUnauthorized
	case errors.Is(err, conversation.ErrMalformedLog):
		return &core.Error{
			Type:      core.ErrInvalidRequest,
			Message:   err.Error(),
			RequestID: requestID,
		}, http.StatusBadRequest
	}

	// Unknown errors: treat as internal API error (do not leak details by default).
	return &core.Error{
		Type:      core.ErrAPI,
		Message:   "internal error",
		RequestID: requestID,
	}, http.StatusInternalServerError
}

// Write maps err and writes it as a JSON error envelope.
func Write(w http.ResponseWriter, err error, requestID string) {
	ce, status := FromError(err, requestID)
	if ce == nil {
		ce = &core.Error{Type: core.ErrAPI, Message: "internal error", RequestID: requestID}
		status = http.StatusInternalServerError
	}
	WriteError(w, status, ce)
}

func WriteError(w http.ResponseWriter, status int, ce *core.Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Envelope{Error: ce})
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return 529
	case core.ErrUpstream:
		return http.StatusBadGateway
	case core.ErrAPI:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
