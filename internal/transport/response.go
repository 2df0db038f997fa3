// Package transport serves the engine's admin HTTP API: liveness,
// readiness, metrics, the last run summary and the manual run trigger.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrBackendTimeout:     http.StatusGatewayTimeout,
	model.ErrLeaseHeld:          http.StatusConflict,
	model.ErrRunInProgress:      http.StatusConflict,
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as a JSON ErrorEnvelope with the matching HTTP
// status. Errors that do not wrap an *ErrorEnvelope become a generic 500.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	var ee *model.ErrorEnvelope
	if !errors.As(err, &ee) {
		ee = model.NewInternalError()
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	out := *ee
	if r != nil && out.TraceID == "" {
		out.TraceID = observability.TraceIDFromContext(r.Context())
	}
	WriteJSON(w, status, errorResponse{Error: &out})
}
