// Package errors defines the HTTP error envelope returned by the fleetpatch
// API and maps domain errors onto it.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// Error codes used in envelopes.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// ErrorBody is the payload of an error envelope.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON body of every non-2xx API response.
type HTTPErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// APIError carries an HTTP status with an envelope code.
type APIError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
	Err     error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *APIError) Unwrap() error { return e.Err }

// NotFound builds a 404 error.
func NotFound(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// BadRequest builds a 400 error.
func BadRequest(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a 409 error.
func Conflict(format string, args ...any) *APIError {
	return &APIError{Status: http.StatusConflict, Code: CodeConflict, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a 503 error.
func Unavailable(message string, details map[string]any) *APIError {
	return &APIError{Status: http.StatusServiceUnavailable, Code: CodeServiceUnavailable, Message: message, Details: details}
}

type requestIDKey struct{}

// WithRequestID stores the request id used in error envelopes.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request id stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Classify maps an error onto an APIError.
func Classify(err error) *APIError {
	var api *APIError
	switch {
	case stderrors.As(err, &api):
		return api
	case stderrors.Is(err, jobstore.ErrNotFound), stderrors.Is(err, dispatch.ErrCommandNotFound):
		return &APIError{Status: http.StatusNotFound, Code: CodeNotFound, Message: err.Error(), Err: err}
	case stderrors.Is(err, patchjob.ErrInvalidConfig), stderrors.Is(err, manifest.ErrValidationFailed):
		return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: err.Error(), Err: err}
	default:
		return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: "internal server error", Err: err}
	}
}

// RespondWithError writes the envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	api := Classify(err)
	WriteError(w, r, api.Status, api.Code, api.Message, api.Details)
}

// WriteError writes an envelope with the request id from r, if any.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	body := HTTPErrorResponse{Error: ErrorBody{Code: code, Message: message, Details: details}}
	if r != nil {
		body.Error.RequestID = RequestIDFrom(r.Context())
	}
	WriteJSON(w, status, body)
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
