// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/internal/observability"
)

// ErrorResponse is the envelope written by the middleware.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a panic into an INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			msg := fmt.Sprintf("panic: %v", rec)
			observability.CLILogger.Error("handler panic",
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestIDFrom(r.Context())),
				zap.String("panic", msg),
				zap.ByteString("stack", debug.Stack()),
			)
			writeErrorResponse(w, &apperrors.ErrorBody{
				Code:      apperrors.CodeInternal,
				Message:   msg,
				RequestID: apperrors.RequestIDFrom(r.Context()),
			}, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias for Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, body *apperrors.ErrorBody, status int) {
	apperrors.WriteJSON(w, status, ErrorResponse{Error: *body})
}
