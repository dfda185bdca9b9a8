package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
)

func TestSetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("sets custom responder", func(t *testing.T) {
		called := false
		customResponder := func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			w.WriteHeader(http.StatusTeapot)
		}

		SetHTTPErrorResponder(customResponder)

		req := httptest.NewRequest("GET", "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)

		assert.True(t, called)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil resets to default", func(t *testing.T) {
		// Set a custom responder first
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})

		// Reset with nil
		SetHTTPErrorResponder(nil)

		// Should now use default (which calls apperrors.RespondWithError)
		// We can't easily verify the default behavior without more setup,
		// but we can verify the assignment happened
		assert.NotNil(t, httpErrorResponder)
	})
}

func TestResetHTTPErrorResponder(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	// Set a custom responder
	customCalled := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		customCalled = true
	})

	// Reset to default
	ResetHTTPErrorResponder()

	// Verify it's reset (default responder is not our custom one)
	assert.False(t, customCalled)
	assert.NotNil(t, httpErrorResponder)
}

func TestRespondWithError(t *testing.T) {
	// Save original
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	called := false
	var capturedErr error

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
		capturedErr = err
		w.WriteHeader(http.StatusInternalServerError)
	})

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, assert.AnError)

	assert.True(t, called)
	assert.Equal(t, assert.AnError, capturedErr)
}

func TestRespondWithError_DefaultMapsStoreErrors(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()
	ResetHTTPErrorResponder()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"missing job", wrapOp("get job", fmt.Errorf("patch job j1: %w", jobstore.ErrNotFound)), http.StatusNotFound, apperrors.CodeNotFound},
		{"cancel conflict", wrapOp("cancel job", apperrors.Conflict("job j1 is completed")), http.StatusConflict, apperrors.CodeConflict},
		{"store failure", wrapOp("list jobs", assert.AnError), http.StatusInternalServerError, apperrors.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs/j1", nil)
			req = req.WithContext(apperrors.WithRequestID(req.Context(), "req-42"))
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.Equal(t, "req-42", body.Error.RequestID)
			assert.NotContains(t, body.Error.Message, assert.AnError.Error(), "internal errors must not leak")
		})
	}
}
