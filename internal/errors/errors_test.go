package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"api error passes through", Conflict("job %s is running", "j1"), http.StatusConflict, CodeConflict},
		{"wrapped api error", fmt.Errorf("ctx: %w", BadRequest("nope")), http.StatusBadRequest, CodeBadRequest},
		{"store not found", fmt.Errorf("job x: %w", jobstore.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"command not found", dispatch.ErrCommandNotFound, http.StatusNotFound, CodeNotFound},
		{"invalid job", patchjob.ValidationErrors{{Path: "orgId", Message: "is required"}}, http.StatusBadRequest, CodeBadRequest},
		{"anything else", stderrors.New("disk full"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := Classify(tt.err)
			assert.Equal(t, tt.wantStatus, api.Status)
			assert.Equal(t, tt.wantCode, api.Code)
		})
	}
}

func TestInternalErrorsHideCause(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	req = req.WithContext(WithRequestID(req.Context(), "req-9"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, stderrors.New("password=hunter2"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, CodeInternal, body.Error.Code)
	assert.NotContains(t, body.Error.Message, "hunter2")
	assert.Equal(t, "req-9", body.Error.RequestID)
}

func TestWriteErrorDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, nil, http.StatusServiceUnavailable, CodeServiceUnavailable, "down", map[string]any{"checks": map[string]string{"db": "unhealthy"}})

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "down", body.Error.Message)
	assert.Empty(t, body.Error.RequestID)
	assert.Contains(t, body.Error.Details, "checks")
}

func TestRequestIDFromEmptyContext(t *testing.T) {
	assert.Empty(t, RequestIDFrom(context.Background()))
}

func TestAPIErrorUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := &APIError{Message: "wrapped", Err: cause}
	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "wrapped: boom", err.Error())
}
