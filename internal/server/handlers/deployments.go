package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// createDeployment stores a deployment manifest. ?plan=true also plans it.
func (a *API) createDeployment(w http.ResponseWriter, r *http.Request) {
	m, err := readManifest(w, r, manifest.KindDeployment)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	d, err := m.Deployment.ToDeployment()
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("%v", err))
		return
	}
	if err := a.store.CreateDeployment(r.Context(), d); err != nil {
		respondWithError(w, r, wrapOp("create deployment", err))
		return
	}
	if r.URL.Query().Get("plan") == "true" {
		if _, err := a.rollouts.Plan(r.Context(), d.ID); err != nil {
			respondWithError(w, r, wrapOp("plan deployment", err))
			return
		}
		if d, err = a.store.GetDeployment(r.Context(), d.ID); err != nil {
			respondWithError(w, r, wrapOp("get deployment", err))
			return
		}
	}
	apperrors.WriteJSON(w, http.StatusCreated, d)
}

func (a *API) getDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := a.store.GetDeployment(r.Context(), chi.URLParam(r, "deploymentID"))
	if err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, d)
}

func (a *API) listDeploymentDevices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	if _, err := a.store.GetDeployment(r.Context(), id); err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	devices, err := a.store.ListDeploymentDevices(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("list deployment devices", err))
		return
	}
	if devices == nil {
		devices = []rollout.DeploymentDevice{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *API) planDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	d, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	if d.Status != rollout.StatusPending {
		respondWithError(w, r, apperrors.Conflict("deployment %s is %s, not pending", id, d.Status))
		return
	}
	n, err := a.rollouts.Plan(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("plan deployment", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"deploymentId": id, "devices": n})
}

// BatchResponse is the body of the next-batch endpoint. Batch is nil when
// nothing is deliverable right now.
type BatchResponse struct {
	DeploymentID string                   `json:"deploymentId"`
	Status       rollout.DeploymentStatus `json:"status"`
	Batch        *rollout.Batch           `json:"batch"`
}

func (a *API) nextBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deploymentID")
	batch, err := a.rollouts.NextBatch(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("next batch", err))
		return
	}
	d, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, BatchResponse{DeploymentID: id, Status: d.Status, Batch: batch})
}

func (a *API) pauseDeployment(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "pause", a.rollouts.Pause)
}

func (a *API) resumeDeployment(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "resume", a.rollouts.Resume)
}

func (a *API) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	a.transition(w, r, "cancel", a.rollouts.Cancel)
}

type transitionFunc func(ctx context.Context, id string) (bool, error)

func (a *API) transition(w http.ResponseWriter, r *http.Request, op string, fn transitionFunc) {
	id := chi.URLParam(r, "deploymentID")
	if _, err := a.store.GetDeployment(r.Context(), id); err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	ok, err := fn(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp(op+" deployment", err))
		return
	}
	d, err := a.store.GetDeployment(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("get deployment", err))
		return
	}
	if !ok {
		respondWithError(w, r, apperrors.Conflict("cannot %s deployment %s in status %s", op, id, d.Status))
		return
	}
	a.logger.Info("deployment "+op, zap.String("deployment_id", id), zap.String("status", string(d.Status)))
	apperrors.WriteJSON(w, http.StatusOK, d)
}

// DeviceStatusRequest reports delivery progress for one deployment device.
type DeviceStatusRequest struct {
	Status rollout.DeviceStatus `json:"status"`
	Result json.RawMessage      `json:"result,omitempty"`
}

func (a *API) updateDeviceStatus(w http.ResponseWriter, r *http.Request) {
	id, deviceID := chi.URLParam(r, "deploymentID"), chi.URLParam(r, "deviceID")
	var req DeviceStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}
	switch req.Status {
	case rollout.DevicePending, rollout.DeviceRunning, rollout.DeviceCompleted, rollout.DeviceFailed, rollout.DeviceSkipped:
	default:
		respondWithError(w, r, apperrors.BadRequest("unknown device status %q", req.Status))
		return
	}
	if err := a.rollouts.UpdateDeviceStatus(r.Context(), id, deviceID, req.Status, req.Result); err != nil {
		respondWithError(w, r, wrapOp("update device status", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryResponse tells the caller whether and when to retry a device.
type RetryResponse struct {
	Retry      bool   `json:"retry"`
	Backoff    string `json:"backoff,omitempty"`
	BackoffSec int64  `json:"backoffSeconds,omitempty"`
}

func (a *API) retryDevice(w http.ResponseWriter, r *http.Request) {
	id, deviceID := chi.URLParam(r, "deploymentID"), chi.URLParam(r, "deviceID")
	backoff, retry, err := a.rollouts.IncrementRetryCount(r.Context(), id, deviceID)
	if err != nil {
		respondWithError(w, r, wrapOp("increment retry count", err))
		return
	}
	resp := RetryResponse{Retry: retry}
	if retry {
		resp.Backoff = backoff.String()
		resp.BackoffSec = int64(backoff.Seconds())
	}
	apperrors.WriteJSON(w, http.StatusOK, resp)
}
