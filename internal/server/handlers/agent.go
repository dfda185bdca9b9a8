package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/dispatch"
)

const defaultClaimLimit = 20

// claimCommands hands a device its pending commands and marks them sent.
func (a *API) claimCommands(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	limit, err := queryInt(r, "limit", defaultClaimLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	cmds, err := a.store.ClaimPendingCommands(r.Context(), deviceID, limit)
	if err != nil {
		respondWithError(w, r, wrapOp("claim commands", err))
		return
	}
	if cmds == nil {
		cmds = []dispatch.Command{}
	}
	if len(cmds) > 0 {
		a.logger.Debug("commands claimed", zap.String("device_id", deviceID), zap.Int("count", len(cmds)))
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"commands": cmds})
}

// reportResult records an agent's result for a command. Results for
// commands that already finished are rejected as not found.
func (a *API) reportResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "commandID")
	var result dispatch.CommandResult
	if err := decodeJSON(w, r, &result); err != nil {
		respondWithError(w, r, err)
		return
	}
	switch result.Status {
	case "", dispatch.StatusCompleted, dispatch.StatusFailed:
	default:
		respondWithError(w, r, apperrors.BadRequest("status must be completed or failed, got %q", result.Status))
		return
	}
	if err := a.store.CompleteCommand(r.Context(), id, result); err != nil {
		respondWithError(w, r, wrapOp("complete command", err))
		return
	}
	a.logger.Info("command result reported", zap.String("command_id", id), zap.String("status", string(result.Status)))
	w.WriteHeader(http.StatusNoContent)
}
