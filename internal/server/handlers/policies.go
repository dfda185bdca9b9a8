package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/manifest"
)

// createPolicy stores a policy manifest and refreshes the scheduler.
func (a *API) createPolicy(w http.ResponseWriter, r *http.Request) {
	m, err := readManifest(w, r, manifest.KindPolicy)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	p := m.Policy.PatchPolicy()
	if err := a.store.CreatePolicy(r.Context(), p); err != nil {
		respondWithError(w, r, wrapOp("create policy", err))
		return
	}
	if a.policies != nil {
		if err := a.policies.Sync(r.Context()); err != nil {
			a.logger.Warn("policy scheduler sync failed", zap.String("policy_id", p.ID), zap.Error(err))
		}
	}
	apperrors.WriteJSON(w, http.StatusCreated, p)
}

func (a *API) getPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		respondWithError(w, r, wrapOp("get policy", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, p)
}
