package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/archive"
	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// defaultListLimit bounds list endpoints without a limit parameter.
const defaultListLimit = 100

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	Job      *patchjob.PatchJob `json:"job"`
	Enqueued bool               `json:"enqueued"`
	Delay    string             `json:"delay,omitempty"`
}

// submitJob stores a job manifest and enqueues it for its scheduled time.
// ?enqueue=false stores the job without enqueueing it.
func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	m, err := readManifest(w, r, manifest.KindJob)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	now := a.now()
	job, err := m.Job.PatchJob(now)
	if err != nil {
		respondWithError(w, r, apperrors.BadRequest("%v", err))
		return
	}
	if err := a.store.CreateJob(r.Context(), job); err != nil {
		respondWithError(w, r, wrapOp("create job", err))
		return
	}

	resp := SubmitResponse{Job: job}
	if r.URL.Query().Get("enqueue") != "false" {
		delay := job.ScheduledAt.Sub(now)
		if delay < 0 {
			delay = 0
		}
		if err := a.jobs.EnqueueJob(r.Context(), job.ID, delay); err != nil {
			// The job row exists; a restart recovery or a later enqueue call
			// picks it up.
			a.logger.Error("enqueue submitted job", zap.String("job_id", job.ID), zap.Error(err))
		} else {
			resp.Enqueued = true
			resp.Delay = delay.String()
		}
	}
	apperrors.WriteJSON(w, http.StatusCreated, resp)
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	jobs, err := a.store.ListJobs(r.Context(), r.URL.Query().Get("orgId"), limit)
	if err != nil {
		respondWithError(w, r, wrapOp("list jobs", err))
		return
	}
	if jobs == nil {
		jobs = []patchjob.PatchJob{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, wrapOp("get job", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusOK, job)
}

// enqueueJob (re)enqueues a stored job. Starting is idempotent, so a
// duplicate enqueue of a running job is harmless.
func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.store.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, wrapOp("get job", err))
		return
	}
	if job.Status != patchjob.JobStatusScheduled {
		respondWithError(w, r, apperrors.Conflict("job %s is %s, not scheduled", job.ID, job.Status))
		return
	}
	var delay time.Duration
	if raw := r.URL.Query().Get("delay"); raw != "" {
		if delay, err = time.ParseDuration(raw); err != nil || delay < 0 {
			respondWithError(w, r, apperrors.BadRequest("invalid delay %q", raw))
			return
		}
	}
	if err := a.jobs.EnqueueJob(r.Context(), job.ID, delay); err != nil {
		respondWithError(w, r, wrapOp("enqueue job", err))
		return
	}
	apperrors.WriteJSON(w, http.StatusAccepted, map[string]any{"jobId": job.ID, "delay": delay.String()})
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ok, err := a.store.CancelJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("cancel job", err))
		return
	}
	job, err := a.store.GetJob(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("get job", err))
		return
	}
	if !ok {
		respondWithError(w, r, apperrors.Conflict("job %s is already %s", id, job.Status))
		return
	}
	a.logger.Info("job cancelled", zap.String("job_id", id))
	apperrors.WriteJSON(w, http.StatusOK, job)
}

func (a *API) listResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	if _, err := a.store.GetJob(r.Context(), id); err != nil {
		respondWithError(w, r, wrapOp("get job", err))
		return
	}
	results, err := a.store.ListResults(r.Context(), id)
	if err != nil {
		respondWithError(w, r, wrapOp("list results", err))
		return
	}
	if results == nil {
		results = []patchjob.PatchJobResult{}
	}
	apperrors.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

// resultOutput serves the full archived output of a result row, or the
// stored (possibly truncated) output when nothing was archived.
func (a *API) resultOutput(w http.ResponseWriter, r *http.Request) {
	jobID, resultID := chi.URLParam(r, "jobID"), chi.URLParam(r, "resultID")
	results, err := a.store.ListResults(r.Context(), jobID)
	if err != nil {
		respondWithError(w, r, wrapOp("list results", err))
		return
	}
	var found *patchjob.PatchJobResult
	for i := range results {
		if results[i].ID == resultID {
			found = &results[i]
			break
		}
	}
	if found == nil {
		respondWithError(w, r, apperrors.NotFound("result %s not found in job %s", resultID, jobID))
		return
	}

	body := []byte(found.Output)
	if found.OutputRef != "" && a.archive != nil {
		data, err := a.archive.Get(r.Context(), found.OutputRef)
		switch {
		case err == nil:
			body = data
		case errors.Is(err, archive.ErrNotFound):
			respondWithError(w, r, apperrors.NotFound("archived output %s not found", found.OutputRef))
			return
		default:
			respondWithError(w, r, wrapOp("read archived output", err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
