package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/fleetpatch/internal/errors"
	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/manifest"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/rollout"
)

// maxBodyBytes caps request bodies, including agent-reported output.
const maxBodyBytes = 8 << 20

// Store is the persistence the API reads and writes.
type Store interface {
	CreateJob(ctx context.Context, job *patchjob.PatchJob) error
	GetJob(ctx context.Context, id string) (*patchjob.PatchJob, error)
	ListJobs(ctx context.Context, orgID string, limit int) ([]patchjob.PatchJob, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	ListResults(ctx context.Context, jobID string) ([]patchjob.PatchJobResult, error)

	ClaimPendingCommands(ctx context.Context, deviceID string, limit int) ([]dispatch.Command, error)
	CompleteCommand(ctx context.Context, id string, result dispatch.CommandResult) error

	CreateDeployment(ctx context.Context, d *rollout.Deployment) error
	GetDeployment(ctx context.Context, id string) (*rollout.Deployment, error)
	ListDeploymentDevices(ctx context.Context, deploymentID string) ([]rollout.DeploymentDevice, error)

	CreatePolicy(ctx context.Context, p *patchjob.PatchPolicy) error
	GetPolicy(ctx context.Context, id string) (*patchjob.PatchPolicy, error)
}

// JobEnqueuer hands a stored job to the orchestrator.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, jobID string, delay time.Duration) error
}

// Rollouts drives deployments.
type Rollouts interface {
	Plan(ctx context.Context, deploymentID string) (int, error)
	NextBatch(ctx context.Context, deploymentID string) (*rollout.Batch, error)
	Pause(ctx context.Context, deploymentID string) (bool, error)
	Resume(ctx context.Context, deploymentID string) (bool, error)
	Cancel(ctx context.Context, deploymentID string) (bool, error)
	UpdateDeviceStatus(ctx context.Context, deploymentID, deviceID string, status rollout.DeviceStatus, result json.RawMessage) error
	IncrementRetryCount(ctx context.Context, deploymentID, deviceID string) (time.Duration, bool, error)
}

// OutputReader fetches archived command output.
type OutputReader interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// PolicySyncer refreshes scheduled policies after a change.
type PolicySyncer interface {
	Sync(ctx context.Context) error
}

// APIDeps are the collaborators of the /v1 API. Archive, Policies and
// Logger are optional.
type APIDeps struct {
	Store    Store
	Jobs     JobEnqueuer
	Rollouts Rollouts
	Archive  OutputReader
	Policies PolicySyncer
	Logger   *zap.Logger
	Now      func() time.Time
}

// API serves the job, agent, deployment and policy endpoints.
type API struct {
	store    Store
	jobs     JobEnqueuer
	rollouts Rollouts
	archive  OutputReader
	policies PolicySyncer
	logger   *zap.Logger
	now      func() time.Time
}

// NewAPI validates deps and returns an API.
func NewAPI(deps APIDeps) (*API, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("api: store is required")
	case deps.Jobs == nil:
		return nil, errors.New("api: job enqueuer is required")
	case deps.Rollouts == nil:
		return nil, errors.New("api: rollouts are required")
	}
	a := &API{
		store:    deps.Store,
		jobs:     deps.Jobs,
		rollouts: deps.Rollouts,
		archive:  deps.Archive,
		policies: deps.Policies,
		logger:   deps.Logger,
		now:      deps.Now,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a, nil
}

// Routes mounts the API on r.
func (a *API) Routes(r chi.Router) {
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.submitJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", a.getJob)
			r.Post("/enqueue", a.enqueueJob)
			r.Post("/cancel", a.cancelJob)
			r.Get("/results", a.listResults)
			r.Get("/results/{resultID}/output", a.resultOutput)
		})
	})

	r.Route("/agent", func(r chi.Router) {
		r.Get("/devices/{deviceID}/commands", a.claimCommands)
		r.Post("/commands/{commandID}/result", a.reportResult)
	})

	r.Route("/deployments", func(r chi.Router) {
		r.Post("/", a.createDeployment)
		r.Route("/{deploymentID}", func(r chi.Router) {
			r.Get("/", a.getDeployment)
			r.Get("/devices", a.listDeploymentDevices)
			r.Post("/plan", a.planDeployment)
			r.Post("/next", a.nextBatch)
			r.Post("/pause", a.pauseDeployment)
			r.Post("/resume", a.resumeDeployment)
			r.Post("/cancel", a.cancelDeployment)
			r.Put("/devices/{deviceID}/status", a.updateDeviceStatus)
			r.Post("/devices/{deviceID}/retry", a.retryDevice)
		})
	})

	r.Route("/policies", func(r chi.Router) {
		r.Post("/", a.createPolicy)
		r.Get("/{policyID}", a.getPolicy)
	})
}

// readManifest decodes a manifest body of the wanted kind. The format
// follows the Content-Type: JSON for application/json, YAML otherwise.
func readManifest(w http.ResponseWriter, r *http.Request, want manifest.Kind) (*manifest.Manifest, error) {
	name := "body.yaml"
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mt == "application/json" {
		name = "body.json"
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperrors.BadRequest("read body: %v", err)
	}
	m, err := manifest.LoadFromBytes(data, name)
	if err != nil {
		if errors.Is(err, manifest.ErrValidationFailed) {
			return nil, err
		}
		return nil, &apperrors.APIError{Status: http.StatusBadRequest, Code: apperrors.CodeBadRequest, Message: err.Error(), Err: err}
	}
	if m.Kind != want {
		return nil, apperrors.BadRequest("manifest kind %q, want %q", m.Kind, want)
	}
	return m, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.BadRequest("invalid JSON body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.BadRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func wrapOp(op string, err error) error {
	var api *apperrors.APIError
	if errors.As(err, &api) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
