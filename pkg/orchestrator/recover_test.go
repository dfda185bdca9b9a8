package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

func TestRecoverReenqueuesLostWork(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.device(t, "d1", "p1")
	h.device(t, "d2", "p1")

	scheduled := h.job(t, patchjob.RebootNever, "d1")
	running := h.job(t, patchjob.RebootNever, "d2")
	_, err := h.svc.StartJob(h.ctx, running)
	require.NoError(t, err)

	// Simulate a restart of a process-local queue.
	h.queue.items = nil

	res, err := h.svc.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, RecoverResult{Starts: 1, Sweeps: 1}, res)

	h.queue.runAll(t)

	for _, id := range []string{scheduled, running} {
		job := h.load(t, id)
		assert.True(t, job.Status.Terminal(), "job %s is %s", id, job.Status)
		assert.Zero(t, job.DevicesPending)
	}
	assert.Equal(t, 1, h.load(t, running).DevicesFailed)
}

func TestRecoverNothingPending(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	res, err := h.svc.Recover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Starts)
	assert.Zero(t, res.Sweeps)
}
