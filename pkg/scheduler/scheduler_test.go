package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

type fakeStore struct {
	mu       sync.Mutex
	policies []patchjob.PatchPolicy
	jobs     []patchjob.PatchJob
	listErr  error
}

func (f *fakeStore) ListEnabledPolicies(context.Context) ([]patchjob.PatchPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]patchjob.PatchPolicy(nil), f.policies...), nil
}

func (f *fakeStore) CreateJob(_ context.Context, job *patchjob.PatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.ID = "job-" + job.OrgID
	f.jobs = append(f.jobs, *job)
	return nil
}

type fakeEnqueuer struct {
	ids []string
	err error
}

func (f *fakeEnqueuer) EnqueueJob(_ context.Context, jobID string, _ time.Duration) error {
	f.ids = append(f.ids, jobID)
	return f.err
}

func policy(id, schedule string) patchjob.PatchPolicy {
	return patchjob.PatchPolicy{
		ID:       id,
		OrgID:    "org-1",
		Name:     "weekly",
		Schedule: schedule,
		Targets:  patchjob.Targets{DeviceIDs: []string{"dev-1"}},
		Enabled:  true,
	}
}

func TestParse(t *testing.T) {
	for _, spec := range []string{"0 3 * * 6", "@daily", "CRON_TZ=Europe/Berlin 30 2 * * *"} {
		_, err := Parse(spec)
		assert.NoError(t, err, spec)
	}
	for _, spec := range []string{"", "not a schedule", "0 0 3 * * 6"} {
		_, err := Parse(spec)
		assert.Error(t, err, spec)
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &fakeEnqueuer{}, Config{}, nil)
	assert.Error(t, err)
	_, err = New(&fakeStore{}, nil, Config{}, nil)
	assert.Error(t, err)
	_, err = New(&fakeStore{}, &fakeEnqueuer{}, Config{Timezone: "Mars/Olympus"}, nil)
	assert.ErrorContains(t, err, "invalid scheduler timezone")
}

func TestRunPolicy(t *testing.T) {
	store := &fakeStore{}
	enq := &fakeEnqueuer{}
	s, err := New(store, enq, Config{}, nil)
	require.NoError(t, err)
	now := time.Date(2026, 3, 7, 3, 0, 0, 0, time.UTC)
	s.WithClock(func() time.Time { return now })

	id, err := s.RunPolicy(context.Background(), policy("pol-1", "0 3 * * 6"))
	require.NoError(t, err)
	assert.Equal(t, "job-org-1", id)
	assert.Equal(t, []string{"job-org-1"}, enq.ids)

	require.Len(t, store.jobs, 1)
	job := store.jobs[0]
	assert.Equal(t, patchjob.JobStatusScheduled, job.Status)
	require.NotNil(t, job.PolicyID)
	assert.Equal(t, "pol-1", *job.PolicyID)
	assert.Equal(t, "weekly 2026-03-07T03:00:00Z", job.Name)
	assert.Equal(t, now, job.ScheduledAt)
	assert.Equal(t, []string{"dev-1"}, job.Targets.DeviceIDs)
}

func TestRunPolicyEnqueueFailure(t *testing.T) {
	enq := &fakeEnqueuer{err: errors.New("queue down")}
	s, err := New(&fakeStore{}, enq, Config{}, nil)
	require.NoError(t, err)

	id, err := s.RunPolicy(context.Background(), policy("pol-1", "@daily"))
	assert.ErrorContains(t, err, "queue down")
	assert.Equal(t, "job-org-1", id)
}

func TestRunPolicyRejectsInvalidJob(t *testing.T) {
	p := policy("pol-1", "@daily")
	p.OrgID = ""
	s, err := New(&fakeStore{}, &fakeEnqueuer{}, Config{}, nil)
	require.NoError(t, err)

	_, err = s.RunPolicy(context.Background(), p)
	assert.True(t, errors.Is(err, patchjob.ErrInvalidConfig))
}

func TestSync(t *testing.T) {
	store := &fakeStore{policies: []patchjob.PatchPolicy{
		policy("pol-1", "0 3 * * 6"),
		policy("pol-2", "@daily"),
		policy("bad", "every tuesday"),
	}}
	s, err := New(store, &fakeEnqueuer{}, Config{}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 2, s.Len())
	first := s.entries["pol-1"].id

	// Unchanged policies keep their entry.
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, first, s.entries["pol-1"].id)

	// Changed schedules are replaced and removed policies are dropped.
	store.policies = []patchjob.PatchPolicy{policy("pol-1", "0 4 * * 6")}
	require.NoError(t, s.Sync(ctx))
	assert.Equal(t, 1, s.Len())
	assert.NotEqual(t, first, s.entries["pol-1"].id)
	assert.Equal(t, "0 4 * * 6", s.entries["pol-1"].spec)

	store.listErr = errors.New("db gone")
	assert.Error(t, s.Sync(ctx))
}

func TestSpecAddsPolicyTimezone(t *testing.T) {
	s, err := New(&fakeStore{}, &fakeEnqueuer{}, Config{}, nil)
	require.NoError(t, err)

	p := policy("pol-1", "0 3 * * 6")
	assert.Equal(t, "0 3 * * 6", s.spec(p))
	p.Timezone = "America/Chicago"
	assert.Equal(t, "CRON_TZ=America/Chicago 0 3 * * 6", s.spec(p))
	p.Schedule = "TZ=UTC 0 3 * * 6"
	assert.Equal(t, "TZ=UTC 0 3 * * 6", s.spec(p))
}

func TestStartStop(t *testing.T) {
	store := &fakeStore{policies: []patchjob.PatchPolicy{policy("pol-1", "@hourly")}}
	s, err := New(store, &fakeEnqueuer{}, Config{Enabled: true}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	next, ok := s.Next("pol-1")
	assert.True(t, ok)
	assert.True(t, next.After(time.Now().Add(-time.Second)))

	_, ok = s.Next("missing")
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
