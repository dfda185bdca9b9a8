package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/approval"
	"github.com/3leaps/fleetpatch/pkg/dispatch"
	"github.com/3leaps/fleetpatch/pkg/jobstore"
	"github.com/3leaps/fleetpatch/pkg/patchjob"
	"github.com/3leaps/fleetpatch/pkg/queue"
	"github.com/3leaps/fleetpatch/pkg/reboot"
)

var epoch = time.Date(2026, 6, 2, 22, 0, 0, 0, time.UTC)

type simClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *simClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *simClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// simQueue runs tasks one at a time in due order, moving the clock forward
// to each task's due time.
type simQueue struct {
	mu        sync.Mutex
	clock     *simClock
	handlers  map[string]queue.Handler
	items     []simItem
	seq       int
	failKinds map[string]bool
	enqueued  map[string]int
	errs      []error
}

type simItem struct {
	due  time.Time
	seq  int
	task queue.Task
}

func newSimQueue(clock *simClock) *simQueue {
	return &simQueue{
		clock:     clock,
		handlers:  map[string]queue.Handler{},
		failKinds: map[string]bool{},
		enqueued:  map[string]int{},
	}
}

func (q *simQueue) Register(kind string, _ int, h queue.Handler) {
	q.handlers[kind] = h
}

func (q *simQueue) Enqueue(_ context.Context, kind string, payload any, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failKinds[kind] {
		return errors.New("queue unavailable")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.seq++
	q.enqueued[kind]++
	q.items = append(q.items, simItem{
		due:  q.clock.Now().Add(delay),
		seq:  q.seq,
		task: queue.Task{ID: fmt.Sprintf("task-%d", q.seq), Kind: kind, Payload: raw, Attempt: 1},
	})
	return nil
}

func (q *simQueue) Start(context.Context) error    { return nil }
func (q *simQueue) Shutdown(context.Context) error { return nil }

func (q *simQueue) pop() (simItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return simItem{}, false
	}
	best := 0
	for i, it := range q.items {
		b := q.items[best]
		if it.due.Before(b.due) || (it.due.Equal(b.due) && it.seq < b.seq) {
			best = i
		}
	}
	item := q.items[best]
	q.items = append(q.items[:best], q.items[best+1:]...)
	return item, true
}

func (q *simQueue) count(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.enqueued[kind]
}

func (q *simQueue) runAll(t *testing.T) {
	t.Helper()
	for steps := 0; steps < 5000; steps++ {
		item, ok := q.pop()
		if !ok {
			require.Empty(t, q.errs)
			return
		}
		if item.due.After(q.clock.Now()) {
			q.clock.Set(item.due)
		}
		h, ok := q.handlers[item.task.Kind]
		require.True(t, ok, "no handler for %s", item.task.Kind)
		if err := h(context.Background(), item.task); err != nil {
			q.errs = append(q.errs, err)
		}
	}
	t.Fatal("queue did not drain")
}

// script describes how an install command on one device behaves.
type script struct {
	after  time.Duration
	status dispatch.CommandStatus
	result *dispatch.CommandResult
	vanish bool
}

type sentCommand struct {
	id       string
	deviceID string
	typ      dispatch.CommandType
	payload  any
	created  time.Time
}

type fakeGateway struct {
	mu       sync.Mutex
	clock    *simClock
	offline  map[string]bool
	noID     map[string]bool
	scripts  map[string]script
	commands map[string]*sentCommand
	sent     []sentCommand
	polls    int
}

func newFakeGateway(clock *simClock) *fakeGateway {
	return &fakeGateway{
		clock:    clock,
		offline:  map[string]bool{},
		noID:     map[string]bool{},
		scripts:  map[string]script{},
		commands: map[string]*sentCommand{},
	}
}

func (g *fakeGateway) Dispatch(_ context.Context, deviceID string, typ dispatch.CommandType, payload any) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.offline[deviceID] {
		return "", dispatch.ErrDeviceOffline
	}
	if typ == dispatch.CommandInstallPatches && g.noID[deviceID] {
		return "", nil
	}
	cmd := &sentCommand{
		id:       fmt.Sprintf("cmd-%d", len(g.sent)+1),
		deviceID: deviceID,
		typ:      typ,
		payload:  payload,
		created:  g.clock.Now(),
	}
	g.commands[cmd.id] = cmd
	g.sent = append(g.sent, *cmd)
	return cmd.id, nil
}

func (g *fakeGateway) Poll(_ context.Context, id string) (*dispatch.Command, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	cmd, ok := g.commands[id]
	if !ok {
		return nil, dispatch.ErrCommandNotFound
	}
	sc := g.scripts[cmd.deviceID]
	if sc.vanish {
		return nil, dispatch.ErrCommandNotFound
	}
	out := &dispatch.Command{ID: id, DeviceID: cmd.deviceID, Type: cmd.typ, Status: dispatch.StatusSent, CreatedAt: cmd.created}
	if sc.status != "" && g.clock.Now().Sub(cmd.created) >= sc.after {
		out.Status = sc.status
		out.Result = sc.result
	}
	return out, nil
}

func (g *fakeGateway) sentOfType(typ dispatch.CommandType) []sentCommand {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []sentCommand
	for _, c := range g.sent {
		if c.typ == typ {
			out = append(out, c)
		}
	}
	return out
}

type memArchive struct {
	mu    sync.Mutex
	items map[string][]byte
}

func (a *memArchive) Put(_ context.Context, key string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.items == nil {
		a.items = map[string][]byte{}
	}
	a.items[key] = data
	return "mem://" + key, nil
}

type harness struct {
	ctx     context.Context
	clock   *simClock
	store   *jobstore.Store
	queue   *simQueue
	gateway *fakeGateway
	archive *memArchive
	svc     *Service
}

func newHarness(t *testing.T, cfg Config, metrics *Metrics) *harness {
	t.Helper()
	ctx := context.Background()
	clock := &simClock{now: epoch}

	store, err := jobstore.Open(ctx, jobstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	store.WithClock(clock.Now)

	h := &harness{
		ctx:     ctx,
		clock:   clock,
		store:   store,
		queue:   newSimQueue(clock),
		gateway: newFakeGateway(clock),
		archive: &memArchive{},
	}

	h.svc, err = New(Deps{
		Store:     store,
		Queue:     h.queue,
		Gateway:   h.gateway,
		Approvals: approval.New(store).WithClock(clock.Now),
		Reboots:   reboot.NewHandler(nil, h.gateway, 0, nil),
		Archive:   h.archive,
		Metrics:   metrics,
		Now:       clock.Now,
	}, cfg)
	require.NoError(t, err)

	for _, p := range []jobstore.Patch{
		{ID: "p1", ExternalID: "KB5001", Title: "Cumulative update", Category: "security", Severity: "critical", RequiresReboot: true},
		{ID: "p2", ExternalID: "KB5002", Title: "Feature pack", Category: "feature", Severity: "low"},
	} {
		require.NoError(t, store.UpsertPatch(ctx, &p))
	}
	require.NoError(t, store.ApprovePatch(ctx, "org-1", "p1", nil))
	return h
}

// serviceWith builds a second service over the harness collaborators with
// store swapped in, for tests that intercept store calls.
func (h *harness) serviceWith(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := New(Deps{
		Store:     store,
		Queue:     h.queue,
		Gateway:   h.gateway,
		Approvals: approval.New(h.store).WithClock(h.clock.Now),
		Reboots:   reboot.NewHandler(nil, h.gateway, 0, nil),
		Now:       h.clock.Now,
	}, Config{})
	require.NoError(t, err)
	return svc
}

// device adds an online device with the given pending patches.
func (h *harness) device(t *testing.T, id string, patches ...string) {
	t.Helper()
	require.NoError(t, h.store.UpsertDevice(h.ctx, &patchjob.Device{
		ID: id, OrgID: "org-1", Hostname: id + ".corp", Status: patchjob.DeviceOnline,
	}))
	for _, p := range patches {
		_, err := h.store.SetDevicePatch(h.ctx, id, p, jobstore.DevicePatchPending)
		require.NoError(t, err)
	}
}

func (h *harness) job(t *testing.T, policy patchjob.RebootPolicy, devices ...string) string {
	t.Helper()
	job := &patchjob.PatchJob{
		OrgID:   "org-1",
		Name:    "patch tuesday",
		Targets: patchjob.Targets{DeviceIDs: devices, RebootPolicy: policy},
	}
	require.NoError(t, h.store.CreateJob(h.ctx, job))
	return job.ID
}

func (h *harness) load(t *testing.T, id string) *patchjob.PatchJob {
	t.Helper()
	job, err := h.store.GetJob(h.ctx, id)
	require.NoError(t, err)
	require.Equal(t, job.DevicesTotal, job.DevicesCompleted+job.DevicesFailed+job.DevicesPending,
		"counter invariant broken: %+v", job)
	require.GreaterOrEqual(t, job.DevicesPending, 0)
	return job
}

func (h *harness) results(t *testing.T, id string) []patchjob.PatchJobResult {
	t.Helper()
	rows, err := h.store.ListResults(h.ctx, id)
	require.NoError(t, err)
	return rows
}

func intPtr(v int) *int { return &v }

func reportResult(stdout string, exit int) *dispatch.CommandResult {
	return &dispatch.CommandResult{Status: dispatch.StatusCompleted, ExitCode: intPtr(exit), Stdout: stdout}
}

const okReport = `{"success":true,"rebootRequired":true,"installedCount":1,"failedCount":0,
	"results":[{"patchId":"p1","externalId":"KB5001","success":true,"rebootRequired":true}]}`
