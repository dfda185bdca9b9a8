package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

type fakeStore struct {
	pending      []patchjob.DevicePatch
	approvals    []patchjob.ManualApproval
	pendingErr   error
	approvalsHit int
}

func (f *fakeStore) PendingPatches(context.Context, string) ([]patchjob.DevicePatch, error) {
	return f.pending, f.pendingErr
}

func (f *fakeStore) ManualApprovals(_ context.Context, _ string, ids []string) ([]patchjob.ManualApproval, error) {
	f.approvalsHit++
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []patchjob.ManualApproval
	for _, a := range f.approvals {
		if want[a.PatchID] {
			out = append(out, a)
		}
	}
	return out, nil
}

var now = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func daysAgo(n int) *time.Time {
	t := now.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func evaluate(t *testing.T, store *fakeStore, ring patchjob.RingConfig) []patchjob.ApprovedPatch {
	t.Helper()
	got, err := New(store).WithClock(func() time.Time { return now }).Resolve(context.Background(), "dev-1", "org-1", ring)
	require.NoError(t, err)
	return got
}

func reasons(ps []patchjob.ApprovedPatch) map[string]patchjob.ApprovalReason {
	out := map[string]patchjob.ApprovalReason{}
	for _, p := range ps {
		out[p.PatchID] = p.ApprovalReason
	}
	return out
}

func TestResolve_ManualWinsOverSeverityFilter(t *testing.T) {
	store := &fakeStore{
		pending: []patchjob.DevicePatch{
			{PatchID: "p-low", Category: "security", Severity: "low"},
		},
		approvals: []patchjob.ManualApproval{{PatchID: "p-low", Status: "approved"}},
	}
	ring := patchjob.RingConfig{
		RingID: strPtr("ring-1"),
		CategoryRules: []patchjob.CategoryRule{
			{Category: "security", AutoApprove: true, SeverityFilter: []string{"critical"}},
		},
	}

	got := evaluate(t, store, ring)
	require.Len(t, got, 1)
	assert.Equal(t, patchjob.ApprovalManual, got[0].ApprovalReason)

	store.approvals = nil
	assert.Empty(t, evaluate(t, store, ring))
}

func TestResolve_ManualRingScope(t *testing.T) {
	store := &fakeStore{
		pending: []patchjob.DevicePatch{{PatchID: "p1"}, {PatchID: "p2"}, {PatchID: "p3"}},
		approvals: []patchjob.ManualApproval{
			{PatchID: "p1", Status: "approved"},
			{PatchID: "p2", RingID: strPtr("ring-1"), Status: "approved"},
			{PatchID: "p3", RingID: strPtr("ring-2"), Status: "approved"},
		},
	}

	got := reasons(evaluate(t, store, patchjob.RingConfig{RingID: strPtr("ring-1")}))
	assert.Equal(t, map[string]patchjob.ApprovalReason{
		"p1": patchjob.ApprovalManual,
		"p2": patchjob.ApprovalManual,
	}, got)

	// Without a ring only org-wide approvals match.
	got = reasons(evaluate(t, store, patchjob.RingConfig{AutoApprove: patchjob.AutoApprove{Enabled: true}}))
	assert.Equal(t, map[string]patchjob.ApprovalReason{"p1": patchjob.ApprovalManual}, got)
}

func TestResolve_DeferralWindow(t *testing.T) {
	ring := patchjob.RingConfig{
		RingID:       strPtr("ring-1"),
		DeferralDays: 30,
		CategoryRules: []patchjob.CategoryRule{
			{Category: "Security", AutoApprove: true, DeferralDaysOverride: intPtr(14)},
		},
	}

	tests := []struct {
		name     string
		released *time.Time
		approved bool
	}{
		{name: "10 days old", released: daysAgo(10), approved: false},
		{name: "14 days old", released: daysAgo(14), approved: true},
		{name: "15 days old", released: daysAgo(15), approved: true},
		{name: "no release date", released: nil, approved: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{pending: []patchjob.DevicePatch{
				{PatchID: "p1", Category: "security", Severity: "important", ReleaseDate: tt.released},
			}}
			got := evaluate(t, store, ring)
			if tt.approved {
				require.Len(t, got, 1)
				assert.Equal(t, patchjob.ApprovalCategoryRule, got[0].ApprovalReason)
			} else {
				assert.Empty(t, got)
			}
		})
	}

	t.Run("ring default applies without override", func(t *testing.T) {
		noOverride := ring
		noOverride.CategoryRules = []patchjob.CategoryRule{{Category: "security", AutoApprove: true}}
		store := &fakeStore{pending: []patchjob.DevicePatch{
			{PatchID: "p1", Category: "security", ReleaseDate: daysAgo(20)},
		}}
		assert.Empty(t, evaluate(t, store, noOverride))
	})
}

func TestResolve_CategoryRuleFilters(t *testing.T) {
	ring := patchjob.RingConfig{
		RingID: strPtr("ring-1"),
		CategoryRules: []patchjob.CategoryRule{
			{Category: "security", AutoApprove: true, SeverityFilter: []string{"Critical", "important"}},
			{Category: "drivers", AutoApprove: false},
		},
	}
	store := &fakeStore{pending: []patchjob.DevicePatch{
		{PatchID: "crit", Category: "SECURITY", Severity: "critical"},
		{PatchID: "low", Category: "security", Severity: "low"},
		{PatchID: "drv", Category: "drivers", Severity: "critical"},
		{PatchID: "other", Category: "feature", Severity: "critical"},
	}}

	got := reasons(evaluate(t, store, ring))
	assert.Equal(t, map[string]patchjob.ApprovalReason{"crit": patchjob.ApprovalCategoryRule}, got)
}

func TestResolve_LegacyAutoApprove(t *testing.T) {
	store := &fakeStore{pending: []patchjob.DevicePatch{
		{PatchID: "crit", Severity: "critical", ExternalID: "KB1", Title: "Rollup", RequiresReboot: true},
		{PatchID: "low", Severity: "low"},
	}}

	got := evaluate(t, store, patchjob.RingConfig{RingID: strPtr("r"), AutoApprove: patchjob.AutoApprove{Enabled: true}})
	require.Len(t, got, 2)
	assert.Equal(t, patchjob.ApprovalLegacyAutoApprove, got[0].ApprovalReason)
	assert.Equal(t, "KB1", got[0].ExternalID)
	assert.Equal(t, "Rollup", got[0].Title)
	assert.True(t, got[0].RequiresReboot)

	got = evaluate(t, store, patchjob.RingConfig{RingID: strPtr("r"), AutoApprove: patchjob.AutoApprove{Enabled: true, Severities: []string{"critical"}}})
	assert.Equal(t, map[string]patchjob.ApprovalReason{"crit": patchjob.ApprovalLegacyAutoApprove}, reasons(got))

	assert.Empty(t, evaluate(t, store, patchjob.RingConfig{RingID: strPtr("r")}))
}

func TestResolve_Deterministic(t *testing.T) {
	store := &fakeStore{
		pending: []patchjob.DevicePatch{
			{PatchID: "a", Category: "security", Severity: "critical", ReleaseDate: daysAgo(3)},
			{PatchID: "b", Severity: "low"},
		},
		approvals: []patchjob.ManualApproval{{PatchID: "b", Status: "approved"}},
	}
	ring := patchjob.RingConfig{RingID: strPtr("r"), CategoryRules: []patchjob.CategoryRule{{Category: "security", AutoApprove: true}}}

	first := evaluate(t, store, ring)
	second := evaluate(t, store, ring)
	assert.Equal(t, first, second)
	assert.Equal(t, 2, store.approvalsHit)
}

func TestResolve_Errors(t *testing.T) {
	store := &fakeStore{pendingErr: errors.New("db down")}
	_, err := New(store).Resolve(context.Background(), "d", "o", patchjob.RingConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestResolve_NoPendingSkipsApprovalLookup(t *testing.T) {
	store := &fakeStore{}
	assert.Empty(t, evaluate(t, store, patchjob.RingConfig{}))
	assert.Zero(t, store.approvalsHit)
}
