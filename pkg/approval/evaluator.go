// Package approval decides which pending patches a device may install.
package approval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/fleetpatch/pkg/patchjob"
)

// Store is the read side the evaluator needs.
type Store interface {
	PendingPatches(ctx context.Context, deviceID string) ([]patchjob.DevicePatch, error)
	ManualApprovals(ctx context.Context, orgID string, patchIDs []string) ([]patchjob.ManualApproval, error)
}

// Evaluator resolves approved patches. It holds no state between calls.
type Evaluator struct {
	store Store
	now   func() time.Time
}

// New returns an evaluator using the wall clock.
func New(store Store) *Evaluator {
	return &Evaluator{store: store, now: time.Now}
}

// WithClock overrides the time source.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	if now != nil {
		e.now = now
	}
	return e
}

// Resolve returns the device's approved patches in pending-patch order.
//
// Per patch, the first rule that approves wins: a manual approval for the
// device's ring or the whole org, then a matching category rule, then the
// legacy ring-level auto-approve. Devices without a ring only take manual
// approvals.
func (e *Evaluator) Resolve(ctx context.Context, deviceID, orgID string, ring patchjob.RingConfig) ([]patchjob.ApprovedPatch, error) {
	pending, err := e.store.PendingPatches(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("load pending patches: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, len(pending))
	for i, p := range pending {
		ids[i] = p.PatchID
	}
	approvals, err := e.store.ManualApprovals(ctx, orgID, ids)
	if err != nil {
		return nil, fmt.Errorf("load manual approvals: %w", err)
	}
	manual := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if a.RingID == nil || (ring.RingID != nil && *a.RingID == *ring.RingID) {
			manual[a.PatchID] = true
		}
	}

	now := e.now()
	var out []patchjob.ApprovedPatch
	for _, p := range pending {
		reason, ok := e.decide(p, ring, manual[p.PatchID], now)
		if !ok {
			continue
		}
		out = append(out, patchjob.ApprovedPatch{
			PatchID:        p.PatchID,
			DevicePatchID:  p.DevicePatchID,
			ExternalID:     p.ExternalID,
			Title:          p.Title,
			Category:       p.Category,
			Severity:       p.Severity,
			RequiresReboot: p.RequiresReboot,
			ApprovalReason: reason,
		})
	}
	return out, nil
}

func (e *Evaluator) decide(p patchjob.DevicePatch, ring patchjob.RingConfig, manual bool, now time.Time) (patchjob.ApprovalReason, bool) {
	if manual {
		return patchjob.ApprovalManual, true
	}
	if ring.RingID == nil {
		return "", false
	}

	if rule, ok := matchRule(ring.CategoryRules, p.Category); ok && ruleApproves(rule, p, ring.DeferralDays, now) {
		return patchjob.ApprovalCategoryRule, true
	}

	if ring.AutoApprove.Enabled {
		if len(ring.AutoApprove.Severities) == 0 || containsFold(ring.AutoApprove.Severities, p.Severity) {
			return patchjob.ApprovalLegacyAutoApprove, true
		}
	}
	return "", false
}

func matchRule(rules []patchjob.CategoryRule, category string) (patchjob.CategoryRule, bool) {
	for _, r := range rules {
		if strings.EqualFold(strings.TrimSpace(r.Category), strings.TrimSpace(category)) {
			return r, true
		}
	}
	return patchjob.CategoryRule{}, false
}

func ruleApproves(rule patchjob.CategoryRule, p patchjob.DevicePatch, ringDeferral int, now time.Time) bool {
	if !rule.AutoApprove {
		return false
	}
	if len(rule.SeverityFilter) > 0 && !containsFold(rule.SeverityFilter, p.Severity) {
		return false
	}
	if p.ReleaseDate == nil {
		return true
	}
	days := ringDeferral
	if rule.DeferralDaysOverride != nil {
		days = *rule.DeferralDaysOverride
	}
	eligible := p.ReleaseDate.Add(time.Duration(days) * 24 * time.Hour)
	return !eligible.After(now)
}

func containsFold(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
