package quota

import (
	"context"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/tenant"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRecordUsageWithinLimitSucceeds(t *testing.T) {
	ts := tenant.New()
	ctx := context.Background()
	ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree})

	m := New(ts, fixedClock(time.Now()))
	if err := m.RecordUsage(ctx, "acme", core.QuotaAPICallsPerMinute, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRecordUsageOverLimitFails(t *testing.T) {
	ts := tenant.New()
	ctx := context.Background()
	ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree, Quota: map[core.QuotaKind]int64{
		core.QuotaAPICallsPerMinute: 5,
	}})

	m := New(ts, fixedClock(time.Now()))
	if err := m.RecordUsage(ctx, "acme", core.QuotaAPICallsPerMinute, 6); err != core.ErrQuotaExceeded {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
}

func TestUnknownTenantReturnsTenantNotFound(t *testing.T) {
	ts := tenant.New()
	m := New(ts, nil)
	if _, err := m.CanProceed(context.Background(), "ghost", core.QuotaTools, 1); err != core.ErrTenantNotFound {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestAcquireConcurrentSlotReleasesBackToPool(t *testing.T) {
	ts := tenant.New()
	ctx := context.Background()
	ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree, Quota: map[core.QuotaKind]int64{
		core.QuotaConcurrentRequests: 1,
	}})

	m := New(ts, nil)
	release, err := m.AcquireConcurrentSlot(ctx, "acme", core.QuotaConcurrentRequests)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.AcquireConcurrentSlot(ctx, "acme", core.QuotaConcurrentRequests); err != core.ErrQuotaExceeded {
		t.Fatalf("expected second acquire to exceed quota, got %v", err)
	}

	release()
	if _, err := m.AcquireConcurrentSlot(ctx, "acme", core.QuotaConcurrentRequests); err != nil {
		t.Fatalf("expected slot free after release, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ts := tenant.New()
	ctx := context.Background()
	ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree, Quota: map[core.QuotaKind]int64{
		core.QuotaConcurrentRequests: 1,
	}})

	m := New(ts, nil)
	release, _ := m.AcquireConcurrentSlot(ctx, "acme", core.QuotaConcurrentRequests)
	release()
	release()
	if got := m.HeldSlots("acme", core.QuotaConcurrentRequests); got != 0 {
		t.Fatalf("expected 0 held slots after double release, got %d", got)
	}
}

func TestRollingWindowExcludesOldUsage(t *testing.T) {
	ts := tenant.New()
	ctx := context.Background()
	ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree, Quota: map[core.QuotaKind]int64{
		core.QuotaTokensPerDay: 100,
	}})

	base := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	old := New(ts, fixedClock(base))
	if err := old.RecordUsage(ctx, "acme", core.QuotaTokensPerDay, 90); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	later := New(ts, fixedClock(base.Add(25*time.Hour)))
	if err := later.RecordUsage(ctx, "acme", core.QuotaTokensPerDay, 90); err != nil {
		t.Fatalf("expected old usage to have rolled out of the 24h window: %v", err)
	}
}
