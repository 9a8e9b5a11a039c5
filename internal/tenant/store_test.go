package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/storage"
)

func TestCreateSeedsTierDefaults(t *testing.T) {
	s := New()
	created, err := s.Create(context.Background(), core.Tenant{ID: "acme", Tier: core.TierFree})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Quota[core.QuotaAgents] != 1 {
		t.Fatalf("expected free-tier default agent quota 1, got %d", created.Quota[core.QuotaAgents])
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree})
	if _, err := s.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree}); err != core.ErrAlreadyExists {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGetMissingReturnsTenantNotFound(t *testing.T) {
	s := New()
	if _, err := s.Get(context.Background(), "nope"); err != core.ErrTenantNotFound {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

func TestExplicitQuotaOverridesTierDefault(t *testing.T) {
	s := New()
	created, err := s.Create(context.Background(), core.Tenant{
		ID:    "acme",
		Tier:  core.TierFree,
		Quota: map[core.QuotaKind]int64{core.QuotaAgents: 99},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Quota[core.QuotaAgents] != 99 {
		t.Fatalf("expected explicit override 99, got %d", created.Quota[core.QuotaAgents])
	}
}

func TestWindowUsageOnlyCountsWithinWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree})

	base := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s.RecordUsage(ctx, "acme", core.QuotaAPICallsPerMinute, 3, base.Add(-2*time.Minute))
	s.RecordUsage(ctx, "acme", core.QuotaAPICallsPerMinute, 5, base.Add(-30*time.Second))

	got := s.WindowUsage(ctx, "acme", core.QuotaAPICallsPerMinute, time.Minute, base)
	if got != 5 {
		t.Fatalf("expected only the in-window record counted (5), got %d", got)
	}
}

func TestWindowUsageZeroWindowIsAllTime(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree})

	base := time.Now()
	s.RecordUsage(ctx, "acme", core.QuotaSessions, 1, base.Add(-48*time.Hour))
	s.RecordUsage(ctx, "acme", core.QuotaSessions, 1, base)

	got := s.WindowUsage(ctx, "acme", core.QuotaSessions, 0, base)
	if got != 2 {
		t.Fatalf("expected cumulative count 2, got %d", got)
	}
}

func TestNewPersistentSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	opener1, err := storage.NewFileOpener(dir)
	if err != nil {
		t.Fatalf("NewFileOpener: %v", err)
	}
	s1, err := NewPersistent(ctx, opener1)
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	if _, err := s1.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierPro}); err != nil {
		t.Fatalf("create: %v", err)
	}

	opener2, err := storage.NewFileOpener(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2, err := NewPersistent(ctx, opener2)
	if err != nil {
		t.Fatalf("NewPersistent (reopen): %v", err)
	}
	got, err := s2.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Tier != core.TierPro {
		t.Fatalf("expected tier to survive reopen, got %v", got.Tier)
	}
}

func TestNewPersistentDeleteRemovesRecordAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	opener1, _ := storage.NewFileOpener(dir)
	s1, err := NewPersistent(ctx, opener1)
	if err != nil {
		t.Fatalf("NewPersistent: %v", err)
	}
	s1.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierFree})
	if err := s1.Delete(ctx, "acme"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	opener2, _ := storage.NewFileOpener(dir)
	s2, err := NewPersistent(ctx, opener2)
	if err != nil {
		t.Fatalf("NewPersistent (reopen): %v", err)
	}
	if _, err := s2.Get(ctx, "acme"); err != core.ErrTenantNotFound {
		t.Fatalf("expected deleted tenant to stay deleted, got %v", err)
	}
}
