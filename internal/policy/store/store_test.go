package store

import (
	"context"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

func TestPutAndGet(t *testing.T) {
	s := New(10, time.Minute)
	ctx := context.Background()
	if err := s.Put(ctx, core.Policy{ID: "p1", Effect: core.EffectAllow}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "p1" {
		t.Fatalf("expected p1, got %v", got)
	}
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	s := New(10, time.Minute)
	if err := s.Delete(context.Background(), "nope"); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestForTenantIncludesGlobalPolicies(t *testing.T) {
	s := New(10, time.Minute)
	ctx := context.Background()
	s.Put(ctx, core.Policy{ID: "global", TenantScope: ""})
	s.Put(ctx, core.Policy{ID: "acme-only", TenantScope: "acme"})
	s.Put(ctx, core.Policy{ID: "other-only", TenantScope: "other"})

	got := s.ForTenant(ctx, "acme")
	if len(got) != 2 {
		t.Fatalf("expected 2 policies for tenant acme, got %d: %v", len(got), got)
	}
}

func TestCacheHitThenInvalidatedByMutation(t *testing.T) {
	s := New(10, time.Minute)
	ec := core.EvaluationContext{Principal: "a", Resource: "r", Action: "x"}
	s.CacheDecision(ec, core.Decision{Effect: core.EffectAllow})

	if _, ok := s.CachedDecision(ec); !ok {
		t.Fatal("expected cache hit before mutation")
	}

	s.Put(context.Background(), core.Policy{ID: "new"})

	if _, ok := s.CachedDecision(ec); ok {
		t.Fatal("expected cache to be invalidated after policy mutation")
	}
}

func TestCacheEntryExpiresByTTL(t *testing.T) {
	c := newEvalCache(10, time.Millisecond)
	c.put("k", core.Decision{Effect: core.EffectAllow})
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.get("k"); ok {
		t.Fatal("expected expired entry to be evicted")
	}
}

func TestCacheEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := newEvalCache(2, time.Minute)
	c.put("a", core.Decision{Effect: core.EffectAllow})
	c.put("b", core.Decision{Effect: core.EffectAllow})
	c.get("a") // touch a so b becomes least-recently-used
	c.put("c", core.Decision{Effect: core.EffectAllow})

	if _, ok := c.get("b"); ok {
		t.Fatal("expected b to be evicted as least-recently-used")
	}
	if _, ok := c.get("a"); !ok {
		t.Fatal("expected a to survive eviction")
	}
	if _, ok := c.get("c"); !ok {
		t.Fatal("expected c to be present")
	}
}
