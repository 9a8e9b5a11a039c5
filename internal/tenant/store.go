// Package tenant implements the Tenant & Quota Store (spec §4.L3): CRUD over
// core.Tenant records plus rolling-window usage counters keyed by
// core.QuotaKind, one window set per tenant.
//
// Grounded on the teacher's usage.Tracker (internal/usage/usage.go): a
// mutex-guarded map of running totals with periodic pruning of aged-out
// records. This package keeps the "append a record" shape, capping each
// kind's records by count rather than pruning them by age, but counts by
// (tenant, QuotaKind) instead of (provider, model), and
// exposes a fixed-window count rather than the teacher's unbounded running
// total, since quota enforcement needs "how much in the last N" not
// "how much ever".
package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/storage"
)

// Store holds tenant records and their quota usage windows. Usage
// windows are intentionally not persisted: they are reconstructible
// rolling counters, not durable records, and spec §6's persistent
// layout names only a Tenant record per file.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]core.Tenant
	usage   map[string]*quotaWindows // by tenant ID
	persist storage.Store            // nil when running purely in-memory
}

// New creates an empty Tenant Store with no backing Storage Port --
// tenants live only as long as the process does.
func New() *Store {
	return &Store{
		tenants: make(map[string]core.Tenant),
		usage:   make(map[string]*quotaWindows),
	}
}

// NewPersistent creates a Tenant Store backed by the "tenants" namespace
// of the Storage Port (spec §4.Z), loading any existing records before
// returning. Each tenant round-trips as the `tenants/{tenant_id}.json`
// record spec §6 names, satisfying "a successful put must survive
// process restart" for the tenant half of this package's state.
func NewPersistent(ctx context.Context, opener storage.Opener) (*Store, error) {
	persist, err := opener.Open("tenants")
	if err != nil {
		return nil, fmt.Errorf("tenant: open storage namespace: %w", err)
	}
	s := &Store{
		tenants: make(map[string]core.Tenant),
		usage:   make(map[string]*quotaWindows),
		persist: persist,
	}
	entries, err := storage.ScanAll(ctx, persist, "")
	if err != nil {
		return nil, fmt.Errorf("tenant: load existing records: %w", err)
	}
	for _, e := range entries {
		var t core.Tenant
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return nil, fmt.Errorf("tenant: decode %s: %w", e.Key, err)
		}
		s.tenants[t.ID] = t
		s.usage[t.ID] = newQuotaWindows()
	}
	return s, nil
}

func (s *Store) save(ctx context.Context, t core.Tenant) error {
	if s.persist == nil {
		return nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("tenant: encode %s: %w", t.ID, err)
	}
	if err := s.persist.Put(ctx, t.ID+".json", b); err != nil {
		return fmt.Errorf("tenant: persist %s: %w", t.ID, err)
	}
	return nil
}

// Create inserts a new tenant, applying tier-default quotas for any
// QuotaKind the caller left unset.
func (s *Store) Create(ctx context.Context, t core.Tenant) (core.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tenants[t.ID]; exists {
		return core.Tenant{}, core.ErrAlreadyExists
	}

	defaults := core.DefaultQuotaForTier(t.Tier)
	if t.Quota == nil {
		t.Quota = make(map[core.QuotaKind]int64, len(defaults))
	}
	for kind, limit := range defaults {
		if _, set := t.Quota[kind]; !set {
			t.Quota[kind] = limit
		}
	}

	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.save(ctx, t); err != nil {
		return core.Tenant{}, err
	}
	s.tenants[t.ID] = *t.Clone()
	s.usage[t.ID] = newQuotaWindows()
	return *t.Clone(), nil
}

// Get returns a tenant by ID.
func (s *Store) Get(ctx context.Context, id string) (core.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return core.Tenant{}, core.ErrTenantNotFound
	}
	return *t.Clone(), nil
}

// Update replaces a tenant's mutable fields.
func (s *Store) Update(ctx context.Context, t core.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tenants[t.ID]
	if !ok {
		return core.ErrTenantNotFound
	}
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now()
	if err := s.save(ctx, t); err != nil {
		return err
	}
	s.tenants[t.ID] = *t.Clone()
	return nil
}

// Delete removes a tenant and its usage windows.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[id]; !ok {
		return core.ErrTenantNotFound
	}
	if s.persist != nil {
		if err := s.persist.Delete(ctx, id+".json"); err != nil {
			return fmt.Errorf("tenant: delete persisted record: %w", err)
		}
	}
	delete(s.tenants, id)
	delete(s.usage, id)
	return nil
}

// List returns every tenant.
func (s *Store) List(ctx context.Context) []core.Tenant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t.Clone())
	}
	return out
}

// QuotaLimit returns the configured limit for a tenant/kind, and whether
// that tenant and kind are both known.
func (s *Store) QuotaLimit(ctx context.Context, tenantID string, kind core.QuotaKind) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return 0, false
	}
	limit, ok := t.Quota[kind]
	return limit, ok
}

// RecordUsage appends n units of usage for (tenant, kind) at the current
// time, for later windowed counting.
func (s *Store) RecordUsage(ctx context.Context, tenantID string, kind core.QuotaKind, n int64, at time.Time) {
	s.mu.Lock()
	w, ok := s.usage[tenantID]
	if !ok {
		w = newQuotaWindows()
		s.usage[tenantID] = w
	}
	s.mu.Unlock()
	w.record(kind, n, at)
}

// WindowUsage returns the summed usage for (tenant, kind) within the
// trailing window ending at `at`.
func (s *Store) WindowUsage(ctx context.Context, tenantID string, kind core.QuotaKind, window time.Duration, at time.Time) int64 {
	s.mu.RLock()
	w, ok := s.usage[tenantID]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return w.sum(kind, window, at)
}
