// Package quota implements the Quota Manager (spec §4.M3): admission checks
// and usage recording against a tenant's configured limits, plus a counting
// semaphore for concurrency-style quotas (concurrent requests, concurrent
// agents).
//
// Grounded on the teacher's tool_registry.go session lock pattern: a
// ref-counted map guarding a fixed number of concurrent slots per key,
// generalized here from "one slot set per session" to "one slot set per
// (tenant, QuotaKind)".
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// TenantSource is the subset of the Tenant Store the Quota Manager needs.
type TenantSource interface {
	QuotaLimit(ctx context.Context, tenantID string, kind core.QuotaKind) (int64, bool)
	RecordUsage(ctx context.Context, tenantID string, kind core.QuotaKind, n int64, at time.Time)
	WindowUsage(ctx context.Context, tenantID string, kind core.QuotaKind, window time.Duration, at time.Time) int64
}

// windowFor reports the rolling window to apply when checking a kind's
// usage against its limit. Cumulative kinds (storage, counts of live
// objects) use a zero window, meaning "all recorded usage"; rate kinds use
// a fixed rolling window matching their name.
var windowFor = map[core.QuotaKind]time.Duration{
	core.QuotaTokensPerDay:      24 * time.Hour,
	core.QuotaAPICallsPerMinute: time.Minute,
}

// Manager enforces per-tenant quotas and tracks concurrency slots.
type Manager struct {
	tenants TenantSource
	now     func() time.Time

	mu    sync.Mutex
	slots map[string]int64 // "tenantID:kind" -> held count
}

// New creates a Quota Manager backed by a tenant source. now defaults to
// time.Now; tests may inject a fixed clock.
func New(tenants TenantSource, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{tenants: tenants, now: now, slots: make(map[string]int64)}
}

// CanProceed reports whether recording n more units of kind for tenantID
// would stay within its configured quota, without recording anything.
func (m *Manager) CanProceed(ctx context.Context, tenantID string, kind core.QuotaKind, n int64) (bool, error) {
	limit, ok := m.tenants.QuotaLimit(ctx, tenantID, kind)
	if !ok {
		return false, core.ErrTenantNotFound
	}
	if limit <= 0 {
		return true, nil // unlimited
	}
	used := m.tenants.WindowUsage(ctx, tenantID, kind, windowFor[kind], m.now())
	return used+n <= limit, nil
}

// Check is CanProceed with core.ErrQuotaExceeded on a negative result,
// convenient for call sites that want a single error check.
func (m *Manager) Check(ctx context.Context, tenantID string, kind core.QuotaKind, n int64) error {
	ok, err := m.CanProceed(ctx, tenantID, kind, n)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrQuotaExceeded
	}
	return nil
}

// RecordUsage admits the usage if quota allows it, and records it
// atomically with the check so two concurrent callers cannot both pass a
// Check and then jointly overrun the limit.
func (m *Manager) RecordUsage(ctx context.Context, tenantID string, kind core.QuotaKind, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Check(ctx, tenantID, kind, n); err != nil {
		return err
	}
	m.tenants.RecordUsage(ctx, tenantID, kind, n, m.now())
	return nil
}

// AcquireConcurrentSlot reserves one concurrency slot for (tenantID, kind)
// if under the tenant's limit, returning a release function to call when
// the held resource is freed. Concurrency quotas (QuotaConcurrentRequests,
// QuotaAgents as live-session ceilings) are tracked as held counts rather
// than rolling-window usage, since release must be able to give the slot
// back.
func (m *Manager) AcquireConcurrentSlot(ctx context.Context, tenantID string, kind core.QuotaKind) (release func(), err error) {
	limit, ok := m.tenants.QuotaLimit(ctx, tenantID, kind)
	if !ok {
		return nil, core.ErrTenantNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey(tenantID, kind)
	if limit > 0 && m.slots[key] >= limit {
		return nil, core.ErrQuotaExceeded
	}
	m.slots[key]++

	var once sync.Once
	release = func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if m.slots[key] > 0 {
				m.slots[key]--
			}
		})
	}
	return release, nil
}

// HeldSlots returns the currently held concurrency count for (tenantID, kind).
func (m *Manager) HeldSlots(tenantID string, kind core.QuotaKind) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.slots[slotKey(tenantID, kind)]
}

func slotKey(tenantID string, kind core.QuotaKind) string {
	return fmt.Sprintf("%s:%s", tenantID, kind)
}
