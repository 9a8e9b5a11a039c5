// Package credential manages the rotating pool of per-provider LLM
// secrets: acquisition by priority and least-recently-used order, and a
// fixed cooldown ladder applied on consecutive failures.
package credential

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// cooldownLadder maps consecutive failure count to cooldown duration.
// A credential's error count beyond the ladder's length repeats the last
// (longest) step rather than growing further.
var cooldownLadder = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	1500 * time.Second,
	3600 * time.Second,
}

func cooldownFor(errorCount int) time.Duration {
	if errorCount <= 0 {
		return 0
	}
	idx := errorCount - 1
	if idx >= len(cooldownLadder) {
		idx = len(cooldownLadder) - 1
	}
	return cooldownLadder[idx]
}

// Pool holds credentials grouped by provider and serializes acquisition
// and reporting under a single mutex.
type Pool struct {
	mu    sync.Mutex
	byID  map[string]*core.Credential
	now   func() time.Time
}

func NewPool(now func() time.Time) *Pool {
	if now == nil {
		now = time.Now
	}
	return &Pool{byID: make(map[string]*core.Credential), now: now}
}

// Add registers a credential with the pool, replacing any existing entry
// with the same ID.
func (p *Pool) Add(c core.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := c
	p.byID[c.ID] = &cp
}

// Remove drops a credential from the pool.
func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
}

// Acquire returns the best eligible credential for a provider: highest
// priority first, then least-recently-used among ties. Credentials
// currently in cooldown are skipped.
func (p *Pool) Acquire(provider string) (*core.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	var candidates []*core.Credential
	for _, c := range p.byID {
		if c.Provider != provider {
			continue
		}
		if c.InCooldown(now) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("credential: no available credential for provider %q", provider)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})

	chosen := candidates[0]
	chosen.LastUsedAt = now
	out := *chosen
	return &out, nil
}

// ReportSuccess clears a credential's failure count and cooldown.
func (p *Pool) ReportSuccess(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return
	}
	c.ErrorCount = 0
	c.CooldownUntil = time.Time{}
}

// ReportFailure increments a credential's failure count and applies the
// corresponding rung of the cooldown ladder.
func (p *Pool) ReportFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return
	}
	c.ErrorCount++
	c.CooldownUntil = p.now().Add(cooldownFor(c.ErrorCount))
}

// Get returns a copy of a credential's current state, for inspection.
func (p *Pool) Get(id string) (core.Credential, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.byID[id]
	if !ok {
		return core.Credential{}, false
	}
	return *c, true
}
