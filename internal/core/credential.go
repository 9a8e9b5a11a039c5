package core

import "time"

// Credential is a rotating LLM provider secret managed by the Credential Pool.
type Credential struct {
	ID            string
	Provider      string
	Secret        []byte // treated as an opaque byte string
	Priority      int
	CooldownUntil time.Time
	ErrorCount    int
	LastUsedAt    time.Time
}

// InCooldown reports whether the credential is currently cooling down as of t.
func (c *Credential) InCooldown(t time.Time) bool {
	return !c.CooldownUntil.IsZero() && t.Before(c.CooldownUntil)
}
