package core

import "time"

// TenantTier is a billing/feature tier.
type TenantTier string

const (
	TierFree         TenantTier = "free"
	TierBasic        TenantTier = "basic"
	TierProfessional TenantTier = "professional"
	TierEnterprise   TenantTier = "enterprise"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
	TenantExpired   TenantStatus = "expired"
)

// QuotaKind names a countable budget attached to a tenant.
type QuotaKind string

const (
	QuotaAgents              QuotaKind = "agents"
	QuotaSessions            QuotaKind = "sessions"
	QuotaPlugins             QuotaKind = "plugins"
	QuotaTools               QuotaKind = "tools"
	QuotaTokensPerDay        QuotaKind = "tokens_per_day"
	QuotaAPICallsPerMinute   QuotaKind = "api_calls_per_minute"
	QuotaConcurrentRequests  QuotaKind = "concurrent_requests"
	QuotaStorageMB           QuotaKind = "storage_mb"
	QuotaMessagesPerSession  QuotaKind = "messages_per_session"
	QuotaContextLength       QuotaKind = "context_length"
)

// Tenant is a billing and isolation unit with quotas and configuration.
type Tenant struct {
	ID        string
	Name      string
	Tier      TenantTier
	Status    TenantStatus
	Quota     map[QuotaKind]int64
	Config    TenantConfig
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantConfig holds the allowed models/channels/tools and feature flags for
// a tenant. AllowedTools and ToolPolicyByProvider feed the Tool Policy
// Engine's global layer (layer 3) and its per-provider overlay (layer 4) --
// a tenant-wide floor/ceiling on top of whatever profile an individual call
// requests.
type TenantConfig struct {
	AllowedModels        []string
	AllowedChannels      []string
	AllowedTools         []string
	ToolPolicyByProvider map[string]ToolPolicyLayer
	FeatureFlags         map[string]bool
}

// Clone returns a deep copy of the tenant.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Quota = make(map[QuotaKind]int64, len(t.Quota))
	for k, v := range t.Quota {
		clone.Quota[k] = v
	}
	clone.Config.AllowedModels = append([]string{}, t.Config.AllowedModels...)
	clone.Config.AllowedChannels = append([]string{}, t.Config.AllowedChannels...)
	clone.Config.AllowedTools = append([]string{}, t.Config.AllowedTools...)
	if t.Config.ToolPolicyByProvider != nil {
		clone.Config.ToolPolicyByProvider = make(map[string]ToolPolicyLayer, len(t.Config.ToolPolicyByProvider))
		for k, v := range t.Config.ToolPolicyByProvider {
			clone.Config.ToolPolicyByProvider[k] = v
		}
	}
	if t.Config.FeatureFlags != nil {
		clone.Config.FeatureFlags = make(map[string]bool, len(t.Config.FeatureFlags))
		for k, v := range t.Config.FeatureFlags {
			clone.Config.FeatureFlags[k] = v
		}
	}
	return &clone
}

// DefaultQuotaForTier returns a reasonable default quota map for a tier. It
// is used to seed new tenants; operators may override individual kinds.
func DefaultQuotaForTier(tier TenantTier) map[QuotaKind]int64 {
	switch tier {
	case TierEnterprise:
		return map[QuotaKind]int64{
			QuotaAgents: 100, QuotaSessions: 100000, QuotaPlugins: 50, QuotaTools: 200,
			QuotaTokensPerDay: 50_000_000, QuotaAPICallsPerMinute: 6000,
			QuotaConcurrentRequests: 200, QuotaStorageMB: 1_000_000,
			QuotaMessagesPerSession: 100000, QuotaContextLength: 1_000_000,
		}
	case TierProfessional:
		return map[QuotaKind]int64{
			QuotaAgents: 25, QuotaSessions: 20000, QuotaPlugins: 20, QuotaTools: 100,
			QuotaTokensPerDay: 5_000_000, QuotaAPICallsPerMinute: 1000,
			QuotaConcurrentRequests: 50, QuotaStorageMB: 100_000,
			QuotaMessagesPerSession: 20000, QuotaContextLength: 400_000,
		}
	case TierBasic:
		return map[QuotaKind]int64{
			QuotaAgents: 5, QuotaSessions: 2000, QuotaPlugins: 5, QuotaTools: 40,
			QuotaTokensPerDay: 500_000, QuotaAPICallsPerMinute: 200,
			QuotaConcurrentRequests: 10, QuotaStorageMB: 10_000,
			QuotaMessagesPerSession: 5000, QuotaContextLength: 200_000,
		}
	default: // free
		return map[QuotaKind]int64{
			QuotaAgents: 1, QuotaSessions: 200, QuotaPlugins: 1, QuotaTools: 10,
			QuotaTokensPerDay: 50_000, QuotaAPICallsPerMinute: 100,
			QuotaConcurrentRequests: 2, QuotaStorageMB: 500,
			QuotaMessagesPerSession: 500, QuotaContextLength: 32_000,
		}
	}
}
