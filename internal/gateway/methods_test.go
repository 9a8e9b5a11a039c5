package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/conclave-run/conclave/internal/agent"
	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/credential"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/conclave-run/conclave/internal/llmport"
	"github.com/conclave-run/conclave/internal/policy/access"
	"github.com/conclave-run/conclave/internal/policy/toolpolicy"
	"github.com/conclave-run/conclave/internal/quota"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/sandbox"
	"github.com/conclave-run/conclave/internal/scheduler"
	"github.com/conclave-run/conclave/internal/sessions"
	"github.com/conclave-run/conclave/internal/tenant"
)

type scriptedProvider struct {
	name   string
	chunks [][]llmport.Chunk
	calls  int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req llmport.CompletionRequest) (<-chan llmport.Chunk, error) {
	if p.calls >= len(p.chunks) {
		return nil, errors.New("scriptedProvider: no more scripted calls")
	}
	script := p.chunks[p.calls]
	p.calls++
	ch := make(chan llmport.Chunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type allPolicyStore struct{}

func (allPolicyStore) ForTenant(ctx context.Context, tenantID string) []core.Policy {
	return []core.Policy{{ID: "allow-all", Effect: core.EffectAllow, Principals: []string{"*"}, Resources: []string{"*"}, Actions: []string{"*"}, Priority: 1}}
}

func newTestDeps(t *testing.T, provider llmport.Provider) (Deps, *tenant.Store) {
	t.Helper()
	reg := registry.New(nil)
	store := sessions.NewMemoryStore()
	compact := sessions.NewCompactor(sessions.DefaultCompactionConfig(), store, nil)
	mgr := sessions.NewManager(store, compact, nil)

	ts := tenant.New()
	ctx := context.Background()
	if _, err := ts.Create(ctx, core.Tenant{ID: "acme", Tier: core.TierEnterprise}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	quotaMgr := quota.New(ts, nil)

	credPool := credential.NewPool(nil)
	credPool.Add(core.Credential{ID: "c1", Provider: "test", Priority: 1})

	accessEngine := access.New(nil, nil, nil)
	sandboxRtr := sandbox.NewRouter(sandbox.NewDirectDriver(), sandbox.NewContainedDriver())
	toolEngine := toolpolicy.New(reg)

	rt := agent.New(
		map[string]llmport.Provider{"test": provider},
		credPool, quotaMgr, mgr, reg, toolEngine, accessEngine,
		allPolicyStore{}, sandboxRtr, eventbus.New(), agent.Config{}, nil,
	)

	sched := scheduler.New(noopDispatcher{}, eventbus.New(), nil)

	return Deps{
		Sessions:  mgr,
		Runtime:   rt,
		Tools:     reg,
		Tenants:   ts,
		Scheduler: sched,
	}, ts
}

type noopDispatcher struct{}

func (noopDispatcher) DispatchSystemEvent(ctx context.Context, job core.Job) error { return nil }
func (noopDispatcher) DispatchAgentTurn(ctx context.Context, job core.Job) error   { return nil }

func TestHandleSessionsPostMessageRunsAgentAndReturnsMessageSeq(t *testing.T) {
	provider := &scriptedProvider{name: "test", chunks: [][]llmport.Chunk{{{TextDelta: "hi there", Done: true}}}}
	deps, _ := newTestDeps(t, provider)

	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	params, _ := json.Marshal(sessionsPostMessageParams{
		SessionKey: "agent:a1:main",
		TenantID:   "acme",
		Provider:   "test",
		Text:       "hi",
	})

	result, rerr := reg.Dispatch(context.Background(), &Conn{}, "sessions.post_message", params, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	m := result.(map[string]any)
	if m["status"] != agent.StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %v", m["status"])
	}
	if m["message_seq"].(int64) <= 0 {
		t.Fatalf("expected a positive message_seq, got %v", m["message_seq"])
	}
}

func TestHandleSessionsPostMessageRejectsMissingFields(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	params, _ := json.Marshal(sessionsPostMessageParams{})
	_, rerr := reg.Dispatch(context.Background(), &Conn{}, "sessions.post_message", params, "")
	if rerr == nil || rerr.Code != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", rerr)
	}
}

func TestHandleToolsListReturnsRegisteredTools(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	deps.Tools.(*registry.Registry).Register(core.ToolDescriptor{
		Name:    "session_status",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) { return core.ToolResult{}, nil },
	})

	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	result, rerr := reg.Dispatch(context.Background(), &Conn{}, "tools.list", nil, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	tools := result.(map[string]any)["tools"].([]core.ToolDescriptor)
	if len(tools) != 1 || tools[0].Name != "session_status" {
		t.Fatalf("expected one tool named session_status, got %v", tools)
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	result, rerr := reg.Dispatch(context.Background(), &Conn{}, "health", nil, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if result.(map[string]any)["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", result)
	}
}

func TestHandlePingReturnsTimestamp(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	result, rerr := reg.Dispatch(context.Background(), &Conn{}, "ping", nil, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if result.(map[string]any)["timestamp"].(int64) <= 0 {
		t.Fatalf("expected a positive timestamp, got %v", result)
	}
}

func TestHandleSessionsPostMessageRepeatedIdempotencyKeyIsDuplicate(t *testing.T) {
	provider := &scriptedProvider{name: "test", chunks: [][]llmport.Chunk{{{TextDelta: "hi there", Done: true}}}}
	deps, _ := newTestDeps(t, provider)
	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)
	conn := &Conn{}

	params, _ := json.Marshal(sessionsPostMessageParams{
		SessionKey:     "agent:a1:main",
		TenantID:       "acme",
		Provider:       "test",
		Text:           "hi",
		IdempotencyKey: "retry-1",
	})

	first, rerr := reg.Dispatch(context.Background(), conn, "sessions.post_message", params, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if first.(map[string]any)["status"] != agent.StatusCompleted {
		t.Fatalf("expected StatusCompleted on first call, got %v", first)
	}

	second, rerr := reg.Dispatch(context.Background(), conn, "sessions.post_message", params, "")
	if rerr != nil {
		t.Fatalf("unexpected error: %v", rerr)
	}
	if second.(map[string]any)["status"] != "duplicate" {
		t.Fatalf("expected duplicate on retried idempotency key, got %v", second)
	}
}

func TestBuildFilterContextRestrictsSubagentSessions(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	ctx := context.Background()

	sub := &core.Session{ID: "sub1", TenantID: "acme", Type: core.SessionSubagent}
	tools := buildFilterContext(ctx, deps, sub, postMessageRequest{tenantID: "acme"})
	if tools.Layers[toolpolicy.LayerProfile].Profile != core.ProfileCoding {
		t.Fatalf("expected subagent session downgraded from full profile, got %v", tools.Layers[toolpolicy.LayerProfile].Profile)
	}
	if len(tools.Layers[toolpolicy.LayerSubagent].Deny) == 0 {
		t.Fatalf("expected a restricted subagent deny list, got none")
	}

	main := &core.Session{ID: "main1", TenantID: "acme", Type: core.SessionMain}
	mainTools := buildFilterContext(ctx, deps, main, postMessageRequest{tenantID: "acme"})
	if mainTools.Layers[toolpolicy.LayerProfile].Profile != core.ProfileFull {
		t.Fatalf("expected main session to keep full profile, got %v", mainTools.Layers[toolpolicy.LayerProfile].Profile)
	}
}

func TestHandleTenantsGetUnknownTenantReturnsInvalidRequest(t *testing.T) {
	deps, _ := newTestDeps(t, &scriptedProvider{name: "test"})
	reg := NewMethodRegistry()
	RegisterDefaultMethods(reg, deps)

	params, _ := json.Marshal(tenantsGetParams{ID: "nope"})
	_, rerr := reg.Dispatch(context.Background(), &Conn{}, "tenants.get", params, "")
	if rerr == nil || rerr.Code != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", rerr)
	}
}
