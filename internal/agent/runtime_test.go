package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/credential"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/conclave-run/conclave/internal/llmport"
	"github.com/conclave-run/conclave/internal/policy/access"
	"github.com/conclave-run/conclave/internal/policy/toolpolicy"
	"github.com/conclave-run/conclave/internal/quota"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/sandbox"
	"github.com/conclave-run/conclave/internal/sessions"
	"github.com/conclave-run/conclave/internal/tenant"
)

type scriptedProvider struct {
	name   string
	chunks [][]llmport.Chunk // one slice of chunks per call, consumed in order
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
	return []core.Policy{{
		ID:         "allow-all",
		Effect:     core.EffectAllow,
		Principals: []string{"*"},
		Resources:  []string{"*"},
		Actions:    []string{"*"},
		Priority:   1,
	}}
}

func newTestRuntime(t *testing.T, provider llmport.Provider, reg *registry.Registry) (*Runtime, *sessions.Manager, *tenant.Store) {
	t.Helper()
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
	credPool.Add(core.Credential{ID: "c2", Provider: "test", Priority: 1})

	accessEngine := access.New(nil, nil, nil)
	sandboxRtr := sandbox.NewRouter(sandbox.NewDirectDriver(), sandbox.NewContainedDriver())

	toolEngine := toolpolicy.New(reg)

	rt := New(
		map[string]llmport.Provider{"test": provider},
		credPool,
		quotaMgr,
		mgr,
		reg,
		toolEngine,
		accessEngine,
		allPolicyStore{},
		sandboxRtr,
		eventbus.New(),
		Config{},
		nil,
	)
	return rt, mgr, ts
}

func TestRunAppendsUserMessageAndReturnsFinalAssistantText(t *testing.T) {
	reg := registry.New(nil)
	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{TextDelta: "hi there", Done: true}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	if err := mgr.Store().Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	result, err := rt.Run(ctx, RunRequest{
		SessionID:      sess.ID,
		TenantID:       "acme",
		Provider:       "test",
		Model:          "test-model",
		NewUserMessage: &core.Message{Role: core.RoleUser, Content: "hello"},
		Tools:          toolpolicy.FilterContext{},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %s", result.Status)
	}
	if result.AssistantMessage == nil || result.AssistantMessage.Content != "hi there" {
		t.Fatalf("expected assistant message %q, got %+v", "hi there", result.AssistantMessage)
	}

	history, err := mgr.Store().GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 messages (user + assistant), got %d", len(history))
	}
	if history[0].Role != core.RoleUser || history[0].Content != "hello" {
		t.Fatalf("expected first message to be the user message, got %+v", history[0])
	}
}

func TestRunDispatchesToolCallAndContinues(t *testing.T) {
	reg := registry.New(nil)
	called := false
	reg.Register(core.ToolDescriptor{
		Name: "echo",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			called = true
			return core.ToolResult{Content: "echoed"}, nil
		},
	})

	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{ToolCalls: []llmport.ToolCall{{ID: "tc1", Name: "echo", Input: []byte(`{}`)}}, Done: true}},
			{{TextDelta: "done", Done: true}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	result, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
		Tools:     toolpolicy.FilterContext{Layers: [9]core.ToolPolicyLayer{{Profile: core.ProfileFull}}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !called {
		t.Fatal("expected echo tool handler to be invoked")
	}
	if result.Status != StatusCompleted {
		t.Fatalf("expected StatusCompleted, got %s", result.Status)
	}

	history, _ := mgr.Store().GetHistory(ctx, sess.ID, 0)
	var sawToolResult bool
	for _, m := range history {
		if m.Role == core.RoleToolResult && m.Content == "echoed" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Fatalf("expected a tool_result message with echoed content, got %+v", history)
	}
}

func TestRunDeniesToolNotInAllowedSet(t *testing.T) {
	reg := registry.New(nil)
	called := false
	reg.Register(core.ToolDescriptor{
		Name: "dangerous",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			called = true
			return core.ToolResult{Content: "should not run"}, nil
		},
	})

	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{ToolCalls: []llmport.ToolCall{{ID: "tc1", Name: "dangerous", Input: []byte(`{}`)}}, Done: true}},
			{{TextDelta: "done", Done: true}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	// Minimal profile does not allow "dangerous".
	_, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
		Tools:     toolpolicy.FilterContext{Layers: [9]core.ToolPolicyLayer{{Profile: core.ProfileMinimal}}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if called {
		t.Fatal("expected denied tool handler to never run")
	}

	history, _ := mgr.Store().GetHistory(ctx, sess.ID, 0)
	var sawDenial bool
	for _, m := range history {
		if m.Role == core.RoleToolResult && m.Content != "" && m.ToolName == "dangerous" {
			sawDenial = true
		}
	}
	if !sawDenial {
		t.Fatalf("expected a refusal tool_result for the denied tool, got %+v", history)
	}
}

func TestRunRetriesOnceOnTransientLLMError(t *testing.T) {
	reg := registry.New(nil)
	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{Err: errors.New("503 service unavailable")}},
			{{TextDelta: "recovered", Done: true}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	result, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
	})
	if err != nil {
		t.Fatalf("expected the single retry to succeed, got error: %v", err)
	}
	if result.AssistantMessage == nil || result.AssistantMessage.Content != "recovered" {
		t.Fatalf("expected recovered assistant text, got %+v", result.AssistantMessage)
	}
	if provider.calls != 2 {
		t.Fatalf("expected exactly 2 provider calls (original + 1 retry), got %d", provider.calls)
	}
}

func TestRunSurfacesProviderUnavailableAfterSecondFailure(t *testing.T) {
	reg := registry.New(nil)
	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{Err: errors.New("503 service unavailable")}},
			{{Err: errors.New("503 service unavailable")}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	_, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
	})
	var lerr *llmport.Error
	if !errors.As(err, &lerr) || lerr.Kind != llmport.ProviderUnavailable {
		t.Fatalf("expected a ProviderUnavailable llmport.Error, got %v", err)
	}
}

func TestRunIterationLimitReached(t *testing.T) {
	reg := registry.New(nil)
	reg.Register(core.ToolDescriptor{
		Name: "loop_tool",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			return core.ToolResult{Content: "again"}, nil
		},
	})

	// Every call returns a tool call, so the loop never naturally finishes.
	var script [][]llmport.Chunk
	for i := 0; i < 5; i++ {
		script = append(script, []llmport.Chunk{{
			ToolCalls: []llmport.ToolCall{{ID: "x", Name: "loop_tool", Input: []byte(`{}`)}},
			Done:      true,
		}})
	}
	provider := &scriptedProvider{name: "test", chunks: script}
	rt, mgr, _ := newTestRuntime(t, provider, reg)
	rt.config = Config{MaxIterations: 3}

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	result, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
		Tools:     toolpolicy.FilterContext{Layers: [9]core.ToolPolicyLayer{{Profile: core.ProfileFull}}},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != StatusIterationLimit {
		t.Fatalf("expected StatusIterationLimit, got %s", result.Status)
	}
	if result.Iterations != 3 {
		t.Fatalf("expected exactly 3 iterations, got %d", result.Iterations)
	}
}

func TestRunAlreadyCancelledContextReturnsStatusCancelled(t *testing.T) {
	reg := registry.New(nil)
	provider := &scriptedProvider{
		name: "test",
		chunks: [][]llmport.Chunk{
			{{TextDelta: "unreachable", Done: true}},
		},
	}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled before Run starts its loop

	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(context.Background(), sess)

	result, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "test",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Status != StatusCancelled {
		t.Fatalf("expected StatusCancelled, got %s", result.Status)
	}
}

func TestRunUnknownProviderReturnsError(t *testing.T) {
	reg := registry.New(nil)
	provider := &scriptedProvider{name: "test"}
	rt, mgr, _ := newTestRuntime(t, provider, reg)

	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain, TenantID: "acme"}
	mgr.Store().Create(ctx, sess)

	_, err := rt.Run(ctx, RunRequest{
		SessionID: sess.ID,
		TenantID:  "acme",
		Provider:  "missing",
	})
	if !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}
