// Package agent implements the Agent Runtime Loop (spec §4.H1): the
// tool-use loop that drives an LLM through multi-step tool calls, with
// context compaction and credential rotation.
//
// Grounded on the teacher's internal/agent/{loop.go,runtime.go,executor.go,
// tool_exec.go,options.go,compaction.go,event_sink.go}: it keeps the
// teacher's append → build request → iterate → tool dispatch → continue
// shape, but each tool call now passes through the Access Policy Engine and
// the Quota Manager before the Sandbox Driver ever sees it, and credential
// acquisition/rotation is delegated to the Credential Pool instead of the
// teacher's in-process FailoverOrchestrator circuit breaker.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/credential"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/conclave-run/conclave/internal/llmport"
	"github.com/conclave-run/conclave/internal/policy/access"
	"github.com/conclave-run/conclave/internal/policy/toolpolicy"
	"github.com/conclave-run/conclave/internal/quota"
	"github.com/conclave-run/conclave/internal/sandbox"
	"github.com/conclave-run/conclave/internal/sessions"
)

// DefaultMaxIterations is the default cap on tool-use iterations per run,
// matching spec §4.H1's step 4 default.
const DefaultMaxIterations = 25

// RunStatus is the terminal outcome of a Run call.
type RunStatus string

const (
	StatusCompleted      RunStatus = "completed"
	StatusIterationLimit RunStatus = "iteration_limit"
	StatusCancelled      RunStatus = "cancelled"
)

// Config tunes loop behavior. Zero value is replaced with defaults.
type Config struct {
	MaxIterations int
	MaxWallTime   time.Duration
}

func sanitizeConfig(c Config) Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	return c
}

// PolicySource supplies the policies an Access Policy Engine evaluates
// against for a tenant. *store.Store satisfies this.
type PolicySource interface {
	ForTenant(ctx context.Context, tenantID string) []core.Policy
}

// CallerContext is the caller-identity portion of the per-tool-call
// EvaluationContext; the resource/action/time are filled in per call.
type CallerContext struct {
	Principal       string
	PrincipalRoles  []string
	PrincipalGroups []string
	IP              string
	Environment     map[string]any
}

// RunRequest is a single invocation of the loop against one session.
type RunRequest struct {
	SessionID      string
	TenantID       string
	Provider       string // credential pool / llmport provider name
	Model          string
	System         string
	NewUserMessage *core.Message // nil when resuming without new input
	Tools          toolpolicy.FilterContext
	Caller         CallerContext
}

// RunResult is the outcome of a Run call.
type RunResult struct {
	Status           RunStatus
	Iterations       int
	AssistantMessage *core.Message
}

// Runtime is the Agent Runtime: one instance is shared across every
// session, holding no per-run state between calls.
type Runtime struct {
	providers   map[string]llmport.Provider
	credentials *credential.Pool
	quota       *quota.Manager
	sessions    *sessions.Manager
	tools       ToolRegistrySource
	toolPolicy  *toolpolicy.Engine
	access      *access.Engine
	policies    PolicySource
	sandboxRtr  *sandbox.Router
	bus         *eventbus.Bus
	config      Config
	now         func() time.Time
}

// ToolRegistrySource is the subset of the Tool Registry the runtime needs
// to build a request's tool descriptors and dispatch a call by name.
type ToolRegistrySource interface {
	Lookup(name string) (core.ToolDescriptor, bool)
	DescribeAll() []core.ToolDescriptor
}

// New creates an Agent Runtime. now defaults to time.Now.
func New(
	providers map[string]llmport.Provider,
	credentials *credential.Pool,
	quotaMgr *quota.Manager,
	sessionMgr *sessions.Manager,
	tools ToolRegistrySource,
	toolPolicy *toolpolicy.Engine,
	accessEngine *access.Engine,
	policies PolicySource,
	sandboxRtr *sandbox.Router,
	bus *eventbus.Bus,
	config Config,
	now func() time.Time,
) *Runtime {
	if now == nil {
		now = time.Now
	}
	return &Runtime{
		providers:   providers,
		credentials: credentials,
		quota:       quotaMgr,
		sessions:    sessionMgr,
		tools:       tools,
		toolPolicy:  toolPolicy,
		access:      accessEngine,
		policies:    policies,
		sandboxRtr:  sandboxRtr,
		bus:         bus,
		config:      sanitizeConfig(config),
		now:         now,
	}
}

var (
	// ErrNoProvider is returned when req.Provider names a provider the
	// Runtime was not configured with.
	ErrNoProvider = errors.New("agent: no provider configured for name")
)

// Run executes the loop against a session per spec §4.H1.
func (r *Runtime) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	provider, ok := r.providers[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, req.Provider)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.config.MaxWallTime)
		defer cancel()
	}

	// 1. Append the user message, if any. PostMessage triggers compaction
	// on our behalf, so step 2 always reads an already-compacted history.
	if req.NewUserMessage != nil {
		if err := r.sessions.PostMessage(runCtx, req.SessionID, req.NewUserMessage); err != nil {
			return nil, fmt.Errorf("agent: append user message: %w", err)
		}
	}

	allowedTools := r.toolPolicy.Resolve(req.Tools)

	cred, err := r.credentials.Acquire(req.Provider)
	if err != nil {
		return nil, fmt.Errorf("agent: acquire credential: %w", err)
	}

	if err := r.quota.Check(runCtx, req.TenantID, core.QuotaTokensPerDay, 0); err != nil {
		return nil, fmt.Errorf("agent: quota check: %w", err)
	}

	result := &RunResult{}
	retriedTransient := false

	for result.Iterations < r.config.MaxIterations {
		select {
		case <-runCtx.Done():
			return r.cancel(runCtx, req, result)
		default:
		}

		history, err := r.sessions.Store().GetHistory(runCtx, req.SessionID, 0)
		if err != nil {
			return nil, fmt.Errorf("agent: load history: %w", err)
		}

		completionReq := buildCompletionRequest(req, history, allowedTools, r.tools)

		assistant, toolCalls, streamErr := r.stream(runCtx, req.SessionID, provider, completionReq)
		if streamErr != nil {
			classified := llmport.Classify(provider.Name(), streamErr)
			r.credentials.ReportFailure(cred.ID)

			if classified.Kind == llmport.Transient && !retriedTransient {
				retriedTransient = true
				next, acqErr := r.credentials.Acquire(req.Provider)
				if acqErr != nil {
					return nil, fmt.Errorf("agent: retry acquire credential: %w", acqErr)
				}
				cred = next
				continue
			}
			if retriedTransient {
				// The one retry spec §4.H1 allows has already been spent;
				// surface a uniform failure rather than whatever this
				// second error happened to classify as.
				return nil, &llmport.Error{Kind: llmport.ProviderUnavailable, Provider: provider.Name(), Cause: streamErr}
			}
			return nil, classified
		}

		result.Iterations++

		if len(toolCalls) == 0 {
			msg := &core.Message{
				Role:    core.RoleAssistant,
				Content: assistant,
			}
			if err := r.sessions.PostMessage(runCtx, req.SessionID, msg); err != nil {
				return nil, fmt.Errorf("agent: append assistant message: %w", err)
			}
			r.credentials.ReportSuccess(cred.ID)
			result.Status = StatusCompleted
			result.AssistantMessage = msg
			r.publish(core.Event{
				Type:       core.EventSessionMessage,
				SessionKey: req.SessionID,
				Time:       r.now(),
				Payload:    msg,
			})
			return result, nil
		}

		assistantMsg := &core.Message{
			Role:    core.RoleAssistant,
			Content: assistant,
		}
		if err := r.sessions.PostMessage(runCtx, req.SessionID, assistantMsg); err != nil {
			return nil, fmt.Errorf("agent: append assistant tool-call message: %w", err)
		}

		for _, call := range toolCalls {
			select {
			case <-runCtx.Done():
				return r.cancel(runCtx, req, result)
			default:
			}
			toolResult := r.dispatchTool(runCtx, req, call, allowedTools)
			resultMsg := &core.Message{
				Role:       core.RoleToolResult,
				Content:    toolResult.Content,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			}
			if err := r.sessions.PostMessage(runCtx, req.SessionID, resultMsg); err != nil {
				return nil, fmt.Errorf("agent: append tool result: %w", err)
			}
		}
	}

	termination := &core.Message{
		Role:    core.RoleSystem,
		Content: "iteration limit reached; stopping without a final answer",
	}
	_ = r.sessions.PostMessage(runCtx, req.SessionID, termination)
	result.Status = StatusIterationLimit
	return result, nil
}

// cancel implements the cooperative-cancellation contract: the currently
// in-flight tool (if any) has already completed by the time we reach here,
// since dispatchTool is not interrupted mid-call; we only append the
// cancellation note and return.
func (r *Runtime) cancel(ctx context.Context, req RunRequest, result *RunResult) (*RunResult, error) {
	note := &core.Message{
		Role:    core.RoleSystem,
		Content: "run cancelled",
	}
	_ = r.sessions.PostMessage(context.Background(), req.SessionID, note)
	result.Status = StatusCancelled
	return result, nil
}

// stream drains a provider's completion channel into a final assistant
// text and any requested tool calls, publishing stream-token events as it
// goes.
func (r *Runtime) stream(ctx context.Context, sessionKey string, provider llmport.Provider, req llmport.CompletionRequest) (string, []llmport.ToolCall, error) {
	ch, err := provider.Complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	var text string
	var calls []llmport.ToolCall
	for chunk := range ch {
		if chunk.Err != nil {
			return "", nil, chunk.Err
		}
		if chunk.TextDelta != "" {
			text += chunk.TextDelta
			r.publish(core.Event{
				Type:       core.EventSessionStreamTok,
				SessionKey: sessionKey,
				Time:       r.now(),
				Payload:    chunk.TextDelta,
			})
		}
		if len(chunk.ToolCalls) > 0 {
			calls = append(calls, chunk.ToolCalls...)
		}
		if chunk.Done {
			break
		}
	}
	return text, calls, nil
}

func (r *Runtime) publish(e core.Event) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(e)
}

// dispatchTool evaluates access policy and quota for a single tool call and,
// if permitted, runs it through the Sandbox Driver. A denial becomes a
// refusal tool_result rather than an error, per spec §4.H1 step 4c.
func (r *Runtime) dispatchTool(ctx context.Context, req RunRequest, call llmport.ToolCall, allowed map[string]struct{}) core.ToolResult {
	desc, ok := r.tools.Lookup(call.Name)
	if !ok {
		return core.ToolResult{Content: fmt.Sprintf("tool not found: %s", call.Name), IsError: true}
	}
	if _, ok := allowed[call.Name]; !ok {
		return core.ToolResult{Content: fmt.Sprintf("tool %q is not permitted for this call", call.Name), IsError: true}
	}

	ec := core.EvaluationContext{
		Principal:       req.Caller.Principal,
		Resource:        "tool:" + call.Name,
		Action:          "invoke",
		TenantID:        req.TenantID,
		PrincipalRoles:  req.Caller.PrincipalRoles,
		PrincipalGroups: req.Caller.PrincipalGroups,
		IP:              req.Caller.IP,
		Environment:     req.Caller.Environment,
		RequestTime:     r.now(),
	}
	policies := r.policies.ForTenant(ctx, req.TenantID)
	decision := r.access.Evaluate(ec, policies)
	r.publish(core.Event{Type: core.EventPolicyDecision, SessionKey: req.SessionID, Time: r.now(), Payload: decision})
	if !decision.Allowed() {
		return core.ToolResult{Content: fmt.Sprintf("denied: %s", decision.Reason), IsError: true}
	}

	if err := r.quota.Check(ctx, req.TenantID, core.QuotaTools, 1); err != nil {
		r.publish(core.Event{Type: core.EventQuotaExceeded, SessionKey: req.SessionID, Time: r.now(), Payload: call.Name})
		return core.ToolResult{Content: "tool call denied: quota exceeded", IsError: true}
	}
	_ = r.quota.RecordUsage(ctx, req.TenantID, core.QuotaTools, 1)

	sandboxResult, err := r.sandboxRtr.Execute(ctx, sandbox.Request{
		Descriptor: desc,
		Input:      call.Input,
	})
	if err != nil {
		return core.ToolResult{Content: err.Error(), IsError: true}
	}
	return sandboxResult.Output
}

func buildCompletionRequest(req RunRequest, history []*core.Message, allowed map[string]struct{}, tools ToolRegistrySource) llmport.CompletionRequest {
	messages := make([]llmport.CompletionMessage, 0, len(history))
	for _, m := range history {
		if m.Superseded {
			continue
		}
		messages = append(messages, llmport.CompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}

	var specs []llmport.ToolSpec
	for _, d := range tools.DescribeAll() {
		if _, ok := allowed[d.Name]; !ok {
			continue
		}
		specs = append(specs, llmport.ToolSpec{Name: d.Name, InputSchema: d.InputSchema})
	}

	return llmport.CompletionRequest{
		Model:    req.Model,
		System:   req.System,
		Messages: messages,
		Tools:    specs,
	}
}
