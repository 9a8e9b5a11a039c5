package gateway

import (
	"context"
	"time"

	"github.com/conclave-run/conclave/internal/agent"
	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/policy/store"
	"github.com/conclave-run/conclave/internal/policy/toolpolicy"
	"github.com/conclave-run/conclave/internal/scheduler"
	"github.com/conclave-run/conclave/internal/sessions"
	"github.com/conclave-run/conclave/internal/tenant"
)

// Deps bundles the components the default method set dispatches to.
// Each field is independently optional (nil); a handler that needs a
// missing dependency returns INTERNAL_ERROR rather than panicking.
type Deps struct {
	Sessions  *sessions.Manager
	Runtime   *agent.Runtime
	Tools     agent.ToolRegistrySource
	Tenants   *tenant.Store
	Scheduler *scheduler.Scheduler
	Policies  *store.Store
	Now       func() time.Time
	StartedAt time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// RegisterDefaultMethods wires the minimum RPC method set spec §4.T
// requires (sessions.*, agents.*, jobs.*, tenants.*, policies.*,
// tools.list) into reg, grounded on the teacher's wsControlPlane
// handleRequest switch (handleChatSend/handleChatHistory/handleHealth)
// generalized into one handler per method instead of one switch
// statement per connection.
func RegisterDefaultMethods(reg *MethodRegistry, deps Deps) {
	reg.Register("sessions.list", handleSessionsList(deps))
	reg.Register("sessions.history", handleSessionsHistory(deps))
	reg.Register("sessions.post_message", handleSessionsPostMessage(deps))
	reg.Register("agents.list", handleAgentsList(deps))
	reg.Register("jobs.list", handleJobsList(deps))
	reg.Register("jobs.add", handleJobsAdd(deps))
	reg.Register("jobs.remove", handleJobsRemove(deps))
	reg.Register("tenants.list", handleTenantsList(deps))
	reg.Register("tenants.get", handleTenantsGet(deps))
	reg.Register("policies.list", handlePoliciesList(deps))
	reg.Register("policies.put", handlePoliciesPut(deps))
	reg.Register("policies.delete", handlePoliciesDelete(deps))
	reg.Register("tools.list", handleToolsList(deps))
	reg.Register("health", handleHealth(deps))
	reg.Register("ping", handlePing(deps))
}

// handleHealth reports liveness and uptime, grounded on the teacher's
// wsSession.buildHealthSnapshot.
func handleHealth(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		uptime := time.Duration(0)
		if !deps.StartedAt.IsZero() {
			uptime = deps.now().Sub(deps.StartedAt)
		}
		return map[string]any{
			"status":    "ok",
			"uptime_ms": uptime.Milliseconds(),
			"protocol":  conn.Protocol(),
		}, nil
	}
}

// handlePing answers with the server's current time, grounded on the
// teacher's wsSession "ping" case in handleRequest.
func handlePing(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		return map[string]any{"timestamp": deps.now().UnixMilli()}, nil
	}
}

type sessionsListParams struct {
	Status string `json:"status,omitempty"`
}

func handleSessionsList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Sessions == nil {
			return nil, newError(ErrInternal, "session store unavailable")
		}
		var p sessionsListParams
		if len(params) > 0 {
			if err := decodeParams(params, &p); err != nil {
				return nil, err
			}
		}
		opts := sessions.ListOptions{}
		if p.Status != "" {
			opts.Status = core.SessionStatus(p.Status)
		}
		list, err := deps.Sessions.Store().List(ctx, opts)
		if err != nil {
			return nil, newError(ErrInternal, "list sessions: %s", err)
		}
		return map[string]any{"sessions": list}, nil
	}
}

type sessionsHistoryParams struct {
	SessionID string `json:"session_id"`
	Limit     int    `json:"limit,omitempty"`
}

func handleSessionsHistory(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Sessions == nil {
			return nil, newError(ErrInternal, "session store unavailable")
		}
		var p sessionsHistoryParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, newError(ErrInvalidRequest, "session_id is required")
		}
		history, err := deps.Sessions.Store().GetHistory(ctx, p.SessionID, p.Limit)
		if err != nil {
			return nil, newError(ErrInternal, "get history: %s", err)
		}
		return map[string]any{"messages": history}, nil
	}
}

type sessionsPostMessageParams struct {
	SessionKey     string `json:"session_key"`
	TenantID       string `json:"tenant_id,omitempty"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	Text           string `json:"text"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// handleSessionsPostMessage implements end-to-end scenario 1 of spec
// §8: it resolves (or creates) the session for session_key, runs the
// Agent Runtime against the posted text, and replies once the turn
// completes (or fails) — a synchronous, not long-running, handler.
//
// A repeated idempotency_key on the same connection is answered with
// {"status":"duplicate"} instead of running the turn again, grounded on
// the teacher's wsSession.isIdempotencyDuplicate.
func handleSessionsPostMessage(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		var p sessionsPostMessageParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if p.SessionKey == "" || p.Text == "" {
			return nil, newError(ErrInvalidRequest, "session_key and text are required")
		}
		if p.IdempotencyKey != "" && conn.IsIdempotencyDuplicate(p.IdempotencyKey) {
			return map[string]any{"status": "duplicate"}, nil
		}

		tenantID := p.TenantID
		if tenantID == "" {
			tenantID = conn.Identity().TenantID
		}

		result, err := postMessage(ctx, deps, postMessageRequest{
			sessionKey:      p.SessionKey,
			tenantID:        tenantID,
			provider:        p.Provider,
			model:           p.Model,
			text:            p.Text,
			principal:       conn.Identity().Principal,
			principalRoles:  conn.Identity().Roles,
			principalGroups: conn.Identity().Groups,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"status": result.status, "message_seq": result.seq}, nil
	}
}

// postMessageRequest is the channel-agnostic shape both the
// sessions.post_message RPC handler and the Channel Ports' RequestSink
// (internal/channels.RequestSink, wired in sink.go) resolve before
// running the Agent Runtime -- spec §4.X requires both paths behave
// identically once a message has been addressed to a session_key.
type postMessageRequest struct {
	sessionKey      string
	tenantID        string
	provider        string
	model           string
	text            string
	principal       string
	principalRoles  []string
	principalGroups []string
}

type postMessageOutcome struct {
	seq    int64
	status agent.RunStatus
}

// restrictedSubagentDeny is the tool set layer 9 (LayerSubagent) strips
// from every subagent session, regardless of whatever profile or allow
// list an earlier layer granted -- spec §4.M4 requires a spawned subagent
// never inherit its parent's full tool access.
var restrictedSubagentDeny = []string{"group:messaging", "group:runtime"}

func postMessage(ctx context.Context, deps Deps, req postMessageRequest) (postMessageOutcome, *Error) {
	if deps.Sessions == nil || deps.Runtime == nil {
		return postMessageOutcome{}, newError(ErrInternal, "agent runtime unavailable")
	}

	sess, err := deps.Sessions.Store().GetOrCreate(ctx, req.sessionKey, core.Session{
		Type:           core.SessionMain,
		TenantID:       req.tenantID,
		OwnerPrincipal: req.principal,
		Status:         core.SessionActive,
	})
	if err != nil {
		return postMessageOutcome{}, newError(ErrInternal, "resolve session: %s", err)
	}

	tools := buildFilterContext(ctx, deps, sess, req)

	result, err := deps.Runtime.Run(ctx, agent.RunRequest{
		SessionID: sess.ID,
		TenantID:  req.tenantID,
		Provider:  req.provider,
		Model:     req.model,
		NewUserMessage: &core.Message{
			SessionID: sess.ID,
			Role:      core.RoleUser,
			Content:   req.text,
			CreatedAt: deps.now(),
		},
		Tools: tools,
		Caller: agent.CallerContext{
			Principal:       req.principal,
			PrincipalRoles:  req.principalRoles,
			PrincipalGroups: req.principalGroups,
		},
	})
	if err != nil {
		return postMessageOutcome{}, classifyRunError(err)
	}

	var seq int64
	if result.AssistantMessage != nil {
		seq = result.AssistantMessage.Seq
	}
	return postMessageOutcome{seq: seq, status: result.Status}, nil
}

// buildFilterContext resolves the nine-layer FilterContext a turn runs
// under: layer 1 from the session's type (a subagent never gets the full
// profile a top-level session does), layer 3 from the tenant's
// tenant-wide allow list and per-provider overlays, and layer 9's
// restricted subagent deny for any session of type core.SessionSubagent.
func buildFilterContext(ctx context.Context, deps Deps, sess *core.Session, req postMessageRequest) toolpolicy.FilterContext {
	tools := toolpolicy.FilterContext{Provider: req.provider}

	profile := core.ProfileFull
	if sess.Type == core.SessionSubagent {
		profile = core.ProfileCoding
	}
	tools.SetLayer(toolpolicy.LayerProfile, core.ToolPolicyLayer{Profile: profile})

	if deps.Tenants != nil {
		if t, err := deps.Tenants.Get(ctx, req.tenantID); err == nil {
			tools.SetLayer(toolpolicy.LayerGlobal, core.ToolPolicyLayer{
				Allow:      t.Config.AllowedTools,
				ByProvider: t.Config.ToolPolicyByProvider,
			})
		}
	}

	if sess.Type == core.SessionSubagent {
		tools.SetLayer(toolpolicy.LayerSubagent, core.ToolPolicyLayer{Deny: restrictedSubagentDeny})
	}

	return tools
}

func classifyRunError(err error) *Error {
	if err == nil {
		return nil
	}
	switch err {
	case agent.ErrNoProvider:
		return newError(ErrInvalidRequest, "%s", err)
	default:
		return newError(ErrInternal, "%s", err)
	}
}

func handleAgentsList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Tenants == nil {
			return map[string]any{"agents": []string{}}, nil
		}
		return map[string]any{"agents": deps.Tenants.List(ctx)}, nil
	}
}

func handleJobsList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Scheduler == nil {
			return nil, newError(ErrInternal, "scheduler unavailable")
		}
		return map[string]any{"jobs": deps.Scheduler.Jobs()}, nil
	}
}

func handleJobsAdd(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Scheduler == nil {
			return nil, newError(ErrInternal, "scheduler unavailable")
		}
		var job core.Job
		if err := decodeParams(params, &job); err != nil {
			return nil, err
		}
		if err := deps.Scheduler.AddJob(job); err != nil {
			return nil, newError(ErrInvalidRequest, "%s", err)
		}
		return map[string]any{"ok": true}, nil
	}
}

type jobsRemoveParams struct {
	ID string `json:"id"`
}

func handleJobsRemove(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Scheduler == nil {
			return nil, newError(ErrInternal, "scheduler unavailable")
		}
		var p jobsRemoveParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		deps.Scheduler.RemoveJob(p.ID)
		return map[string]any{"ok": true}, nil
	}
}

func handleTenantsList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Tenants == nil {
			return nil, newError(ErrInternal, "tenant store unavailable")
		}
		return map[string]any{"tenants": deps.Tenants.List(ctx)}, nil
	}
}

type tenantsGetParams struct {
	ID string `json:"id"`
}

func handleTenantsGet(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Tenants == nil {
			return nil, newError(ErrInternal, "tenant store unavailable")
		}
		var p tenantsGetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		t, err := deps.Tenants.Get(ctx, p.ID)
		if err != nil {
			return nil, newError(ErrInvalidRequest, "%s", err)
		}
		return t, nil
	}
}

func handlePoliciesList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Policies == nil {
			return nil, newError(ErrInternal, "policy store unavailable")
		}
		return map[string]any{"policies": deps.Policies.All(ctx)}, nil
	}
}

func handlePoliciesPut(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Policies == nil {
			return nil, newError(ErrInternal, "policy store unavailable")
		}
		var p core.Policy
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := deps.Policies.Put(ctx, p); err != nil {
			return nil, newError(ErrInvalidRequest, "%s", err)
		}
		return map[string]any{"ok": true}, nil
	}
}

type policiesDeleteParams struct {
	ID string `json:"id"`
}

func handlePoliciesDelete(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Policies == nil {
			return nil, newError(ErrInternal, "policy store unavailable")
		}
		var p policiesDeleteParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := deps.Policies.Delete(ctx, p.ID); err != nil {
			return nil, newError(ErrInvalidRequest, "%s", err)
		}
		return map[string]any{"ok": true}, nil
	}
}

func handleToolsList(deps Deps) Handler {
	return func(ctx context.Context, conn *Conn, params []byte, _ string) (any, *Error) {
		if deps.Tools == nil {
			return map[string]any{"tools": []core.ToolDescriptor{}}, nil
		}
		return map[string]any{"tools": deps.Tools.DescribeAll()}, nil
	}
}
