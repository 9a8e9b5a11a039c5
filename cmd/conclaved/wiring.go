package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/conclave-run/conclave/internal/agent"
	"github.com/conclave-run/conclave/internal/auditlog"
	"github.com/conclave-run/conclave/internal/channels"
	"github.com/conclave-run/conclave/internal/channels/discord"
	"github.com/conclave-run/conclave/internal/channels/slack"
	"github.com/conclave-run/conclave/internal/channels/telegram"
	"github.com/conclave-run/conclave/internal/channels/whatsapp"
	"github.com/conclave-run/conclave/internal/config"
	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/credential"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/conclave-run/conclave/internal/gateway"
	"github.com/conclave-run/conclave/internal/llmport"
	"github.com/conclave-run/conclave/internal/observability"
	"github.com/conclave-run/conclave/internal/policy/access"
	policystore "github.com/conclave-run/conclave/internal/policy/store"
	"github.com/conclave-run/conclave/internal/policy/toolpolicy"
	"github.com/conclave-run/conclave/internal/quota"
	"github.com/conclave-run/conclave/internal/registry"
	"github.com/conclave-run/conclave/internal/sandbox"
	"github.com/conclave-run/conclave/internal/scheduler"
	"github.com/conclave-run/conclave/internal/sessions"
	"github.com/conclave-run/conclave/internal/storage"
	"github.com/conclave-run/conclave/internal/tenant"
)

// app bundles every long-lived component buildApp wires together, so
// runServe can start and stop them as one unit.
type app struct {
	cfg config.Config
	log *slog.Logger

	auditLogger *auditlog.Logger
	bus         *eventbus.Bus
	tenants     *tenant.Store
	sessionMgr  *sessions.Manager
	scheduler   *scheduler.Scheduler
	gateway     *gateway.Server
	channelReg  *channels.Registry
	dispatcher  *channels.Dispatcher
	routes      *channels.RouteTable

	inbound []channels.InboundTransport
	sink    gateway.ChannelSink

	metrics        *observability.Metrics
	tracer         *observability.Tracer
	tracerShutdown func(context.Context) error
}

// schedulerDispatcher satisfies scheduler.Dispatcher by routing a due
// job's payload back through the Session Manager (system_event) or the
// Agent Runtime (agent_turn), mirroring the teacher's cron job executor
// (internal/scheduler/executor.go) generalized from a single job kind to
// core.PayloadSystemEvent/core.PayloadAgentTurn.
type schedulerDispatcher struct {
	runtime     *agent.Runtime
	sessions    *sessions.Manager
	defaultProv string
	bus         *eventbus.Bus
	tracer      *observability.Tracer
}

func (d *schedulerDispatcher) resolveSession(ctx context.Context, job core.Job) (*core.Session, error) {
	sess, err := d.sessions.Store().GetByKey(ctx, job.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("conclaved: job %s resolve session %q: %w", job.ID, job.SessionKey, err)
	}
	return sess, nil
}

func (d *schedulerDispatcher) DispatchSystemEvent(ctx context.Context, job core.Job) error {
	sess, err := d.resolveSession(ctx, job)
	if err != nil {
		return err
	}
	return d.sessions.PostMessage(ctx, sess.ID, &core.Message{
		SessionID: sess.ID,
		Role:      core.RoleSystem,
		Content:   job.Payload.Text,
	})
}

func (d *schedulerDispatcher) DispatchAgentTurn(ctx context.Context, job core.Job) error {
	if d.runtime == nil {
		return fmt.Errorf("conclaved: job %s needs an agent turn but no runtime is configured", job.ID)
	}
	sess, err := d.resolveSession(ctx, job)
	if err != nil {
		return err
	}
	model := job.Payload.Model

	ctx, span := d.tracer.TraceAgentRun(ctx, sess.ID, d.defaultProv, model)
	defer span.End()

	userMsg := &core.Message{SessionID: sess.ID, Role: core.RoleUser, Content: job.Payload.Prompt}
	_, err = d.runtime.Run(ctx, agent.RunRequest{
		SessionID:      sess.ID,
		TenantID:       sess.TenantID,
		Provider:       d.defaultProv,
		Model:          model,
		NewUserMessage: userMsg,
	})
	d.tracer.RecordError(span, err)
	return err
}

// staticRoles is an access.RoleResolver that resolves no roles or groups
// for any principal, since this build has no identity provider of its
// own -- roles/groups for a principal are whatever the gateway auth
// layer or channel adapter already populated on the EvaluationContext.
type staticRoles struct{}

func (staticRoles) RolesFor(principal string) []string  { return nil }
func (staticRoles) GroupsFor(principal string) []string { return nil }

// truncatingSummarizer is the Session Compactor's default Summarizer: it
// keeps the first N characters of the joined transcript rather than
// calling back out to an LLM, so compaction never depends on credential
// or network availability. A provider-backed Summarizer can replace it
// once an agent Runtime is available to call through.
type truncatingSummarizer struct {
	maxChars int
}

func (s truncatingSummarizer) Summarize(ctx context.Context, messages []*core.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	text := b.String()
	limit := s.maxChars
	if limit <= 0 {
		limit = 2000
	}
	if len(text) > limit {
		text = text[:limit]
	}
	return "[compacted] " + text, nil
}

// buildApp constructs every component named in cfg but does not start
// any of them; callers decide what to run (serve starts everything,
// status only inspects construction).
func buildApp(ctx context.Context, cfg config.Config, log *slog.Logger) (*app, error) {
	if log == nil {
		log = slog.Default()
	}

	auditCfg := auditlog.DefaultConfig()
	auditCfg.Level = auditlog.Level(cfg.Logging.Level)
	if cfg.Logging.Format == "text" {
		auditCfg.Format = auditlog.FormatText
	}
	auditLogger, err := auditlog.New(auditCfg)
	if err != nil {
		return nil, fmt.Errorf("conclaved: build audit logger: %w", err)
	}

	fileOpener, err := storage.NewFileOpener(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("conclaved: open storage root %q: %w", cfg.DataRoot, err)
	}

	tenants, err := tenant.NewPersistent(ctx, fileOpener)
	if err != nil {
		return nil, fmt.Errorf("conclaved: build tenant store: %w", err)
	}

	sessionStore, err := sessions.NewFileStore(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("conclaved: build session store: %w", err)
	}
	compactor := sessions.NewCompactor(
		sessions.CompactionConfig{MaxMessages: cfg.CompactionSoftTokenLimit, TailKeep: cfg.CompactionTailKeep},
		sessionStore,
		truncatingSummarizer{},
	)
	sessionMgr := sessions.NewManager(sessionStore, compactor, time.Now)

	bus := eventbus.New()

	toolRegistry := registry.New(log)
	toolPolicy := toolpolicy.New(toolRegistry)

	policies := policystore.New(cfg.PolicyCacheMax, time.Duration(cfg.PolicyCacheTTLS)*time.Second)

	accessEngine := access.New(staticRoles{}, access.NewInheritanceManager(), auditLogger.AsAccessAuditFunc())

	quotaMgr := quota.New(tenants, time.Now)

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{ServiceName: "conclaved"})

	credPool := credential.NewPool(time.Now)
	loadCredentialsFromEnv(credPool)

	providers, err := buildProviders(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var containedDriver sandbox.Driver
	if cfg.SandboxEnabled {
		containedDriver = sandbox.NewContainedDriver()
	}
	sandboxRtr := sandbox.NewRouter(sandbox.NewDirectDriver(), containedDriver)

	runtime := agent.New(
		providers,
		credPool,
		quotaMgr,
		sessionMgr,
		toolRegistry,
		toolPolicy,
		accessEngine,
		policies,
		sandboxRtr,
		bus,
		agent.Config{},
		time.Now,
	)

	sched := scheduler.New(&schedulerDispatcher{runtime: runtime, sessions: sessionMgr, defaultProv: cfg.DefaultLLMProvider, bus: bus, tracer: tracer}, bus, time.Now)

	methodRegistry := gateway.NewMethodRegistry()
	deps := gateway.Deps{
		Sessions:  sessionMgr,
		Runtime:   runtime,
		Tools:     toolRegistry,
		Tenants:   tenants,
		Scheduler: sched,
		Policies:  policies,
		Now:       time.Now,
		StartedAt: time.Now(),
	}
	gateway.RegisterDefaultMethods(methodRegistry, deps)
	gwServer := gateway.NewServer(methodRegistry, bus, buildAuthFunc(log), log)

	channelReg := channels.NewRegistry()
	routes := channels.NewRouteTable()
	inbound := buildChannelAdapters(ctx, channelReg, routes, log)
	for _, t := range inbound {
		channelReg.RegisterInbound(t)
	}

	dispatcher := channels.NewDispatcher(channelReg, routes, bus, log)

	metrics := observability.NewMetrics()

	return &app{
		cfg:         cfg,
		log:         log,
		auditLogger: auditLogger,
		bus:         bus,
		tenants:     tenants,
		sessionMgr:  sessionMgr,
		scheduler:   sched,
		gateway:     gwServer,
		channelReg:  channelReg,
		dispatcher:  dispatcher,
		routes:      routes,
		inbound:     inbound,
		sink:        gateway.ChannelSink{Deps: deps},
		metrics:     metrics,

		tracer:         tracer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Start brings up every inbound channel adapter, the outbound dispatcher,
// and the scheduler's tick loop. It does not start the HTTP listener;
// runServe owns that since it needs the *http.Server for graceful
// shutdown.
func (a *app) Start(ctx context.Context) error {
	for _, t := range a.inbound {
		if err := t.Start(ctx, a.sink); err != nil {
			return fmt.Errorf("conclaved: start %s adapter: %w", t.Kind(), err)
		}
	}
	go a.dispatcher.Run(ctx)
	go a.metrics.Observe(ctx, a.bus)
	a.scheduler.Start(ctx)
	return nil
}

// Stop tears down every component Start brought up. The scheduler and
// dispatcher are not stopped here: both exit on the context Start was
// given, which runServe cancels before calling Stop.
func (a *app) Stop(ctx context.Context) error {
	for _, t := range a.inbound {
		if err := t.Stop(ctx); err != nil {
			a.log.Warn("conclaved: adapter stop failed", "channel", t.Kind(), "error", err)
		}
	}
	a.scheduler.Wait()
	if err := a.tracerShutdown(ctx); err != nil {
		a.log.Warn("conclaved: tracer shutdown failed", "error", err)
	}
	return a.auditLogger.Close()
}

// buildAuthFunc wires the gateway's connection auth hook to a JWT
// verifier keyed by CONCLAVE_JWT_SECRET. With no secret configured the
// gateway falls back to its own nil-AuthFunc behavior (every connection
// is anonymous), which is fine for local development but logged loudly
// so it isn't mistaken for a deliberate choice in a real deployment.
func buildAuthFunc(log *slog.Logger) gateway.AuthFunc {
	secret := os.Getenv("CONCLAVE_JWT_SECRET")
	if secret == "" {
		log.Warn("conclaved: CONCLAVE_JWT_SECRET not set, gateway connections will be treated as anonymous")
		return nil
	}
	return gateway.NewJWTAuthFunc(secret)
}

// buildProviders constructs an llmport.Provider for every LLM backend
// whose credentials are present in the environment. A deployment missing
// every credential still builds successfully; agent.Runtime reports
// ErrNoProvider per-request rather than refusing to start.
func buildProviders(ctx context.Context, cfg config.Config) (map[string]llmport.Provider, error) {
	providers := make(map[string]llmport.Provider)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p, err := llmport.NewAnthropicProvider(llmport.AnthropicConfig{
			APIKey:       key,
			BaseURL:      os.Getenv("ANTHROPIC_BASE_URL"),
			DefaultModel: cfg.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("conclaved: build anthropic provider: %w", err)
		}
		providers[p.Name()] = p
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p, err := llmport.NewOpenAIProvider(llmport.OpenAIConfig{
			APIKey:  key,
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
		})
		if err != nil {
			return nil, fmt.Errorf("conclaved: build openai provider: %w", err)
		}
		providers[p.Name()] = p
	}

	if region := os.Getenv("AWS_REGION"); region != "" || os.Getenv("AWS_ACCESS_KEY_ID") != "" {
		p, err := llmport.NewBedrockProvider(ctx, llmport.BedrockConfig{
			Region:          region,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
		if err != nil {
			return nil, fmt.Errorf("conclaved: build bedrock provider: %w", err)
		}
		providers[p.Name()] = p
	}

	return providers, nil
}

// loadCredentialsFromEnv registers one pool credential per provider whose
// API key is present, priority 0 (the pool's only tier for an
// env-sourced deployment; operators wanting multiple rotating keys per
// provider add them through a future credentials.* RPC method instead).
func loadCredentialsFromEnv(pool *credential.Pool) {
	add := func(provider, key string) {
		if key == "" {
			return
		}
		pool.Add(core.Credential{
			ID:       provider + "-env",
			Provider: provider,
			Secret:   []byte(key),
			Priority: 0,
		})
	}
	add("anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	add("openai", os.Getenv("OPENAI_API_KEY"))
	add("bedrock", os.Getenv("AWS_ACCESS_KEY_ID"))
}

// buildChannelAdapters constructs one inbound transport per platform
// whose token is present in the environment, following the same
// opt-in-by-credential-presence rule as buildProviders.
func buildChannelAdapters(ctx context.Context, reg *channels.Registry, routes *channels.RouteTable, log *slog.Logger) []channels.InboundTransport {
	agentID := os.Getenv("CONCLAVE_AGENT_ID")
	if agentID == "" {
		agentID = "default"
	}
	var inbound []channels.InboundTransport

	if token := os.Getenv("DISCORD_BOT_TOKEN"); token != "" {
		a, err := discord.NewAdapter(discord.Config{
			Token:          token,
			AgentID:        agentID,
			RateLimit:      5,
			RateBurst:      10,
			RequireMention: true,
			Logger:         log,
		}, routes)
		if err != nil {
			log.Warn("conclaved: skipping discord adapter", "error", err)
		} else {
			inbound = append(inbound, a)
			reg.RegisterOutbound(a)
		}
	}

	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		a, err := telegram.NewAdapter(telegram.Config{
			Token:     token,
			AgentID:   agentID,
			RateLimit: 5,
			RateBurst: 10,
			Logger:    log,
		}, routes)
		if err != nil {
			log.Warn("conclaved: skipping telegram adapter", "error", err)
		} else {
			inbound = append(inbound, a)
			reg.RegisterOutbound(a)
		}
	}

	if botToken, appToken := os.Getenv("SLACK_BOT_TOKEN"), os.Getenv("SLACK_APP_TOKEN"); botToken != "" && appToken != "" {
		a, err := slack.NewAdapter(slack.Config{
			BotToken:  botToken,
			AppToken:  appToken,
			AgentID:   agentID,
			RateLimit: 5,
			RateBurst: 10,
			Logger:    log,
		}, routes)
		if err != nil {
			log.Warn("conclaved: skipping slack adapter", "error", err)
		} else {
			inbound = append(inbound, a)
			reg.RegisterOutbound(a)
		}
	}

	if path := os.Getenv("WHATSAPP_SESSION_PATH"); path != "" {
		a, err := whatsapp.NewAdapter(ctx, whatsapp.Config{
			AgentID:     agentID,
			SessionPath: path,
			Logger:      log,
		}, routes)
		if err != nil {
			log.Warn("conclaved: skipping whatsapp adapter", "error", err)
		} else {
			inbound = append(inbound, a)
			reg.RegisterOutbound(a)
		}
	}

	return inbound
}
