package auditlog

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/policy/access"
)

// Logger is the audit sink: a buffered async writer over a slog
// handler, grounded on the teacher's audit.Logger (buffer channel +
// background writeLoop + periodic flush, rather than writing
// synchronously on every call).
type Logger struct {
	cfg    Config
	output io.WriteCloser
	slog   *slog.Logger
	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a Logger. A disabled config returns a Logger whose Log
// calls are no-ops, so callers never need to nil-check before wiring
// it in.
func New(cfg Config) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{cfg: cfg}, nil
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}

	var output io.WriteCloser
	switch {
	case cfg.Output == "" || cfg.Output == "stdout":
		output = os.Stdout
	case cfg.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(cfg.Output, "file:"):
		path := strings.TrimPrefix(cfg.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("auditlog: open output: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("auditlog: unsupported output %q", cfg.Output)
	}

	handlerOpts := &slog.HandlerOptions{Level: slogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(output, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(output, handlerOpts)
	}

	l := &Logger{
		cfg:    cfg,
		output: output,
		slog:   slog.New(handler).With("component", "auditlog"),
		buffer: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Close drains the buffer and releases the output.
func (l *Logger) Close() error {
	if !l.cfg.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log records ev, defaulting its Timestamp and dropping it below the
// configured Level. A full buffer falls back to a synchronous write
// rather than dropping the record -- unlike Event Bus stream tokens,
// audit records are not droppable (spec §7's Fatal/Access/Quota kinds
// all want a durable trail).
func (l *Logger) Log(ev Event) {
	if !l.cfg.Enabled {
		return
	}
	if levelOrder[ev.Level] < levelOrder[l.cfg.Level] {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case l.buffer <- ev:
	default:
		l.write(ev)
	}
}

// LogAccessDecision records an Access Policy Engine evaluation, win or
// lose (spec §4.M2's audit hook).
func (l *Logger) LogAccessDecision(ec core.EvaluationContext, d core.Decision) {
	level := LevelInfo
	if !d.Allowed() {
		level = LevelWarn
	}
	l.Log(Event{
		Type:      EventAccessDecision,
		Level:     level,
		TenantID:  ec.TenantID,
		Principal: ec.Principal,
		Action:    string(d.Effect),
		Details: map[string]any{
			"resource":          ec.Resource,
			"requested_action":  ec.Action,
			"matched_policy_id": d.MatchedPolicyID,
			"reason":            d.Reason,
			"evaluation_ms":     d.EvaluationTimeMS,
		},
	})
}

// AsAccessAuditFunc adapts Logger to policy/access.AuditFunc, so the
// Access Policy Engine can be constructed with access.New(roles,
// inheritance, logger.AsAccessAuditFunc()) directly.
func (l *Logger) AsAccessAuditFunc() access.AuditFunc {
	return func(ec core.EvaluationContext, d core.Decision) { l.LogAccessDecision(ec, d) }
}

// LogQuotaRejected records a Quota Manager rejection (spec §4.L2).
func (l *Logger) LogQuotaRejected(tenantID string, kind core.QuotaKind, limit, used, requested int64) {
	l.Log(Event{
		Type:      EventQuotaRejected,
		Level:     LevelWarn,
		TenantID:  tenantID,
		Action:    "quota_rejected",
		Details: map[string]any{
			"quota_kind": string(kind),
			"limit":      limit,
			"used":       used,
			"requested":  requested,
		},
	})
}

// LogSandboxInvocation records a Sandbox Driver dispatch (spec §4.Q),
// success or failure.
func (l *Logger) LogSandboxInvocation(toolName string, sandboxed bool, duration time.Duration, timedOut bool, err error) {
	level := LevelInfo
	errStr := ""
	if err != nil {
		level = LevelError
		errStr = err.Error()
	} else if timedOut {
		level = LevelWarn
	}
	l.Log(Event{
		Type:  EventSandboxInvocation,
		Level: level,
		Action: "sandbox_invoked",
		Details: map[string]any{
			"tool_name":   toolName,
			"sandboxed":   sandboxed,
			"duration_ms": duration.Milliseconds(),
			"timed_out":   timedOut,
		},
		Err: errStr,
	})
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		case <-ticker.C:
			l.drain()
		case <-l.done:
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case ev := <-l.buffer:
			l.write(ev)
		default:
			return
		}
	}
}

func (l *Logger) write(ev Event) {
	attrs := []any{
		"audit_type", ev.Type,
		"action", ev.Action,
		"timestamp", ev.Timestamp.Format(time.RFC3339Nano),
	}
	if ev.TenantID != "" {
		attrs = append(attrs, "tenant_id", ev.TenantID)
	}
	if ev.Principal != "" {
		attrs = append(attrs, "principal", ev.Principal)
	}
	if ev.SessionKey != "" {
		attrs = append(attrs, "session_key", ev.SessionKey)
	}
	if ev.Err != "" {
		attrs = append(attrs, "error", ev.Err)
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	switch ev.Level {
	case LevelDebug:
		l.slog.Debug("audit", attrs...)
	case LevelWarn:
		l.slog.Warn("audit", attrs...)
	case LevelError:
		l.slog.Error("audit", attrs...)
	default:
		l.slog.Info("audit", attrs...)
	}
}

func slogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
