// Package auditlog implements the audit sink for Access Decisions,
// Quota rejections, and Sandbox invocations, structured and durable
// enough to reconstruct "who did what, and was it allowed" after the
// fact. In this build only Access Decisions reach it (cmd/conclaved
// wires the access engine's audit hook); LogQuotaRejected and
// LogSandboxInvocation have no callers outside tests.
//
// Grounded on the teacher's internal/audit package: the same
// EventType/Level taxonomy, async-buffered Logger with a background
// writeLoop, and slog-based structured output, narrowed from the
// teacher's broad tool/session/gateway event catalog down to the three
// event families this platform's spec actually names, plus the
// session/tool events every other package in this repo already emits
// through the Event Bus (so auditlog doesn't re-invent tool-call
// logging the Event Bus already carries).
package auditlog

import "time"

// EventType categorizes an audit record.
type EventType string

const (
	EventAccessDecision    EventType = "access.decision"
	EventQuotaRejected     EventType = "quota.rejected"
	EventSandboxInvocation EventType = "sandbox.invocation"
)

// Level is audit record severity, reused from the teacher's four-level
// scheme.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelOrder = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// OutputFormat selects the slog handler used for the sink's output.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Event is a single audit record. Details carries event-family-specific
// fields (policy ID, quota kind, tool name, ...); Logger flattens it
// into individual slog attributes on write so each field stays
// queryable rather than buried in one blob.
type Event struct {
	Type       EventType
	Level      Level
	Timestamp  time.Time
	TenantID   string
	Principal  string
	SessionKey string
	Action     string
	Details    map[string]any
	Err        string
}

// Config configures the Logger. Grounded on the teacher's audit.Config.
type Config struct {
	Enabled       bool
	Level         Level
	Format        OutputFormat
	Output        string // "stdout", "stderr", or "file:/path/to/file.log"
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultConfig returns the sink's defaults: enabled, info level, JSON to
// stdout, matching the teacher's own DefaultConfig posture except
// Enabled (the teacher defaults audit logging off; this platform's spec
// treats the audit trail as a required compliance surface, not an
// opt-in diagnostic, so it defaults on).
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
