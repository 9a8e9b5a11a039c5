package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// Summarizer generates a textual summary of a message span, normally backed
// by the configured LLM port.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*core.Message) (string, error)
}

// HistoryStore is the subset of Store the Compactor needs.
type HistoryStore interface {
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*core.Message, error)
	ReplaceHistory(ctx context.Context, sessionID string, msgs []*core.Message) error
	Supersede(ctx context.Context, sessionID string, count int, msg *core.Message) error
}

// CompactionConfig tunes when and how a session's history is compacted.
// Grounded on the teacher's CompactionConfig (internal/sessions/compaction.go),
// trimmed to the single adaptive-head-ratio strategy spec §4.M4 names
// instead of the teacher's five selectable strategies.
type CompactionConfig struct {
	MaxMessages int // trigger: compact once history exceeds this many messages
	TailKeep    int // always keep this many most recent messages verbatim
}

// DefaultCompactionConfig mirrors the teacher's defaults, scaled to the
// tail-keep semantics this system uses instead of keep-last-N.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{MaxMessages: 200, TailKeep: 30}
}

// Compactor summarizes the oldest portion of a session's history while
// preserving the most recent messages verbatim, grounded on the teacher's
// Compactor (internal/sessions/compaction.go) but replacing its
// selectable-strategy design with one adaptive strategy: the head ratio
// summarized shrinks from 40% towards 15% as history grows, so a session
// that keeps growing isn't repeatedly re-summarizing the same fraction of
// its oldest content on every compaction pass.
type Compactor struct {
	config     CompactionConfig
	store      HistoryStore
	summarizer Summarizer
}

// NewCompactor creates a Compactor. summarizer may be nil, in which case
// the summary message carries only a fallback note with the head span's
// message count; the head span is still superseded, not dropped.
func NewCompactor(config CompactionConfig, store HistoryStore, summarizer Summarizer) *Compactor {
	if config.MaxMessages <= 0 {
		config = DefaultCompactionConfig()
	}
	return &Compactor{config: config, store: store, summarizer: summarizer}
}

// ShouldCompact reports whether a session's current history warrants
// compaction. Superseded messages are retained physically by Compact but no
// longer count towards the trigger: a session that has already been
// compacted isn't re-triggered just because its retained, LLM-invisible
// head span keeps the raw log long.
func (c *Compactor) ShouldCompact(ctx context.Context, sessionID string) (bool, error) {
	history, err := c.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return false, err
	}
	return activeCount(history) > c.config.MaxMessages, nil
}

// activeCount counts the messages in history that are not Superseded.
func activeCount(history []*core.Message) int {
	n := 0
	for _, m := range history {
		if !m.Superseded {
			n++
		}
	}
	return n
}

// headRatio computes the adaptive fraction of history to summarize: 40% for
// histories just over the trigger threshold, decaying linearly to a floor
// of 15% as history grows to 5x the threshold and beyond. This keeps a
// session that keeps growing from summarizing an ever-larger absolute span
// on each pass.
func (c *Compactor) headRatio(historyLen int) float64 {
	const (
		maxRatio = 0.40
		minRatio = 0.15
	)
	threshold := c.config.MaxMessages
	if threshold <= 0 {
		return minRatio
	}
	growth := float64(historyLen) / float64(threshold)
	if growth <= 1 {
		return maxRatio
	}
	// Linear decay from maxRatio at growth=1 to minRatio at growth=5.
	const decayEnd = 5.0
	if growth >= decayEnd {
		return minRatio
	}
	frac := (growth - 1) / (decayEnd - 1)
	return maxRatio - frac*(maxRatio-minRatio)
}

// Compact replaces the compacted head span of history with a single summary
// message, keeping the tail verbatim. It never splits a tool_call message
// from its paired tool_result, and is idempotent: it is a no-op while the
// session's non-superseded history does not exceed MaxMessages, so
// re-running it on an already-compacted session changes nothing until the
// history grows again. Only the non-superseded part of history is measured
// and summarized; an earlier summary message falls into the new head span.
func (c *Compactor) Compact(ctx context.Context, sessionID string) (*CompactionResult, error) {
	history, err := c.store.GetHistory(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("sessions: get history for compaction: %w", err)
	}

	// Supersede always marks a prefix, so superseded records lead history.
	skip := 0
	for skip < len(history) && history[skip].Superseded {
		skip++
	}
	active := len(history) - skip

	tailKeep := c.config.TailKeep
	if tailKeep <= 0 || tailKeep >= active || active <= c.config.MaxMessages {
		return &CompactionResult{SessionID: sessionID, MessagesBefore: len(history), MessagesAfter: len(history)}, nil
	}

	ratio := c.headRatio(active)
	headLen := skip + int(float64(active)*ratio)
	if headLen <= skip {
		headLen = skip + 1
	}
	cutoff := len(history) - tailKeep
	if headLen > cutoff {
		headLen = cutoff
	}
	headLen = alignToToolPairBoundary(history, headLen)
	if headLen <= skip {
		return &CompactionResult{SessionID: sessionID, MessagesBefore: len(history), MessagesAfter: len(history)}, nil
	}

	head := history[skip:headLen]
	tail := history[headLen:]

	summary := summarizeFallback(head)
	if c.summarizer != nil {
		if s, err := c.summarizer.Summarize(ctx, head); err == nil && s != "" {
			summary = s
		}
	}

	summaryMsg := &core.Message{
		Role:    core.RoleSystem,
		Content: fmt.Sprintf("[compacted %d earlier messages]\n%s", len(head), summary),
		Metadata: map[string]any{
			"compaction_summary": true,
			"summarized_count":   len(head),
			"summarized_at":      time.Now().Format(time.RFC3339),
		},
	}

	// The head span is retained, not dropped: Supersede marks it in place
	// and inserts summaryMsg right after it, so the physical log keeps
	// every record while only the tail plus the summary remain visible to
	// the LLM (buildCompletionRequest skips Superseded messages).
	if err := c.store.Supersede(ctx, sessionID, headLen, summaryMsg); err != nil {
		return nil, fmt.Errorf("sessions: supersede history after compaction: %w", err)
	}

	return &CompactionResult{
		SessionID:      sessionID,
		MessagesBefore: len(history),
		MessagesAfter:  1 + len(tail),
		HeadRatioUsed:  ratio,
		CompactedAt:    time.Now(),
	}, nil
}

// alignToToolPairBoundary shrinks headLen, if necessary, so the cut point
// never separates a tool_call message from its tool_result: a tool_call at
// position headLen-1 whose result lives at or after headLen pulls the
// boundary back to before that tool_call.
func alignToToolPairBoundary(history []*core.Message, headLen int) int {
	for headLen > 0 {
		last := history[headLen-1]
		if last.Role != core.RoleToolCall {
			return headLen
		}
		resultIdx := findToolResult(history, last.ToolCallID, headLen)
		if resultIdx == -1 || resultIdx < headLen {
			return headLen
		}
		headLen--
	}
	return headLen
}

func findToolResult(history []*core.Message, toolCallID string, from int) int {
	for i := from; i < len(history); i++ {
		if history[i].Role == core.RoleToolResult && history[i].ToolCallID == toolCallID {
			return i
		}
	}
	return -1
}

func summarizeFallback(head []*core.Message) string {
	return fmt.Sprintf("(no summarizer configured; %d messages dropped)", len(head))
}

// CompactionResult reports the outcome of a Compact call.
type CompactionResult struct {
	SessionID      string
	MessagesBefore int
	MessagesAfter  int
	HeadRatioUsed  float64
	CompactedAt    time.Time
}
