package sessions

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/core"
)

func seedHistory(t *testing.T, s *MemoryStore, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if err := s.AppendMessage(ctx, sessionID, &core.Message{Role: core.RoleUser, Content: "m"}); err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestShouldCompactBelowThreshold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	seedHistory(t, s, sess.ID, 10)

	c := NewCompactor(CompactionConfig{MaxMessages: 200, TailKeep: 30}, s, nil)
	should, err := c.ShouldCompact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("should compact: %v", err)
	}
	if should {
		t.Fatal("expected no compaction below threshold")
	}
}

func TestCompactKeepsTailVerbatim(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	seedHistory(t, s, sess.ID, 250)

	c := NewCompactor(CompactionConfig{MaxMessages: 200, TailKeep: 30}, s, nil)
	result, err := c.Compact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if result.MessagesAfter >= result.MessagesBefore {
		t.Fatalf("expected compaction to shrink history, before=%d after=%d", result.MessagesBefore, result.MessagesAfter)
	}

	history, _ := s.GetHistory(ctx, sess.ID, 0)
	// Last 30 original messages should still be present verbatim (as the tail).
	if len(history) < 30 {
		t.Fatalf("expected at least tail-keep messages remaining, got %d", len(history))
	}
	tail := history[len(history)-30:]
	for i, m := range tail {
		if m.Content != "m" {
			t.Fatalf("expected tail message %d to be verbatim, got %+v", i, m)
		}
	}
}

func TestCompactRetainsSupersededHeadPhysically(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	seedHistory(t, s, sess.ID, 250)

	c := NewCompactor(CompactionConfig{MaxMessages: 200, TailKeep: 30}, s, nil)
	result, err := c.Compact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	history, _ := s.GetHistory(ctx, sess.ID, 0)
	if len(history) != 251 {
		t.Fatalf("expected the full physical history retained plus one summary message, got %d", len(history))
	}
	if result.MessagesAfter >= result.MessagesBefore {
		t.Fatalf("expected logical message count to shrink, before=%d after=%d", result.MessagesBefore, result.MessagesAfter)
	}

	var supersededCount, summaryCount int
	summaryIdx := -1
	for i, m := range history {
		if m.Superseded {
			supersededCount++
		}
		if meta, ok := m.Metadata["compaction_summary"]; ok && meta == true {
			summaryCount++
			summaryIdx = i
		}
	}
	if supersededCount == 0 {
		t.Fatal("expected compacted head span to be marked superseded, not removed")
	}
	if summaryCount != 1 {
		t.Fatalf("expected exactly one summary message, got %d", summaryCount)
	}
	if summaryIdx == 0 || summaryIdx == len(history)-1 {
		t.Fatalf("expected summary message positioned after the superseded head and before the tail, got index %d of %d", summaryIdx, len(history))
	}
	if history[summaryIdx-1].Superseded == false {
		t.Fatalf("expected the message immediately before the summary to be superseded")
	}
	if history[summaryIdx+1].Superseded {
		t.Fatal("expected tail messages after the summary to remain active (not superseded)")
	}
}

func TestCompactionIsIdempotentOnceBelowThreshold(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	seedHistory(t, s, sess.ID, 250)

	c := NewCompactor(CompactionConfig{MaxMessages: 200, TailKeep: 30}, s, nil)
	if _, err := c.Compact(ctx, sess.ID); err != nil {
		t.Fatalf("first compact: %v", err)
	}
	should, err := c.ShouldCompact(ctx, sess.ID)
	if err != nil {
		t.Fatalf("should compact: %v", err)
	}
	if should {
		t.Fatal("expected no further compaction needed after one pass")
	}
}

func TestAlignToToolPairBoundaryPullsBackOverSplitPair(t *testing.T) {
	history := []*core.Message{
		{Role: core.RoleUser, Content: "1"},
		{Role: core.RoleUser, Content: "2"},
		{Role: core.RoleToolCall, ToolCallID: "tc1", Content: "call"},
		{Role: core.RoleToolResult, ToolCallID: "tc1", Content: "result"},
		{Role: core.RoleUser, Content: "3"},
	}
	// A naive cut of 3 would keep the tool_call (index 2) but drop its
	// tool_result (index 3); the boundary must be pulled back to 2.
	got := alignToToolPairBoundary(history, 3)
	if got != 2 {
		t.Fatalf("expected boundary pulled back to 2, got %d", got)
	}
}

func TestAlignToToolPairBoundaryNoopWhenNotSplitting(t *testing.T) {
	history := []*core.Message{
		{Role: core.RoleUser, Content: "1"},
		{Role: core.RoleToolCall, ToolCallID: "tc1", Content: "call"},
		{Role: core.RoleToolResult, ToolCallID: "tc1", Content: "result"},
		{Role: core.RoleUser, Content: "2"},
	}
	got := alignToToolPairBoundary(history, 3)
	if got != 3 {
		t.Fatalf("expected boundary unchanged at 3 (pair already whole), got %d", got)
	}
}

func TestHeadRatioDecaysWithGrowth(t *testing.T) {
	c := NewCompactor(CompactionConfig{MaxMessages: 100, TailKeep: 10}, NewMemoryStore(), nil)
	small := c.headRatio(110)
	big := c.headRatio(600)
	if small <= big {
		t.Fatalf("expected head ratio to decay as history grows, small=%f big=%f", small, big)
	}
	if big < 0.15 {
		t.Fatalf("expected head ratio floor of 0.15, got %f", big)
	}
}
