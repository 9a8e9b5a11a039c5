package sessions

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/core"
)

func TestCreateAssignsIDAndTimestamps(t *testing.T) {
	s := NewMemoryStore()
	sess := &core.Session{Key: "agent:a1:main", Type: core.SessionMain}
	if err := s.Create(context.Background(), sess); err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected ID assigned")
	}
	if sess.CreatedAt.IsZero() {
		t.Fatal("expected CreatedAt assigned")
	}
}

func TestGetOrCreateReturnsExistingOnSecondCall(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	first, err := s.GetOrCreate(ctx, "agent:a1:main", core.Session{Type: core.SessionMain})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	second, err := s.GetOrCreate(ctx, "agent:a1:main", core.Session{Type: core.SessionMain})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same session ID, got %s vs %s", first.ID, second.ID)
	}
}

func TestAppendMessageAssignsSequentialSeq(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)

	s.AppendMessage(ctx, sess.ID, &core.Message{Role: core.RoleUser, Content: "hi"})
	s.AppendMessage(ctx, sess.ID, &core.Message{Role: core.RoleAssistant, Content: "hello"})

	history, err := s.GetHistory(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 2 || history[0].Seq != 0 || history[1].Seq != 1 {
		t.Fatalf("expected sequential seq 0,1, got %v", history)
	}
}

func TestGetHistoryLimitReturnsMostRecent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	for i := 0; i < 5; i++ {
		s.AppendMessage(ctx, sess.ID, &core.Message{Role: core.RoleUser, Content: "m"})
	}
	history, err := s.GetHistory(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(history) != 2 || history[0].Seq != 3 || history[1].Seq != 4 {
		t.Fatalf("expected last 2 messages (seq 3,4), got %v", history)
	}
}

func TestDeleteRemovesSessionAndHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main"}
	s.Create(ctx, sess)
	s.AppendMessage(ctx, sess.ID, &core.Message{Role: core.RoleUser, Content: "hi"})

	if err := s.Delete(ctx, sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, sess.ID); err != core.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestCloneIsolatesCallerFromStoreState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	sess := &core.Session{Key: "agent:a1:main", Metadata: map[string]any{"x": 1}}
	s.Create(ctx, sess)

	got, _ := s.Get(ctx, sess.ID)
	got.Metadata["x"] = 999

	again, _ := s.Get(ctx, sess.ID)
	if again.Metadata["x"] != 1 {
		t.Fatalf("expected store state unaffected by caller mutation, got %v", again.Metadata["x"])
	}
}
