package scheduler

import (
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

func TestNextAtSchedulePastReturnsNoMoreRuns(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	s := core.Schedule{Kind: core.ScheduleAt, At: now.Add(-time.Hour)}
	_, ok, err := Next(s, now)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ok {
		t.Fatal("expected no further run for a past 'at' schedule")
	}
}

func TestNextAtScheduleFuture(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	target := now.Add(time.Hour)
	s := core.Schedule{Kind: core.ScheduleAt, At: target}
	next, ok, err := Next(s, now)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if !next.Equal(target) {
		t.Fatalf("expected %v, got %v", target, next)
	}
}

func TestNextEveryScheduleWithAnchorAlignsToGrid(t *testing.T) {
	anchor := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	now := anchor.Add(25 * time.Minute)
	s := core.Schedule{Kind: core.ScheduleEvery, Every: 10 * time.Minute, Anchor: anchor}
	next, ok, err := Next(s, now)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if !next.Equal(anchor.Add(30 * time.Minute)) {
		t.Fatalf("expected aligned to grid at :30, got %v", next)
	}
}

func TestNextCronScheduleUsesTimezone(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s := core.Schedule{Kind: core.ScheduleCron, CronExpr: "0 9 * * *", Timezone: "America/New_York"}
	next, ok, err := Next(s, now)
	if err != nil || !ok {
		t.Fatalf("next: ok=%v err=%v", ok, err)
	}
	if next.UTC().Hour() != 13 {
		t.Fatalf("expected 9am New York (13:00 UTC in summer), got %v", next.UTC())
	}
}

func TestNextCronScheduleInvalidExpression(t *testing.T) {
	now := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	s := core.Schedule{Kind: core.ScheduleCron, CronExpr: "not a cron expr"}
	if _, _, err := Next(s, now); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}
