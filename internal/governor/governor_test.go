package governor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

func TestCheck_OKWhenNotPaused(t *testing.T) {
	g, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := g.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
}

func TestRecordRateLimitHit_PausesUntilResumeAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, err := New("", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := g.RecordRateLimitHit(context.Background(), core.TierMedium, "429", 2*time.Second, time.Time{}); err != nil {
		t.Fatalf("RecordRateLimitHit: %v", err)
	}

	res, err := g.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.OK {
		t.Fatalf("expected paused, got OK")
	}
	if res.ResumeAt.Before(now) {
		t.Fatalf("expected resumeAt in the future")
	}

	now = now.Add(3 * time.Second)
	res, err = g.Check(context.Background())
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected resumed after resumeAt elapsed, got %+v", res)
	}
}

func TestRecordRateLimitHit_MissingHeadersUsesDefaultBackoff(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g, err := New("", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.RecordRateLimitHit(context.Background(), core.TierSmall, "429", 0, time.Time{}); err != nil {
		t.Fatalf("RecordRateLimitHit: %v", err)
	}
	res, _ := g.Check(context.Background())
	want := now.Add(defaultBackoff)
	if !res.ResumeAt.Equal(want) {
		t.Fatalf("expected default 5m backoff resumeAt %v, got %v", want, res.ResumeAt)
	}
}

func TestRecordUsage_TrimsEventsOlderThanSevenDays(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	g, err := New("", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	old := now.Add(-8 * 24 * time.Hour)
	if err := g.RecordUsage(ctx, "old-task", core.TierSmall, 100, 100, old); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := g.RecordUsage(ctx, "new-task", core.TierSmall, 50, 50, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	summary, err := g.UsageSummary(ctx)
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	ceiling := DefaultCeilings()[core.TierSmall]
	want := float64(100) / float64(ceiling.SevenDayTokens)
	got := summary.PerTier[core.TierSmall].SevenDayPct
	if got != want {
		t.Fatalf("expected only the new event's tokens to count (%.6f), got %.6f", want, got)
	}
}

func TestUsageSummary_FiveHourWindowExcludesOlderEvents(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	g, err := New("", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	sixHoursAgo := now.Add(-6 * time.Hour)
	if err := g.RecordUsage(ctx, "t1", core.TierLarge, 1000, 1000, sixHoursAgo); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := g.RecordUsage(ctx, "t2", core.TierLarge, 500, 500, now); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	summary, err := g.UsageSummary(ctx)
	if err != nil {
		t.Fatalf("UsageSummary: %v", err)
	}
	ceiling := DefaultCeilings()[core.TierLarge]
	want := float64(1000) / float64(ceiling.FiveHourTokens)
	got := summary.PerTier[core.TierLarge].FiveHourPct
	if got != want {
		t.Fatalf("expected only the recent event within 5h (%.6f), got %.6f", want, got)
	}
}

func TestSnapshot_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.json")
	ctx := context.Background()

	g1, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g1.RecordUsage(ctx, "t1", core.TierMedium, 10, 20, time.Now()); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if err := g1.RecordRateLimitHit(ctx, core.TierMedium, "429", time.Minute, time.Time{}); err != nil {
		t.Fatalf("RecordRateLimitHit: %v", err)
	}

	g2, err := New(path)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	res, err := g2.Check(ctx)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.OK {
		t.Fatalf("expected reloaded governor to still be paused")
	}
}

func TestWarnings_ThresholdCrossing(t *testing.T) {
	ctx := context.Background()
	g, err := New("", WithCeilings(map[core.ModelTier]Ceiling{
		core.TierSmall: {FiveHourTokens: 1000, SevenDayTokens: 10000},
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := g.RecordUsage(ctx, "t1", core.TierSmall, 900, 0, time.Now()); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	warnings, err := g.Warnings(ctx)
	if err != nil {
		t.Fatalf("Warnings: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a five-hour warning at 90%% usage")
	}
}
