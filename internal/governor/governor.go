// Package governor tracks per-tier LLM token consumption in rolling 5-hour
// and 7-day windows and coordinates a single global pause/resume state
// across every Worker.
package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/justinstimatze/undercity/internal/core"
)

const (
	fiveHourWindow = 5 * time.Hour
	sevenDayWindow = 7 * 24 * time.Hour

	defaultBackoff = 5 * time.Minute

	warnFiveHourPct = 0.80
	warnSevenDayPct = 0.90
)

var _ core.Governor = (*Governor)(nil)

// Ceiling configures the token budget a tier is allowed to consume within
// each rolling window.
type Ceiling struct {
	FiveHourTokens int64
	SevenDayTokens int64
}

// DefaultCeilings returns the engine's out-of-the-box per-tier ceilings.
// T2 (opus-class) is the scarcest resource, so its ceiling is tightest.
func DefaultCeilings() map[core.ModelTier]Ceiling {
	return map[core.ModelTier]Ceiling{
		core.TierSmall:  {FiveHourTokens: 5_000_000, SevenDayTokens: 40_000_000},
		core.TierMedium: {FiveHourTokens: 2_000_000, SevenDayTokens: 15_000_000},
		core.TierLarge:  {FiveHourTokens: 500_000, SevenDayTokens: 3_000_000},
	}
}

// Governor is the exclusive owner of every Window and the global PauseState.
// It persists a JSON snapshot after every mutation via temp-file+rename, the
// same atomicity primitive used by the task store.
type Governor struct {
	mu           sync.Mutex
	windows      map[core.ModelTier]*core.Window
	ceilings     map[core.ModelTier]Ceiling
	pause        core.PauseState
	snapshotPath string
	now          func() time.Time
}

// Option configures a Governor at construction time.
type Option func(*Governor)

// WithClock overrides the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(g *Governor) { g.now = now }
}

// WithCeilings overrides the default per-tier ceilings.
func WithCeilings(ceilings map[core.ModelTier]Ceiling) Option {
	return func(g *Governor) { g.ceilings = ceilings }
}

// New creates a Governor persisting its snapshot at snapshotPath, loading any
// prior state found there. An empty snapshotPath disables persistence.
func New(snapshotPath string, opts ...Option) (*Governor, error) {
	g := &Governor{
		windows:      make(map[core.ModelTier]*core.Window),
		ceilings:     DefaultCeilings(),
		snapshotPath: snapshotPath,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	for tier := range g.ceilings {
		g.windows[tier] = &core.Window{Tier: tier}
	}

	if snapshotPath != "" {
		if err := g.load(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

type snapshot struct {
	Windows map[core.ModelTier]*core.Window `json:"windows"`
	Pause   core.PauseState                 `json:"pause"`
}

func (g *Governor) load() error {
	data, err := os.ReadFile(g.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading governor snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return core.ErrState(core.CodeStateCorrupted, "governor snapshot corrupted").WithCause(err)
	}
	if snap.Windows != nil {
		g.windows = snap.Windows
		for tier := range g.ceilings {
			if g.windows[tier] == nil {
				g.windows[tier] = &core.Window{Tier: tier}
			}
		}
	}
	g.pause = snap.Pause
	return nil
}

// persist must be called with g.mu held.
func (g *Governor) persist() error {
	if g.snapshotPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(g.snapshotPath), 0o750); err != nil {
		return fmt.Errorf("creating governor snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(snapshot{Windows: g.windows, Pause: g.pause}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling governor snapshot: %w", err)
	}
	if err := renameio.WriteFile(g.snapshotPath, data, 0o600); err != nil {
		return fmt.Errorf("writing governor snapshot: %w", err)
	}
	return nil
}

// RecordUsage implements core.Governor: appends a usage event to the tier's
// window and trims events older than 7 days.
func (g *Governor) RecordUsage(_ context.Context, taskID core.TaskID, tier core.ModelTier, inputTokens, outputTokens int, observedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[tier]
	if !ok {
		w = &core.Window{Tier: tier}
		g.windows[tier] = w
	}
	w.Events = append(w.Events, core.UsageEvent{
		ObservedAt:   observedAt,
		TaskID:       taskID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	})
	g.trimLocked(tier, observedAt)
	return g.persist()
}

func (g *Governor) trimLocked(tier core.ModelTier, asOf time.Time) {
	w, ok := g.windows[tier]
	if !ok {
		return
	}
	cutoff := asOf.Add(-sevenDayWindow)
	kept := w.Events[:0:0]
	for _, e := range w.Events {
		if !e.ObservedAt.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	w.Events = kept
}

// RecordRateLimitHit implements core.Governor. A retryAfter of 0 and a zero
// resetAt mean no header was present or parseable; the Governor then applies
// the default 5-minute back-off rather than failing the call.
func (g *Governor) RecordRateLimitHit(_ context.Context, tier core.ModelTier, errText string, retryAfter time.Duration, resetAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	var resumeAt time.Time
	switch {
	case !resetAt.IsZero():
		resumeAt = resetAt
	case retryAfter > 0:
		resumeAt = now.Add(retryAfter)
	default:
		resumeAt = now.Add(defaultBackoff)
	}

	g.pause = core.PauseState{
		Paused:      true,
		Reason:      errText,
		PausedModel: tier,
		ResumeAt:    resumeAt,
	}
	return g.persist()
}

// Check implements core.Governor: consulted by the Scheduler before dispatch
// and by the Worker before each attempt. Resume is automatic the instant
// ResumeAt has passed; the pause flag is cleared on the first Check() after
// that instant, and every Check() made before ResumeAt reports paused.
func (g *Governor) Check(_ context.Context) (core.CheckResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.pause.Paused {
		return core.CheckResult{OK: true}, nil
	}
	if !g.now().Before(g.pause.ResumeAt) {
		g.pause = core.PauseState{}
		if err := g.persist(); err != nil {
			return core.CheckResult{}, err
		}
		return core.CheckResult{OK: true}, nil
	}
	return core.CheckResult{OK: false, Reason: g.pause.Reason, ResumeAt: g.pause.ResumeAt}, nil
}

// UsageSummary implements core.Governor.
func (g *Governor) UsageSummary(_ context.Context) (core.UsageSummary, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	summary := core.UsageSummary{PerTier: make(map[core.ModelTier]core.TierUsage, len(g.windows))}

	tiers := make([]core.ModelTier, 0, len(g.windows))
	for tier := range g.windows {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	for _, tier := range tiers {
		w := g.windows[tier]
		var fiveHourTokens, sevenDayTokens int64
		fiveHourCutoff := now.Add(-fiveHourWindow)
		for _, e := range w.Events {
			tokens := int64(e.InputTokens + e.OutputTokens)
			sevenDayTokens += tokens
			if !e.ObservedAt.Before(fiveHourCutoff) {
				fiveHourTokens += tokens
			}
		}

		ceiling := g.ceilings[tier]
		usage := core.TierUsage{}
		if ceiling.FiveHourTokens > 0 {
			usage.FiveHourPct = float64(fiveHourTokens) / float64(ceiling.FiveHourTokens)
		}
		if ceiling.SevenDayTokens > 0 {
			usage.SevenDayPct = float64(sevenDayTokens) / float64(ceiling.SevenDayTokens)
		}
		summary.PerTier[tier] = usage
	}

	if g.pause.Paused && g.now().Before(g.pause.ResumeAt) {
		summary.Paused = true
		summary.ResumeAt = g.pause.ResumeAt
	}
	return summary, nil
}

// Warnings reports which tiers have crossed the 80% five-hour or 90%
// seven-day thresholds. The Governor never auto-pauses on these; only
// RecordRateLimitHit pauses, so threshold crossings are surfaced for
// display only.
func (g *Governor) Warnings(ctx context.Context) ([]string, error) {
	summary, err := g.UsageSummary(ctx)
	if err != nil {
		return nil, err
	}
	tiers := make([]core.ModelTier, 0, len(summary.PerTier))
	for tier := range summary.PerTier {
		tiers = append(tiers, tier)
	}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i] < tiers[j] })

	var warnings []string
	for _, tier := range tiers {
		u := summary.PerTier[tier]
		if u.FiveHourPct >= warnFiveHourPct {
			warnings = append(warnings, fmt.Sprintf("%s: %.0f%% of 5-hour ceiling", tier, u.FiveHourPct*100))
		}
		if u.SevenDayPct >= warnSevenDayPct {
			warnings = append(warnings, fmt.Sprintf("%s: %.0f%% of 7-day ceiling", tier, u.SevenDayPct*100))
		}
	}
	return warnings, nil
}
