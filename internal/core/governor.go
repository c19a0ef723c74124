package core

import "time"

// UsageEvent is one recorded token-consumption observation for a tier.
type UsageEvent struct {
	ObservedAt   time.Time `json:"observedAt"`
	TaskID       TaskID    `json:"taskId"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
}

// Window is the rolling per-tier accounting structure the Governor owns.
type Window struct {
	Tier   ModelTier    `json:"tier"`
	Events []UsageEvent `json:"events"`
}

// PauseState is the Governor's global pause/resume state, shared across all tiers.
type PauseState struct {
	Paused      bool      `json:"paused"`
	Reason      string    `json:"reason,omitempty"`
	PausedModel ModelTier `json:"pausedModel,omitempty"`
	ResumeAt    time.Time `json:"resumeAt,omitempty"`
}

// TierUsage is the percentage-of-ceiling summary for one tier.
type TierUsage struct {
	FiveHourPct float64 `json:"fiveHourPct"`
	SevenDayPct float64 `json:"sevenDayPct"`
}

// UsageSummary is the full snapshot returned by Governor.UsageSummary.
type UsageSummary struct {
	PerTier  map[ModelTier]TierUsage `json:"perTier"`
	Paused   bool                    `json:"paused"`
	ResumeAt time.Time               `json:"resumeAt,omitempty"`
}

// CheckResult is the Governor's verdict on whether the next call may proceed.
type CheckResult struct {
	OK       bool      `json:"ok"`
	Reason   string    `json:"reason,omitempty"`
	ResumeAt time.Time `json:"resumeAt,omitempty"`
}
