package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/justinstimatze/undercity/internal/core"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation: %s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Validator validates configuration.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new validator.
func NewValidator() *Validator {
	return &Validator{errors: make(ValidationErrors, 0)}
}

// Validate validates the entire configuration.
func (v *Validator) Validate(cfg *Config) error {
	v.validateLog(&cfg.Log)
	v.validateState(&cfg.State)
	v.validateGit(&cfg.Git)
	v.validateRetrieval(&cfg.Retrieval)
	v.validateGovernor(&cfg.Governor)
	v.validateRun(&cfg.Run)
	v.validateHTTP(&cfg.HTTP)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

func (v *Validator) addError(field string, value interface{}, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Value: value, Message: message})
}

func (v *Validator) validateLog(cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.addError("log.level", cfg.Level, "must be one of: debug, info, warn, error")
	}
	switch cfg.Format {
	case "auto", "text", "json":
	default:
		v.addError("log.format", cfg.Format, "must be one of: auto, text, json")
	}
}

func (v *Validator) validateState(cfg *StateConfig) {
	if strings.TrimSpace(cfg.Dir) == "" {
		v.addError("state.dir", cfg.Dir, "must not be empty")
	}
	if cfg.LockTTL != "" {
		if _, err := time.ParseDuration(cfg.LockTTL); err != nil {
			v.addError("state.lock_ttl", cfg.LockTTL, "must be a valid duration (e.g. 10m)")
		}
	}
}

func (v *Validator) validateGit(cfg *GitConfig) {
	if strings.TrimSpace(cfg.WorktreeDir) == "" {
		v.addError("git.worktree_dir", cfg.WorktreeDir, "must not be empty")
	}
	if strings.TrimSpace(cfg.MainBranch) == "" {
		v.addError("git.main_branch", cfg.MainBranch, "must not be empty")
	}
	switch cfg.ConflictStrategy {
	case "manual", "ours", "theirs":
	default:
		v.addError("git.conflict_strategy", cfg.ConflictStrategy, "must be one of: manual, ours, theirs")
	}
}

func (v *Validator) validateRetrieval(cfg *RetrievalConfig) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		v.addError("retrieval.db_path", cfg.DBPath, "must not be empty")
	}
	if cfg.ChunkTarget <= 0 {
		v.addError("retrieval.chunk_target_tokens", cfg.ChunkTarget, "must be positive")
	}
	if cfg.ChunkMin <= 0 || cfg.ChunkMin > cfg.ChunkTarget {
		v.addError("retrieval.chunk_min_tokens", cfg.ChunkMin, "must be positive and no greater than chunk_target_tokens")
	}
	if cfg.VectorWeight < 0 || cfg.FTSWeight < 0 {
		v.addError("retrieval.vector_weight/fts_weight", fmt.Sprintf("%v/%v", cfg.VectorWeight, cfg.FTSWeight), "must be non-negative")
	}
	if cfg.DefaultLimit <= 0 {
		v.addError("retrieval.default_limit", cfg.DefaultLimit, "must be positive")
	}
}

func (v *Validator) validateGovernor(cfg *GovernorConfig) {
	if cfg.PacerRatePerSec <= 0 {
		v.addError("governor.pacer_rate_per_sec", cfg.PacerRatePerSec, "must be positive")
	}
	if cfg.PacerBurst <= 0 {
		v.addError("governor.pacer_burst", cfg.PacerBurst, "must be positive")
	}
}

func (v *Validator) validateRun(cfg *RunConfig) {
	if cfg.Parallelism <= 0 {
		v.addError("run.parallelism", cfg.Parallelism, "must be positive")
	}
	startTier, startErr := core.ParseModelTier(cfg.StartingTier)
	if startErr != nil {
		v.addError("run.starting_tier", cfg.StartingTier, "must be one of: T0, T1, T2")
	}
	maxTier, maxErr := core.ParseModelTier(cfg.MaxTier)
	if maxErr != nil {
		v.addError("run.max_tier", cfg.MaxTier, "must be one of: T0, T1, T2")
	}
	if startErr == nil && maxErr == nil && maxTier.Less(startTier) {
		v.addError("run.max_tier", cfg.MaxTier, "must be at or above starting_tier")
	}
	if cfg.MaxAttempts <= 0 {
		v.addError("run.max_attempts", cfg.MaxAttempts, "must be positive")
	}
	if cfg.MaxRetriesPerTier < 0 {
		v.addError("run.max_retries_per_tier", cfg.MaxRetriesPerTier, "must not be negative")
	}
	if cfg.ReviewPasses < 0 {
		v.addError("run.review_passes", cfg.ReviewPasses, "must not be negative")
	}
	if cfg.MaxReviewPassesPerTier < 0 {
		v.addError("run.max_review_passes_per_tier", cfg.MaxReviewPassesPerTier, "must not be negative")
	}
	if cfg.MaxOpusReviewPasses < 0 {
		v.addError("run.max_opus_review_passes", cfg.MaxOpusReviewPasses, "must not be negative")
	}
	if cfg.OpusBudgetPercent < 0 || cfg.OpusBudgetPercent > 100 {
		v.addError("run.opus_budget_percent", cfg.OpusBudgetPercent, "must be between 0 and 100")
	}
	if cfg.Duration != "" {
		if _, err := time.ParseDuration(cfg.Duration); err != nil {
			v.addError("run.duration", cfg.Duration, "must be a valid duration (e.g. 2h)")
		}
	}
	if cfg.MaxCount < 0 {
		v.addError("run.max_count", cfg.MaxCount, "must not be negative")
	}
	if strings.TrimSpace(cfg.Agent) == "" {
		v.addError("run.agent", cfg.Agent, "must not be empty")
	}
	if len(cfg.Verify.Command) == 0 {
		v.addError("run.verify.command", cfg.Verify.Command, "must not be empty")
	}
	if cfg.Verify.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Verify.Timeout); err != nil {
			v.addError("run.verify.timeout", cfg.Verify.Timeout, "must be a valid duration (e.g. 5m)")
		}
	}
}

func (v *Validator) validateHTTP(cfg *HTTPConfig) {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		v.addError("http.port", cfg.Port, "must be between 1 and 65535")
	}
}

// Validate is a package-level convenience wrapper around Validator.
func Validate(cfg *Config) error {
	return NewValidator().Validate(cfg)
}
