// Package config loads and validates the engine's run configuration: the
// run knobs plus the logging/state/retrieval settings a standalone binary
// needs, split across a viper-backed loader, defaults, and a validator.
package config

// Config holds the engine's full run configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	State     StateConfig     `mapstructure:"state"`
	Git       GitConfig       `mapstructure:"git"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Governor  GovernorConfig  `mapstructure:"governor"`
	Run       RunConfig       `mapstructure:"run"`
	HTTP      HTTPConfig      `mapstructure:"http"`
}

// LogConfig configures the slog-based logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // auto, text, json
	File   string `mapstructure:"file"`   // defaults to .undercity/logs/current.log
}

// StateConfig configures where engine state lives on disk.
type StateConfig struct {
	Dir     string `mapstructure:"dir"`      // defaults to .undercity
	LockTTL string `mapstructure:"lock_ttl"` // grind lock staleness threshold
}

// GitConfig configures worktree and merge behaviour.
type GitConfig struct {
	WorktreeDir     string `mapstructure:"worktree_dir"`
	Remote          string `mapstructure:"remote"`
	MainBranch      string `mapstructure:"main_branch"`
	ConflictStrategy string `mapstructure:"conflict_strategy"` // "manual" | "ours" | "theirs"
}

// RetrievalConfig configures the hybrid retrieval index.
type RetrievalConfig struct {
	DBPath       string  `mapstructure:"db_path"` // defaults to .undercity/rag.sqlite
	ChunkTarget  int     `mapstructure:"chunk_target_tokens"`
	ChunkMin     int     `mapstructure:"chunk_min_tokens"`
	VectorWeight float64 `mapstructure:"vector_weight"`
	FTSWeight    float64 `mapstructure:"fts_weight"`
	DefaultLimit int     `mapstructure:"default_limit"`
}

// GovernorConfig configures rate-limit ceilings and pacing.
type GovernorConfig struct {
	PacerRatePerSec float64 `mapstructure:"pacer_rate_per_sec"`
	PacerBurst      int     `mapstructure:"pacer_burst"`
}

// VerifyConfig describes the externally configured verification command.
type VerifyConfig struct {
	Command []string `mapstructure:"command"`
	Timeout string   `mapstructure:"timeout"`
}

// RunConfig is the engine's knob table.
type RunConfig struct {
	Parallelism            int          `mapstructure:"parallelism"`
	StartingTier           string       `mapstructure:"starting_tier"`
	MaxTier                string       `mapstructure:"max_tier"`
	MaxAttempts            int          `mapstructure:"max_attempts"`
	MaxRetriesPerTier      int          `mapstructure:"max_retries_per_tier"`
	ReviewPasses           int          `mapstructure:"review_passes"`
	MaxReviewPassesPerTier int          `mapstructure:"max_review_passes_per_tier"`
	MaxOpusReviewPasses    int          `mapstructure:"max_opus_review_passes"`
	OpusBudgetPercent      float64      `mapstructure:"opus_budget_percent"`
	AutoCommit             bool         `mapstructure:"auto_commit"`
	PushOnSuccess          bool         `mapstructure:"push_on_success"`
	Continuous             bool         `mapstructure:"continuous"`
	Duration               string       `mapstructure:"duration"`
	MaxCount               int          `mapstructure:"max_count"`
	Agent                  string       `mapstructure:"agent"` // external LLM CLI name (e.g. "claude")
	AgentPath              string       `mapstructure:"agent_path"`
	Verify                 VerifyConfig `mapstructure:"verify"`
}

// HTTPConfig configures the optional local status/metrics endpoint.
type HTTPConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	NoCORS  bool   `mapstructure:"no_cors"`
}
