// Package cmd is the cobra command tree for the undercity binary: a thin
// driver that loads configuration, wires the engine's ports to their real
// adapters, and runs one of the engine's externally visible operations
// (grind, status, doctor, index, task, serve). None of the decision logic
// lives here; it all lives in internal/engine and the components it
// composes.
package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/justinstimatze/undercity/internal/adapters/cli"
	"github.com/justinstimatze/undercity/internal/adapters/git"
	"github.com/justinstimatze/undercity/internal/adapters/verify"
	"github.com/justinstimatze/undercity/internal/config"
	"github.com/justinstimatze/undercity/internal/core"
	"github.com/justinstimatze/undercity/internal/engine"
	"github.com/justinstimatze/undercity/internal/governor"
	"github.com/justinstimatze/undercity/internal/logging"
	"github.com/justinstimatze/undercity/internal/retrieval"
	"github.com/justinstimatze/undercity/internal/taskstore"
)

// runtime bundles the constructed adapters a run needs, plus a closer for
// the ones that own a file handle (the retrieval store's sqlite.DB).
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	gitClient *git.Client
	worktrees core.WorktreeManager
	store     core.TaskStore
	retrieval *retrieval.Store
	gov       core.Governor
	govImpl   *governor.Governor
	pacer     *governor.Pacer
	verifier  core.Verifier
	agent     core.Agent
}

func (r *runtime) Close() error {
	if r.retrieval != nil {
		return r.retrieval.Close()
	}
	return nil
}

// loadConfig reads .undercity/config.yaml (or --config), environment
// variables, and built-in defaults, in that precedence order, binding the
// persistent flags already registered on rootCmd.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viperInstance())
	if cfgFile != "" {
		loader = loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	v := config.NewValidator()
	if err := v.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// buildLogger constructs the slog-based logger: console output plus JSON
// lines appended to the configured log file when one is set.
func buildLogger(cfg *config.Config) *logging.Logger {
	logCfg := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}
	if noColor {
		logCfg.Format = "text"
	}
	if cfg.Log.File != "" {
		if log, err := logging.NewWithFile(logCfg, cfg.Log.File); err == nil {
			return log
		}
	}
	return logging.New(logCfg)
}

// buildRuntime wires every port the engine needs from the loaded config:
// the git client rooted at the current repo, a deterministic per-task
// worktree manager, the JSON task store, the hybrid retrieval index, the
// rate-limit Governor, the externally configured verifier, and the
// subprocess LLM agent adapter.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	log := buildLogger(cfg)

	gitClient, err := git.NewClient(".")
	if err != nil {
		return nil, fmt.Errorf("opening git repository: %w", err)
	}

	worktrees := git.NewTaskWorktreeManager(gitClient, cfg.Git.WorktreeDir)

	store, err := taskstore.New(filepath.Join(cfg.State.Dir, "tasks.json"), gitClient)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	var retrievalIdx *retrieval.Store
	if cfg.Retrieval.DBPath != "" {
		retrievalIdx, err = retrieval.Open(cfg.Retrieval.DBPath)
		if err != nil {
			return nil, fmt.Errorf("opening retrieval index: %w", err)
		}
	}

	gov, err := governor.New(filepath.Join(cfg.State.Dir, "governor-snapshot.json"))
	if err != nil {
		return nil, fmt.Errorf("opening rate-limit governor: %w", err)
	}
	pacer := governor.NewPacer(cfg.Governor.PacerRatePerSec, cfg.Governor.PacerBurst)

	verifyTimeout, err := time.ParseDuration(cfg.Run.Verify.Timeout)
	if err != nil {
		verifyTimeout = 5 * time.Minute
	}
	verifier := verify.New(cfg.Run.Verify.Command, verifyTimeout)

	agent := cli.New(cli.Config{
		Name: cfg.Run.Agent,
		Path: cfg.Run.AgentPath,
	}, log)

	return &runtime{
		cfg:       cfg,
		logger:    log,
		gitClient: gitClient,
		worktrees: worktrees,
		store:     store,
		retrieval: retrievalIdx,
		gov:       gov,
		govImpl:   gov,
		pacer:     pacer,
		verifier:  verifier,
		agent:     agent,
	}, nil
}

// retrievalPort returns rt.retrieval as a core.RetrievalIndex, or nil if no
// index was configured; the Worker treats a nil index as "skip prior
// learnings lookup".
func (r *runtime) retrievalPort() core.RetrievalIndex {
	if r.retrieval == nil {
		return nil
	}
	return r.retrieval
}

// engineConfig translates the loaded config's run knobs into engine.Config.
func engineConfig(cfg *config.Config) (engine.Config, error) {
	startingTier, err := core.ParseModelTier(cfg.Run.StartingTier)
	if err != nil {
		return engine.Config{}, err
	}
	maxTier, err := core.ParseModelTier(cfg.Run.MaxTier)
	if err != nil {
		return engine.Config{}, err
	}
	lockTTL, err := time.ParseDuration(cfg.State.LockTTL)
	if err != nil {
		lockTTL = 10 * time.Minute
	}
	var duration time.Duration
	if cfg.Run.Duration != "" {
		duration, err = time.ParseDuration(cfg.Run.Duration)
		if err != nil {
			return engine.Config{}, fmt.Errorf("invalid run.duration %q: %w", cfg.Run.Duration, err)
		}
	}

	return engine.Config{
		StateDir:               cfg.State.Dir,
		Parallelism:            cfg.Run.Parallelism,
		StartingTier:           startingTier,
		MaxTier:                maxTier,
		MaxAttempts:            cfg.Run.MaxAttempts,
		MaxRetriesPerTier:      cfg.Run.MaxRetriesPerTier,
		ReviewPasses:           cfg.Run.ReviewPasses,
		MaxReviewPassesPerTier: cfg.Run.MaxReviewPassesPerTier,
		MaxOpusReviewPasses:    cfg.Run.MaxOpusReviewPasses,
		OpusBudgetPercent:      cfg.Run.OpusBudgetPercent,
		AutoCommit:             cfg.Run.AutoCommit,
		PushOnSuccess:          cfg.Run.PushOnSuccess,
		Continuous:             cfg.Run.Continuous,
		Duration:               duration,
		MaxCount:               cfg.Run.MaxCount,
		LockTTL:                lockTTL,
	}, nil
}
