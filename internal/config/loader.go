package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"
)

// Loader handles configuration loading from multiple sources.
type Loader struct {
	v            *viper.Viper
	configFile   string
	envPrefix    string
	projectDir   string
	resolvePaths bool
	mu           sync.Mutex
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:            viper.New(),
		envPrefix:    "UNDERCITY",
		resolvePaths: true,
	}
}

// NewLoaderWithViper creates a loader using an existing viper instance, for
// integration with CLI flag bindings (`cmd.Flags()` -> `viper.BindPFlag`).
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:            v,
		envPrefix:    "UNDERCITY",
		resolvePaths: true,
	}
}

// WithConfigFile sets an explicit config file path.
func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

// WithResolvePaths controls whether relative paths are resolved to absolute
// paths on Load().
func (l *Loader) WithResolvePaths(resolve bool) *Loader {
	l.resolvePaths = resolve
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper returns the underlying viper instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load loads configuration from all sources. Precedence (highest to
// lowest): CLI flags bound onto the viper instance, UNDERCITY_* environment
// variables, .undercity/config.yaml in the current repo, built-in defaults.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".undercity")
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	projectDir, _ := os.Getwd()
	if configPath := l.v.ConfigFileUsed(); configPath != "" {
		if absConfigPath, err := filepath.Abs(configPath); err == nil {
			configDir := filepath.Dir(absConfigPath)
			if filepath.Base(configDir) == ".undercity" {
				projectDir = filepath.Dir(configDir)
			}
		}
	}
	l.projectDir = projectDir
	if l.resolvePaths {
		l.resolveAbsolutePaths(&cfg, projectDir)
	}

	return &cfg, nil
}

// ProjectDir returns the resolved project root directory, available after
// Load() has been called.
func (l *Loader) ProjectDir() string {
	return l.projectDir
}

// resolveAbsolutePaths converts relative on-disk paths in the config to
// absolute paths rooted at baseDir, so the engine behaves the same whether
// invoked from the repo root or a subdirectory.
func (l *Loader) resolveAbsolutePaths(cfg *Config, baseDir string) {
	cfg.Log.File = resolvePathRelativeTo(cfg.Log.File, baseDir)
	cfg.State.Dir = resolvePathRelativeTo(cfg.State.Dir, baseDir)
	cfg.Git.WorktreeDir = resolvePathRelativeTo(cfg.Git.WorktreeDir, baseDir)
	cfg.Retrieval.DBPath = resolvePathRelativeTo(cfg.Retrieval.DBPath, baseDir)
}

func resolvePathRelativeTo(path, baseDir string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	if path[0] == '/' || path[0] == '\\' {
		return path
	}
	return filepath.Join(baseDir, path)
}

// setDefaults mirrors DefaultConfigYAML so a config file is never required
// to run the engine.
func (l *Loader) setDefaults() {
	l.v.SetDefault("log.level", "info")
	l.v.SetDefault("log.format", "auto")
	l.v.SetDefault("log.file", ".undercity/logs/current.log")

	l.v.SetDefault("state.dir", ".undercity")
	l.v.SetDefault("state.lock_ttl", "10m")

	l.v.SetDefault("git.worktree_dir", ".worktrees")
	l.v.SetDefault("git.remote", "origin")
	l.v.SetDefault("git.main_branch", "main")
	l.v.SetDefault("git.conflict_strategy", "manual")

	l.v.SetDefault("retrieval.db_path", ".undercity/rag.sqlite")
	l.v.SetDefault("retrieval.chunk_target_tokens", 400)
	l.v.SetDefault("retrieval.chunk_min_tokens", 64)
	l.v.SetDefault("retrieval.vector_weight", 0.5)
	l.v.SetDefault("retrieval.fts_weight", 0.5)
	l.v.SetDefault("retrieval.default_limit", 10)

	l.v.SetDefault("governor.pacer_rate_per_sec", 0.5)
	l.v.SetDefault("governor.pacer_burst", 1)

	l.v.SetDefault("run.parallelism", 2)
	l.v.SetDefault("run.starting_tier", "T0")
	l.v.SetDefault("run.max_tier", "T2")
	l.v.SetDefault("run.max_attempts", 3)
	l.v.SetDefault("run.max_retries_per_tier", 2)
	l.v.SetDefault("run.review_passes", 1)
	l.v.SetDefault("run.max_review_passes_per_tier", 2)
	l.v.SetDefault("run.max_opus_review_passes", 1)
	l.v.SetDefault("run.opus_budget_percent", 20.0)
	l.v.SetDefault("run.auto_commit", true)
	l.v.SetDefault("run.push_on_success", false)
	l.v.SetDefault("run.continuous", false)
	l.v.SetDefault("run.duration", "")
	l.v.SetDefault("run.max_count", 0)
	l.v.SetDefault("run.agent", "claude")
	l.v.SetDefault("run.agent_path", "")
	l.v.SetDefault("run.verify.command", []string{"go", "build", "./..."})
	l.v.SetDefault("run.verify.timeout", "5m")

	l.v.SetDefault("http.host", "127.0.0.1")
	l.v.SetDefault("http.port", 8177)
	l.v.SetDefault("http.no_cors", false)
}

// ConfigFile returns the config file path if one was used.
func (l *Loader) ConfigFile() string {
	if l.configFile != "" {
		return l.configFile
	}
	return l.v.ConfigFileUsed()
}

// Get returns a configuration value by key.
func (l *Loader) Get(key string) interface{} {
	return l.v.Get(key)
}

// Set sets a configuration value, for CLI-flag overrides.
func (l *Loader) Set(key string, value interface{}) {
	l.v.Set(key, value)
}

// IsSet checks if a key has been set.
func (l *Loader) IsSet(key string) bool {
	return l.v.IsSet(key)
}

// AllSettings returns all settings as a map.
func (l *Loader) AllSettings() map[string]interface{} {
	return l.v.AllSettings()
}
