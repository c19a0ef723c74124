package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/justinstimatze/undercity/internal/core"
)

var (
	cfgFile   string
	noColor   bool
	quiet     bool

	appVersion string
	appCommit  string
	appDate    string

	rootViper = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "undercity",
	Short: "Autonomous multi-agent task execution engine",
	Long: `undercity drives a backlog of coding tasks to completion by dispatching
each task to an external LLM agent, isolating its work in a per-task git
worktree, verifying the result, and serialising merges back to main under
conflict and rate-limit constraints.

Running 'undercity grind' starts the scheduling/dispatch loop.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command; its return value should be passed to
// ExitCodeFor to compute the process exit code.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion injects build-time version info, called from main before Execute.
func SetVersion(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

func viperInstance() *viper.Viper { return rootViper }

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .undercity/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "auto", "log format (auto, text, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-essential output")

	_ = rootViper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = rootViper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// ExitCodeFor maps a returned error to a process exit code: 0 success,
// 1 fatal error, 2 lock held (another instance running), 3 disk-space
// insufficient.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, errInsufficientDisk) {
		return 3
	}
	var domErr *core.DomainError
	if errors.As(err, &domErr) && domErr.Code == core.CodeLockHeld {
		return 2
	}
	return 1
}
