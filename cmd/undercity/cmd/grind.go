package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/justinstimatze/undercity/internal/engine"
)

var grindJSON bool

var grindCmd = &cobra.Command{
	Use:   "grind",
	Short: "Run the scheduling/dispatch loop until the backlog drains",
	Long: `grind repeatedly selects a batch of ready tasks, runs each through the
Worker state machine on a bounded pool, and lets the Merge Queue drain
successful branches onto main. SIGINT/SIGTERM request a cooperative drain:
the current batch finishes but no new attempts start.`,
	RunE: runGrind,
}

func init() {
	rootCmd.AddCommand(grindCmd)
	grindCmd.Flags().BoolVar(&grindJSON, "json", false, "Print the session summary as JSON")
}

func runGrind(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if diskResult := checkDiskOrFail("."); diskResult != nil {
		return diskResult
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	engCfg, err := engineConfig(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(engCfg, engine.Dependencies{
		Agent:        rt.agent,
		Git:          rt.gitClient,
		Worktrees:    rt.worktrees,
		Store:        rt.store,
		Retrieval:    rt.retrievalPort(),
		Governor:     rt.gov,
		Verifier:     rt.verifier,
		Research:     nil,
		Pacer:        rt.pacer,
		MainRepoPath: rt.gitClient.RepoPath(),
		Logger:       rt.logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		eng.Drain()
	}()

	summary, err := eng.Grind(ctx)
	if err != nil {
		return err
	}

	if grindJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	if !quiet {
		fmt.Printf("executed=%d merged=%d failed=%d decomposed=%d mergeFailed=%d conflictRetries=%d\n",
			summary.Executed, summary.Merged, summary.Failed, summary.Decomposed,
			summary.MergeFailed, summary.ConflictRetry)
	}
	return nil
}
