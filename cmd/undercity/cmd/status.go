package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog and rate-limit status",
	Long:  "Display the current task backlog and the Rate-Limit Governor's usage summary.",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

type statusTask struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := cmd.Context()
	tasks, err := rt.store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	usage, err := rt.gov.UsageSummary(ctx)
	if err != nil {
		return fmt.Errorf("reading governor usage: %w", err)
	}

	if statusJSON {
		report := struct {
			Tasks []statusTask `json:"tasks"`
			Usage any          `json:"usage"`
		}{Usage: usage}
		for _, t := range tasks {
			report.Tasks = append(report.Tasks, statusTask{ID: string(t.ID), Status: string(t.Status), Priority: t.Priority})
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("Paused: %v", usage.Paused)
	if usage.Paused {
		fmt.Printf(" (resumes %s)", usage.ResumeAt.Format("15:04:05"))
	}
	fmt.Println()
	for tier, u := range usage.PerTier {
		fmt.Printf("  %s: 5h=%.1f%% 7d=%.1f%%\n", tier, u.FiveHourPct*100, u.SevenDayPct*100)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY")
	fmt.Fprintln(w, "--\t------\t--------")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%d\n", t.ID, t.Status, t.Priority)
	}
	return w.Flush()
}
