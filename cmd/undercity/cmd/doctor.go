package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/justinstimatze/undercity/internal/diagnostics"
)

var errInsufficientDisk = errors.New("insufficient disk space")

var doctorJSON bool

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run preflight checks (disk space, git repository, grind lock)",
	RunE:  runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().BoolVar(&doctorJSON, "json", false, "Output as JSON")
}

func runDoctor(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	results := []diagnostics.CheckResult{
		diagnostics.CheckDiskSpace("."),
		diagnostics.CheckGitRepo("."),
		diagnostics.CheckGrindLock(cfg.State.Dir),
	}

	if doctorJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Printf("[%s] %s: %s\n", r.Status, r.Name, r.Message)
		}
	}

	var failed bool
	var diskFailed bool
	for _, r := range results {
		if r.Status == diagnostics.StatusFail {
			failed = true
			if r.Name == "disk_space" {
				diskFailed = true
			}
		}
	}
	if diskFailed {
		return errInsufficientDisk
	}
	if failed {
		return fmt.Errorf("doctor: one or more checks failed")
	}
	return nil
}

// checkDiskOrFail is grind's preflight disk-space gate (exit code 3): it
// runs the same check doctor reports without the full report.
func checkDiskOrFail(path string) error {
	if r := diagnostics.CheckDiskSpace(path); r.Status == diagnostics.StatusFail {
		return errInsufficientDisk
	}
	return nil
}
