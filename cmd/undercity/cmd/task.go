package cmd

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/justinstimatze/undercity/internal/core"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the task backlog",
}

var (
	taskPriority int
	taskDepends  []string
	taskConflict []string
	taskTags     []string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <objective>",
	Short: "Add a task to the backlog",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backlog tasks",
	RunE:  runTaskList,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd)

	taskAddCmd.Flags().IntVar(&taskPriority, "priority", 500, "priority, 1-1000, lower runs first")
	taskAddCmd.Flags().StringSliceVar(&taskDepends, "depends-on", nil, "task ids this task depends on")
	taskAddCmd.Flags().StringSliceVar(&taskConflict, "conflicts", nil, "task ids this task must not run concurrently with")
	taskAddCmd.Flags().StringSliceVar(&taskTags, "tags", nil, "free-form tags (e.g. security, migration)")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	id := core.TaskID(uuid.NewString())
	t := core.NewTask(id, args[0], taskPriority)
	t.Tags = taskTags
	for _, d := range taskDepends {
		if d = strings.TrimSpace(d); d != "" {
			t.DependsOn = append(t.DependsOn, core.TaskID(d))
		}
	}
	for _, c := range taskConflict {
		if c = strings.TrimSpace(c); c != "" {
			t.Conflicts = append(t.Conflicts, core.TaskID(c))
		}
	}

	if err := rt.store.Add(cmd.Context(), t); err != nil {
		return fmt.Errorf("adding task: %w", err)
	}
	fmt.Println(t.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	tasks, err := rt.store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	for _, t := range tasks {
		fmt.Printf("%s\t%s\t%d\t%s\n", t.ID, t.Status, t.Priority, t.Objective)
	}
	return nil
}
