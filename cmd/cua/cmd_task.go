package main

import (
	"fmt"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cua/internal/scheduler"
	"github.com/user/cua/internal/state"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "instruction for the agent (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression; empty runs only via webhook")
	taskAddCmd.Flags().String("session-key", "", "session to run in, e.g. telegram:<user>:<chat> (default task:<name>)")
	taskAddCmd.Flags().String("start-url", "", "page to open before the prompt runs")
	taskAddCmd.Flags().Bool("auto-ack", false, "approve safety checks raised while the task runs")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

const restartHint = "Run `cua restart` for a running daemon to pick up the change."

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		sessionKey, _ := cmd.Flags().GetString("session-key")
		startURL, _ := cmd.Flags().GetString("start-url")
		autoAck, _ := cmd.Flags().GetBool("auto-ack")

		if schedule != "" {
			if err := scheduler.Validate(schedule); err != nil {
				return err
			}
		}
		if sessionKey == "" {
			sessionKey = "task:" + name
		}

		task := &state.Task{
			Name:            name,
			Prompt:          prompt,
			Schedule:        schedule,
			SessionKey:      sessionKey,
			Enabled:         true,
			StartURL:        startURL,
			AutoAcknowledge: autoAck,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Task %q added.\n", name)
		if schedule != "" {
			fmt.Fprintln(out, restartHint)
		}
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSESSION KEY\tSTART URL\tLAST RUN\tPROMPT")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%s\t%s\n",
				t.Name, t.Schedule, t.Enabled, t.SessionKey, t.StartURL, lastRun(t), truncate(t.Prompt, 40))
		}
		return w.Flush()
	},
}

// lastRun renders when a task last ran and how it ended.
func lastRun(t *state.Task) string {
	if t.LastRunAt == nil {
		return "never"
	}
	return t.LastRunAt.Local().Format("2006-01-02 15:04") + " " + t.LastOutcome
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %q removed.\n%s\n", args[0], restartHint)
		return nil
	},
}

func setEnabled(cmd *cobra.Command, name string, enabled bool) error {
	verb := map[bool]string{true: "enabled", false: "disabled"}[enabled]
	if err := taskStore().SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Task %q %s.\n%s\n", name, verb, restartHint)
	return nil
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(cmd, args[0], false)
	},
}
