package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/cua/internal/state"
	"github.com/user/cua/internal/types"
	"github.com/user/cua/pkg/llm"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionClearCmd)

	sessionShowCmd.Flags().Int("limit", 50, "number of most recent events to show")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and clear daemon sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		events, closeEvents, err := openEventStore(cfg)
		if err != nil {
			return err
		}
		defer closeEvents()

		ctx := context.Background()
		list, err := sessions.List(ctx)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tMODEL\tEVENTS\tUPDATED")
		for _, s := range list {
			count, err := events.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Model,
				count,
				s.UpdatedAt.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		events, closeEvents, err := openEventStore(cfg)
		if err != nil {
			return err
		}
		defer closeEvents()

		limit, _ := cmd.Flags().GetInt("limit")
		list, err := events.Tail(context.Background(), types.SessionID(args[0]), limit)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		if len(list) == 0 {
			return fmt.Errorf("session not found or empty: %s", args[0])
		}
		out := cmd.OutOrStdout()
		for _, ev := range list {
			printEvent(out, ev)
		}
		return nil
	},
}

// printEvent writes one transcript line. Images never reach the terminal.
func printEvent(out io.Writer, ev *types.Event) {
	stamp := ev.At.Format("15:04:05")
	if !ev.IsItem() {
		fmt.Fprintf(out, "%s  %-16s %s\n", stamp, ev.Type, strings.TrimSpace(string(ev.Payload)))
		return
	}
	item, err := llm.UnmarshalItem(ev.Payload)
	if err != nil {
		fmt.Fprintf(out, "%s  %-16s (unreadable: %v)\n", stamp, ev.Type, err)
		return
	}
	fmt.Fprintf(out, "%s  %-16s %s\n", stamp, ev.Type, describeItem(llm.Sanitize(item)))
}

func describeItem(item llm.Item) string {
	switch it := item.(type) {
	case llm.UserMessage:
		return it.Text()
	case llm.AssistantMessage:
		return it.Text()
	case llm.ActionCall:
		args, _ := json.Marshal(it.Action)
		s := fmt.Sprintf("%s %s(%s)", it.CallID, it.Action.Kind(), args)
		if n := len(it.PendingSafetyChecks); n > 0 {
			s += fmt.Sprintf(" [%d safety checks]", n)
		}
		return s
	case llm.ActionResult:
		s := it.CallID + " " + string(it.Status)
		if it.Error != "" {
			s += ": " + it.Error
		}
		if it.Observation != nil && it.Observation.CurrentURL != "" {
			s += " @ " + it.Observation.CurrentURL
		}
		return s
	}
	return ""
}

var sessionClearCmd = &cobra.Command{
	Use:   "clear <id|all>",
	Short: "Delete a session or all sessions with their transcripts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)
		events, closeEvents, err := openEventStore(cfg)
		if err != nil {
			return err
		}
		defer closeEvents()

		ctx := context.Background()
		var ids []types.SessionID
		if args[0] == "all" {
			list, err := sessions.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			for _, s := range list {
				ids = append(ids, s.SessionID)
			}
		} else {
			if _, err := sessions.Get(ctx, types.SessionID(args[0])); err != nil {
				return fmt.Errorf("session not found: %s", args[0])
			}
			ids = []types.SessionID{types.SessionID(args[0])}
		}

		for _, id := range ids {
			if err := events.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete events of %s: %w", id, err)
			}
			if err := sessions.Delete(ctx, id); err != nil {
				return fmt.Errorf("delete session %s: %w", id, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d session(s).\n", len(ids))
		return nil
	},
}
