package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/cua/internal/config"
)

func init() {
	rootCmd.AddCommand(setupCmd)
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive setup wizard",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		out := cmd.OutOrStdout()
		scanner := bufio.NewScanner(cmd.InOrStdin())
		ask := func(label, def string) string { return prompt(scanner, out, label, def, false) }
		askSecret := func(label, def string) string { return prompt(scanner, out, label, def, true) }

		fmt.Fprintln(out, "cua setup")
		fmt.Fprintln(out, "Press Enter to accept the default value shown in brackets.")
		fmt.Fprintln(out)

		cfg.Model = ask("Model (claude-* uses the Anthropic API)", cfg.Model)
		if strings.HasPrefix(cfg.Model, "claude-") {
			cfg.Anthropic.APIKey = askSecret("Anthropic API key", cfg.Anthropic.APIKey)
			if n, err := strconv.Atoi(ask("Max output tokens", strconv.Itoa(cfg.Anthropic.MaxTokens))); err == nil {
				cfg.Anthropic.MaxTokens = n
			}
		} else {
			cfg.OpenAI.APIKey = askSecret("OpenAI API key", cfg.OpenAI.APIKey)
		}

		cfg.Computer.Backend = ask("Computer backend (browser or docker)", cfg.Computer.Backend)
		if cfg.Computer.Backend == "docker" {
			cfg.Computer.Container = ask("Container name", cfg.Computer.Container)
			cfg.Computer.Display = ask("X display", cfg.Computer.Display)
		} else {
			cfg.Computer.StartURL = ask("Start URL", cfg.Computer.StartURL)
		}

		cfg.Telegram.Token = askSecret("Telegram bot token (optional)", cfg.Telegram.Token)
		if cfg.Telegram.Token != "" {
			users := ask("Allowed Telegram user IDs, comma separated (empty allows everyone)", joinIDs(cfg.Telegram.AllowedUsers))
			ids, err := parseIDs(users)
			if err != nil {
				return err
			}
			cfg.Telegram.AllowedUsers = ids
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Configuration saved to", cfgPath)
		return nil
	},
}

// prompt displays a labeled prompt with a default value and reads user input.
// If the user enters nothing, the default is returned. Secret defaults are
// masked.
func prompt(scanner *bufio.Scanner, out io.Writer, label, defaultVal string, secret bool) string {
	shown := defaultVal
	if secret && shown != "" {
		shown = "***"
	}
	if shown != "" {
		fmt.Fprintf(out, "%s [%s]: ", label, shown)
	} else {
		fmt.Fprintf(out, "%s: ", label)
	}
	if scanner.Scan() {
		if input := strings.TrimSpace(scanner.Text()); input != "" {
			return input
		}
	}
	return defaultVal
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
