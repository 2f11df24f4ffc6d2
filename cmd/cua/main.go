package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/cua/internal/computer/browser"
	"github.com/user/cua/internal/computer/docker"
	"github.com/user/cua/internal/config"
	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/observability"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
	"github.com/user/cua/pkg/llm/anthropic"
	"github.com/user/cua/pkg/llm/openai"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "cua",
	Short: "A computer-use agent that drives a browser or desktop for a model",
	// Errors are printed once by main.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
}

func main() {
	err := rootCmd.Execute()
	if errors.Is(err, errRestart) {
		err = reexec()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func reexec() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	return syscall.Exec(execPath, os.Args, os.Environ())
}

// loadConfig loads the config file, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// setupLogging builds the process logger and installs it as the zap global.
func setupLogging(cfg *config.Config) *zap.Logger {
	logger := observability.NewStderr(cfg.Log)
	zap.ReplaceGlobals(logger)
	return logger
}

func vendorConfig(v config.VendorConfig, model string) *llm.Config {
	return &llm.Config{
		BaseURL:           v.BaseURL,
		APIKey:            v.APIKey,
		Organization:      v.Organization,
		Model:             model,
		MaxTokens:         v.MaxTokens,
		Timeout:           time.Duration(v.TimeoutSeconds) * time.Second,
		RequestsPerMinute: v.RequestsPerMinute,
	}
}

// newRegistry routes claude-* models to the messages-style vendor and
// everything else to the responses-style vendor. A nil m records nothing.
func newRegistry(cfg *config.Config, m *metrics.Metrics) *llm.Registry {
	reg := llm.NewRegistry()
	reg.Register("claude-", func(model string) (llm.Provider, error) {
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic.api_key is not set (or export ANTHROPIC_API_KEY)")
		}
		c := anthropic.New(vendorConfig(cfg.Anthropic, model))
		if m != nil {
			c.Transport().SetObserver(m)
		}
		return c, nil
	})
	reg.SetDefault(func(model string) (llm.Provider, error) {
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai.api_key is not set (or export OPENAI_API_KEY)")
		}
		c := openai.New(vendorConfig(cfg.OpenAI, model))
		if m != nil {
			c.Transport().SetObserver(m)
		}
		return c, nil
	})
	return reg
}

// maxTokens is the output limit configured for the vendor serving model.
func maxTokens(cfg *config.Config, model string) int {
	if strings.HasPrefix(model, "claude-") {
		return cfg.Anthropic.MaxTokens
	}
	return cfg.OpenAI.MaxTokens
}

// computerFactory returns the backend factory named by cfg.Computer.Backend.
// Browsers refuse requests the guard blocks.
func computerFactory(cfg config.ComputerConfig, guard *urlguard.Guard, logger *zap.Logger) (computer.Factory, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "browser", "chrome":
		bcfg := browser.Config{
			Width:      cfg.Width,
			Height:     cfg.Height,
			Headless:   cfg.Headless,
			ChromePath: cfg.ChromePath,
		}
		if guard != nil {
			bcfg.Guard = guard
		}
		return browser.Factory(bcfg, logger), nil
	case "docker":
		return docker.Factory(docker.Config{
			Container: cfg.Container,
			Display:   cfg.Display,
			Width:     cfg.Width,
			Height:    cfg.Height,
		}, nil, logger), nil
	default:
		return nil, fmt.Errorf("unknown computer backend %q (want browser or docker)", cfg.Backend)
	}
}
