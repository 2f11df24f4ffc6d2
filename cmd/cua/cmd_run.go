package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	ctxengine "github.com/user/cua/internal/context"
	"github.com/user/cua/internal/dispatch"
	"github.com/user/cua/internal/observability"
	"github.com/user/cua/internal/runtime"
	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/pkg/computer"
	"github.com/user/cua/pkg/llm"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("computer", "", "computer backend: browser or docker")
	runCmd.Flags().String("model", "", "model id (claude-* uses the messages API)")
	runCmd.Flags().String("input", "", "first instruction instead of prompting for one")
	runCmd.Flags().String("start-url", "", "page to open before the first turn (browser only)")
	runCmd.Flags().Bool("debug", false, "log at debug level")
	runCmd.Flags().Bool("headless", false, "run the browser without a window")
	runCmd.Flags().String("screenshots", "", "directory to write every screenshot to")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a computer interactively from the terminal",
	Args:  cobra.NoArgs,
	RunE:  runREPL,
}

func runREPL(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	flags := cmd.Flags()
	if v, _ := flags.GetString("computer"); v != "" {
		cfg.Computer.Backend = v
	}
	if v, _ := flags.GetString("model"); v != "" {
		cfg.Model = v
	}
	if flags.Changed("start-url") {
		cfg.Computer.StartURL, _ = flags.GetString("start-url")
	}
	if v, _ := flags.GetBool("headless"); v {
		cfg.Computer.Headless = true
	}
	if v, _ := flags.GetBool("debug"); v {
		cfg.Log.Level = "debug"
	}
	input, _ := flags.GetString("input")
	shotDir, _ := flags.GetString("screenshots")

	logger := setupLogging(cfg)
	defer observability.Sync(logger)

	provider, err := newRegistry(cfg, nil).Resolve(cfg.Model)
	if err != nil {
		return err
	}
	guard := urlguard.New(cfg.Safety.BlockedDomains)
	factory, err := computerFactory(cfg.Computer, guard, logger)
	if err != nil {
		return err
	}
	if shotDir != "" {
		if err := os.MkdirAll(shotDir, 0o755); err != nil {
			return fmt.Errorf("create screenshot dir: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, err := factory(ctx)
	if err != nil {
		return fmt.Errorf("open computer: %w", err)
	}
	defer session.Close()

	openStartURL(ctx, session, guard, cfg.Computer.StartURL, logger)

	engine, err := ctxengine.New(cfg.Model, cfg.Context.MaxContextTokens, cfg.Context.OutputReserve)
	if err != nil {
		return fmt.Errorf("create context engine: %w", err)
	}
	engine.SetDisplay(session.Dimensions())

	// No template configured keeps the vendor's default system prompt.
	var system string
	if cfg.Context.SystemPromptPath != "" {
		tmpl, err := ctxengine.LoadPrompt(cfg.Context.SystemPromptPath, "")
		if err != nil {
			return err
		}
		data := ctxengine.NewPromptData("repl", computer.Describe(session), cfg.Computer.StartURL, guard.Domains())
		if system, err = ctxengine.RenderPrompt(tmpl, data); err != nil {
			return err
		}
	}

	in := bufio.NewReader(os.Stdin)
	ack := safety.Prompt(in, os.Stdout)
	if cfg.Safety.AutoAcknowledge {
		ack = safety.Allow
	}

	rt := runtime.New(runtime.Config{
		Model:        cfg.Model,
		System:       system,
		MaxTokens:    maxTokens(cfg, cfg.Model),
		MaxRounds:    cfg.MaxRounds,
		StopOnDenial: cfg.Safety.StopOnDenial,
	}, runtime.Deps{
		Provider:    provider,
		Computer:    session,
		Guard:       guard,
		Gate:        safety.NewGate(logger),
		Dispatcher:  dispatch.New(logger, cfg.Computer.PageText),
		Acknowledge: ack,
		Logger:      logger,
	})
	rt.AddObserver(newStepPrinter(os.Stdout, shotDir))

	var items []llm.Item
	for {
		if input == "" {
			fmt.Print("> ")
			line, err := readLine(ctx, in)
			if ctx.Err() != nil {
				fmt.Println()
				return nil
			}
			if errors.Is(err, io.EOF) && line == "" {
				fmt.Println()
				return nil
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read input: %w", err)
			}
			input = strings.TrimSpace(line)
			if input == "" {
				continue
			}
		}
		items = append(items, llm.UserText(input))
		input = ""

		res, err := rt.RunTurn(ctx, engine.Window(items, system))
		if res != nil {
			items = append(items, res.Items...)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			continue
		}
		if res.State == runtime.StateYielded {
			fmt.Println("Stopped after a declined safety check.")
		}
	}
}

// readLine reads one line, returning early when ctx ends.
func readLine(ctx context.Context, in *bufio.Reader) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := in.ReadString('\n')
		ch <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

// openStartURL navigates a browser backend to url when the guard allows it.
func openStartURL(ctx context.Context, c computer.Computer, guard *urlguard.Guard, url string, logger *zap.Logger) {
	nav, ok := c.(computer.Navigator)
	if !ok || url == "" {
		return
	}
	if err := guard.Check(url); err != nil {
		logger.Warn("start url blocked", zap.String("url", url), zap.Error(err))
		return
	}
	if err := nav.Navigate(ctx, url); err != nil {
		logger.Warn("open start url", zap.String("url", url), zap.Error(err))
	}
}

// stepPrinter writes each turn item to the terminal as it happens and
// optionally saves the screenshots.
type stepPrinter struct {
	out   io.Writer
	dir   string
	shots int
}

func newStepPrinter(out io.Writer, dir string) *stepPrinter {
	return &stepPrinter{out: out, dir: dir}
}

func (p *stepPrinter) OnItem(item llm.Item) {
	switch it := item.(type) {
	case llm.AssistantMessage:
		if text := it.Text(); text != "" {
			fmt.Fprintln(p.out, text)
		}
	case llm.ActionCall:
		args, _ := json.Marshal(it.Action)
		fmt.Fprintf(p.out, "%s(%s)\n", it.Action.Kind(), args)
	case llm.ActionResult:
		if it.Status != llm.StatusOK {
			fmt.Fprintf(p.out, "  -> %s: %s\n", it.Status, it.Error)
		}
		if it.Observation != nil && it.Observation.Image != "" && p.dir != "" {
			p.save(it.CallID, it.Observation.Image)
		}
	}
}

func (p *stepPrinter) save(callID, image string) {
	data, err := base64.StdEncoding.DecodeString(image)
	if err != nil {
		fmt.Fprintf(p.out, "  (bad screenshot: %v)\n", err)
		return
	}
	p.shots++
	path := filepath.Join(p.dir, fmt.Sprintf("%03d-%s.png", p.shots, callID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(p.out, "  (save screenshot: %v)\n", err)
		return
	}
	fmt.Fprintf(p.out, "  screenshot: %s\n", path)
}
