package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/cua/internal/config"
	ctxengine "github.com/user/cua/internal/context"
	"github.com/user/cua/internal/delivery"
	"github.com/user/cua/internal/dispatch"
	"github.com/user/cua/internal/gateway"
	"github.com/user/cua/internal/metrics"
	"github.com/user/cua/internal/observability"
	"github.com/user/cua/internal/runtime"
	"github.com/user/cua/internal/safety"
	"github.com/user/cua/internal/scheduler"
	"github.com/user/cua/internal/state"
	"github.com/user/cua/internal/telegram"
	"github.com/user/cua/internal/types"
	"github.com/user/cua/internal/urlguard"
	"github.com/user/cua/internal/webhook"
	"github.com/user/cua/pkg/computer"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the cua daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFile = "cua.pid"

// errRestart makes main re-exec the daemon once every deferred cleanup,
// including closing the computers, has run.
var errRestart = errors.New("restart requested")

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFile)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// openEventStore returns the transcript store selected by storage.driver and
// a function releasing it.
func openEventStore(cfg *config.Config) (types.EventStore, func() error, error) {
	switch cfg.Storage.Driver {
	case "", "jsonl":
		return state.NewEventStore(cfg.DataDir), func() error { return nil }, nil
	case "sqlite":
		store, err := state.NewSQLiteEventStore(filepath.Join(cfg.DataDir, "events.db"))
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q (want jsonl or sqlite)", cfg.Storage.Driver)
	}
}

// taskRunner submits prompts through the gateway and waits for the outcome.
type taskRunner struct {
	gw  *gateway.Gateway
	ack safety.AcknowledgeFunc
}

func (t *taskRunner) run(ctx context.Context, source string, req webhook.TaskRequest) (delivery.Message, error) {
	done := make(chan string, 1)
	var image string
	event := &types.InboundEvent{
		Source:     source,
		SessionKey: types.SessionKey(req.SessionKey),
		UserID:     "system",
		Text:       req.Prompt,
		StartURL:   req.StartURL,
	}
	ack := t.ack
	if req.AutoAcknowledge {
		ack = safety.Allow
	}
	// OnScreenshot runs before OnComplete on the same goroutine.
	err := t.gw.HandleInbound(ctx, event,
		gateway.WithOnScreenshot(func(img string) { image = img }),
		gateway.WithOnComplete(func(response string) { done <- response }),
		gateway.WithAcknowledge(ack),
	)
	if err != nil {
		return delivery.Message{}, err
	}
	select {
	case text := <-done:
		return delivery.Message{Text: text, Image: image}, nil
	case <-ctx.Done():
		return delivery.Message{}, ctx.Err()
	}
}

// daemon is the long-running part of serve: stores, processor, gateway and
// the task runner shared by the scheduler and webhook.
type daemon struct {
	cfg    *config.Config
	logger *zap.Logger

	sessions    *state.SessionStore
	events      types.EventStore
	closeEvents func() error
	artifacts   *state.ArtifactStore
	tasks       *state.TaskStore

	metrics  *metrics.Metrics
	proc     *runtime.Processor
	gw       *gateway.Gateway
	runner   *taskRunner
	delivery *delivery.Registry
}

func newDaemon(cfg *config.Config, logger *zap.Logger, factory computer.Factory) (*daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &daemon{
		cfg:       cfg,
		logger:    logger,
		sessions:  state.NewSessionStore(cfg.DataDir),
		artifacts: state.NewArtifactStore(cfg.DataDir),
		tasks:     state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json")),
		metrics:   metrics.New(),
		delivery:  delivery.NewRegistry(),
	}
	var err error
	d.events, d.closeEvents, err = openEventStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	provider, err := newRegistry(cfg, d.metrics).Resolve(cfg.Model)
	if err != nil {
		d.closeEvents()
		return nil, err
	}
	engine, err := ctxengine.New(cfg.Model, cfg.Context.MaxContextTokens, cfg.Context.OutputReserve)
	if err != nil {
		d.closeEvents()
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	prompt, err := ctxengine.LoadPrompt(cfg.Context.SystemPromptPath, ctxengine.DefaultPrompt)
	if err != nil {
		d.closeEvents()
		return nil, err
	}

	gate := safety.NewGate(logger)
	gate.OnDecision = d.metrics.ObserveSafety

	d.proc = runtime.NewProcessor(runtime.ProcessorConfig{
		Turn: runtime.Config{
			Model:        cfg.Model,
			MaxTokens:    maxTokens(cfg, cfg.Model),
			MaxRounds:    cfg.MaxRounds,
			StopOnDenial: cfg.Safety.StopOnDenial,
		},
		Prompt:          prompt,
		StartURL:        cfg.Computer.StartURL,
		SaveScreenshots: cfg.Storage.SaveScreenshots,
		HistoryLimit:    cfg.Storage.HistoryLimit,
	}, runtime.ProcessorDeps{
		Provider:   provider,
		Factory:    factory,
		Sessions:   d.sessions,
		Events:     d.events,
		Artifacts:  d.artifacts,
		Engine:     engine,
		Guard:      urlguard.New(cfg.Safety.BlockedDomains),
		Gate:       gate,
		Dispatcher: dispatch.New(logger, cfg.Computer.PageText),
		Retry:      gateway.DefaultRetryPolicy(),
		Metrics:    d.metrics,
		Logger:     logger,
	})

	d.gw = gateway.New(d.sessions, logger, int64(cfg.MaxConcurrent))
	d.gw.Model = cfg.Model
	d.gw.Queue.SetProcessor(d.proc.ProcessRun)

	// Unattended runs have nobody to ask.
	d.runner = &taskRunner{gw: d.gw, ack: safety.Deny}
	if cfg.Safety.AutoAcknowledge {
		d.runner.ack = safety.Allow
	}
	d.delivery.Register("", delivery.LogHandler(logger))
	return d, nil
}

// close stops the queue, then releases the computers and the event store.
func (d *daemon) close() {
	d.gw.Stop()
	if err := d.proc.Close(); err != nil {
		d.logger.Warn("close computers", zap.Error(err))
	}
	if err := d.closeEvents(); err != nil {
		d.logger.Warn("close event store", zap.Error(err))
	}
}

// runScheduled runs a fired task and delivers the outcome to its session.
func (d *daemon) runScheduled(ctx context.Context) scheduler.Handler {
	return func(task state.Task) {
		msg, err := d.runTask(ctx, "cron", taskRequest(task))
		if err != nil {
			d.logger.Error("cron task failed", zap.String("task", task.Name), zap.Error(err))
			return
		}
		if msg.Empty() {
			return
		}
		if err := d.delivery.Deliver(task.SessionKey, msg); err != nil {
			d.logger.Error("cron delivery failed", zap.String("task", task.Name), zap.Error(err))
		}
	}
}

func taskRequest(task state.Task) webhook.TaskRequest {
	return webhook.TaskRequest{
		Task:            task.Name,
		SessionKey:      task.SessionKey,
		Prompt:          task.Prompt,
		StartURL:        task.StartURL,
		AutoAcknowledge: task.AutoAcknowledge,
	}
}

// runTask runs req and, for stored tasks, records how the run ended.
func (d *daemon) runTask(ctx context.Context, source string, req webhook.TaskRequest) (delivery.Message, error) {
	started := time.Now()
	msg, err := d.runner.run(ctx, source, req)
	if req.Task != "" {
		if rerr := d.tasks.RecordRun(req.Task, started, err); rerr != nil {
			d.logger.Warn("record task run", zap.String("task", req.Task), zap.Error(rerr))
		}
	}
	return msg, err
}

// httpHandler serves the webhook endpoints, the debug API and /metrics.
func (d *daemon) httpHandler() http.Handler {
	handler := func(r *http.Request, req webhook.TaskRequest) (string, error) {
		msg, err := d.runTask(r.Context(), "webhook", req)
		return msg.Text, err
	}
	return webhook.NewServer(d.tasks, handler, d.sessions, d.events, d.artifacts,
		webhook.WithMetrics(d.metrics.Handler()),
		webhook.WithLogger(d.logger),
	)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)
	defer observability.Sync(logger)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	factory, err := computerFactory(cfg.Computer, urlguard.New(cfg.Safety.BlockedDomains), logger)
	if err != nil {
		return err
	}
	d, err := newDaemon(cfg, logger, factory)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.gw.Start(ctx)
	defer d.close()

	logger.Info("cua started",
		zap.String("data_dir", cfg.DataDir),
		zap.String("model", cfg.Model),
		zap.String("computer", cfg.Computer.Backend),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("max_concurrent", cfg.MaxConcurrent),
		zap.Int("max_rounds", cfg.MaxRounds),
		zap.String("pid_file", pidPath),
	)

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, d.gw, d.events, d.sessions, d.proc, telegram.Options{
			AllowedUsers: cfg.Telegram.AllowedUsers,
			AckTimeout:   time.Duration(cfg.Safety.AckTimeoutSeconds) * time.Second,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		go adapter.Start(ctx)
		logger.Info("telegram adapter started")
		d.delivery.Register("telegram:", adapter.Deliver)
	} else {
		logger.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(d.tasks, d.runScheduled(ctx), logger)
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if cfg.HTTP.Addr != "" {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           d.httpHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.String("addr", cfg.HTTP.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	if sig == syscall.SIGHUP {
		logger.Info("received SIGHUP, restarting")
		return errRestart
	}
	logger.Info("shutting down", zap.Stringer("signal", sig))
	return nil
}
