package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/attache/internal/agent"
	"github.com/kalambet/attache/internal/api"
	"github.com/kalambet/attache/internal/capability"
	"github.com/kalambet/attache/internal/config"
	"github.com/kalambet/attache/internal/ingest"
	"github.com/kalambet/attache/internal/instruction"
	"github.com/kalambet/attache/internal/llm"
	"github.com/kalambet/attache/internal/metrics"
	"github.com/kalambet/attache/internal/notify"
	"github.com/kalambet/attache/internal/ollama"
	"github.com/kalambet/attache/internal/orchestrator"
	"github.com/kalambet/attache/internal/retrieval"
	"github.com/kalambet/attache/internal/storage"
	"github.com/kalambet/attache/internal/task"
	"github.com/kalambet/attache/internal/telemetry"
	"github.com/kalambet/attache/internal/tools"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the attache server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running attache server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show attache system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "attache.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level, format string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: l}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
}

// app holds the wired components shared by `start` and `mcp`.
type app struct {
	cfg          config.Config
	store        *storage.Store
	broker       *notify.Broker
	metrics      *metrics.Metrics
	tasks        *task.Store
	instructions *instruction.Store
	index        *retrieval.Index
	registry     *tools.Registry
	chat         *agent.Chat
	events       *capability.StoredEvents
	driver       *orchestrator.Driver
	worker       *ingest.Worker
	shutdown     telemetry.Shutdown
}

func buildApp(ctx context.Context, cfg config.Config, progress io.Writer) (*app, error) {
	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  "attache",
		Version:      version,
		Insecure:     cfg.Telemetry.Insecure,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	var embedder retrieval.Embedder
	switch cfg.Embedder.Provider {
	case "openai":
		embedder = retrieval.NewOpenAIEmbedder(cfg.Embedder.BaseURL, cfg.LLM.APIKey, cfg.Embedder.Model)
	default:
		oc := ollama.New(cfg.Embedder.BaseURL, cfg.Embedder.Model)
		if err := ollama.EnsureReady(ctx, oc, progress); err != nil {
			shutdown(ctx)
			return nil, err
		}
		embedder = oc
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		shutdown(ctx)
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	m := metrics.New()
	broker := notify.NewBroker()
	tasks := task.NewStore(store, task.WithStrictTransitions(cfg.Tasks.StrictTransitions))
	instructions := instruction.NewStore(store)
	index := retrieval.NewIndex(embedder, retrieval.NewChunkStore(store.DB()),
		retrieval.WithANNThreshold(cfg.Retrieval.ANNThreshold),
		retrieval.WithObserver(m),
	)
	stored := capability.NewStoredEvents(store)

	var (
		caps   capability.Set
		events capability.Events = stored
	)
	if cfg.Capabilities.BaseURL != "" {
		bridge := capability.NewBridge(cfg.Capabilities.BaseURL, cfg.Capabilities.Token)
		caps = bridge.Set()
		events = capability.MergedEvents{bridge, stored}
	} else {
		slog.Warn("capabilities.base_url not set; mail, calendar and crm tools will report not configured")
	}

	all := tools.TaskTools(tasks)
	all = append(all, tools.SearchTool(index, float32(cfg.Retrieval.MinSimilarity)))
	all = append(all, tools.CapabilityTools(caps)...)
	registry := tools.NewRegistry(all...)
	registry.SetObserver(m)

	gateway := llm.NewOpenAIGateway(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Referer: "https://github.com/kalambet/attache",
		Title:   "attache",
		Timeout: cfg.LLMTimeout(),
	})
	gateway.SetObserver(m)

	runner := agent.NewRunner(gateway, cfg.LLM.Model,
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithPublisher(broker),
		agent.WithObserver(m),
	)
	chat := agent.NewChat(runner, store, index, registry, broker, agent.ChatConfig{
		TopK:          cfg.Retrieval.TopK,
		MinSimilarity: float32(cfg.Retrieval.MinSimilarity),
		HistoryWindow: cfg.Retrieval.HistoryWindow,
		Temperature:   float32(cfg.Agent.Temperature),
	})

	driver := orchestrator.New(orchestrator.Deps{
		Runner:    runner,
		Owners:    store,
		Tasks:     tasks,
		Events:    events,
		Indexer:   index,
		Evaluator: instruction.NewEvaluator(runner, instructions, registry, float32(cfg.Orchestrator.Temperature)),
		Tools:     registry,
		Observer:  m,
	}, orchestrator.Config{
		Schedule:    cfg.Orchestrator.Schedule,
		EventWindow: cfg.EventWindow(),
		MaxParallel: cfg.Orchestrator.MaxParallel,
		Temperature: float32(cfg.Orchestrator.Temperature),
	})

	return &app{
		cfg:          cfg,
		store:        store,
		broker:       broker,
		metrics:      m,
		tasks:        tasks,
		instructions: instructions,
		index:        index,
		registry:     registry,
		chat:         chat,
		events:       stored,
		driver:       driver,
		worker:       ingest.NewWorker(store, index, ingest.WithObserver(m)),
		shutdown:     shutdown,
	}, nil
}

// close waits for dispatched turns, then releases resources.
func (a *app) close(ctx context.Context) {
	a.chat.Wait()
	a.broker.Close()
	if err := a.shutdown(ctx); err != nil {
		slog.Warn("flushing traces", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

func (a *app) handler(token string) http.Handler {
	return api.NewHandler(api.Deps{
		Token:             token,
		Chat:              a.chat,
		History:           a.store,
		Notify:            a.broker,
		Tasks:             a.tasks,
		Instructions:      a.instructions,
		Retriever:         a.index,
		Jobs:              a.store,
		Events:            a.events,
		Links:             a.store,
		Orchestrator:      a.driver,
		MinSimilarity:     float32(a.cfg.Retrieval.MinSimilarity),
		Metrics:           a.metrics.Handler(),
		MetricsMiddleware: a.metrics.Middleware,
	})
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	// Refuse to start twice.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("attache is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("attache is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.close(closeCtx)
	}()

	go a.worker.Run(ctx)

	if cfg.Orchestrator.Enabled {
		if err := a.driver.Start(ctx); err != nil {
			return fmt.Errorf("starting orchestrator: %w", err)
		}
		slog.Info("orchestrator scheduled", "schedule", cfg.Orchestrator.Schedule)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: a.handler(apiToken),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "attache listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cfg.Orchestrator.Enabled {
		if err := a.driver.Stop(shutdownCtx); err != nil {
			slog.Warn("orchestrator did not stop cleanly", "error", err)
		}
	}
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("attache is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop attache (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to attache (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	running := false
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port))
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		running = resp.StatusCode == http.StatusOK
		if running {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Model", "%s via %s", cfg.LLM.Model, cfg.LLM.BaseURL)
	if cfg.Embedder.Provider == "ollama" {
		oc := ollama.New(cfg.Embedder.BaseURL, cfg.Embedder.Model)
		if oc.IsRunning(ctx) {
			printStatus("Embedder", "%s (ollama at %s)", cfg.Embedder.Model, cfg.Embedder.BaseURL)
		} else {
			printStatus("Embedder", "ollama not running at %s", cfg.Embedder.BaseURL)
		}
	} else {
		printStatus("Embedder", "%s (%s)", cfg.Embedder.Model, cfg.Embedder.Provider)
	}
	if cfg.Capabilities.BaseURL != "" {
		printStatus("Capabilities", "%s", cfg.Capabilities.BaseURL)
	} else {
		printStatus("Capabilities", "not configured")
	}
	if cfg.Orchestrator.Enabled {
		printStatus("Orchestrator", "%s, window %s", cfg.Orchestrator.Schedule, cfg.Orchestrator.EventWindow)
	} else {
		printStatus("Orchestrator", "disabled")
	}

	if running {
		if c, err := newAPIClient(); err == nil {
			if resp, err := c.get(ctx, "/v1/tasks?status=in_progress,waiting"); err == nil {
				var open []task.Task
				if decodeJSON(resp, &open) == nil {
					printStatus("Open tasks", "%d (owner %s)", len(open), c.owner)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
