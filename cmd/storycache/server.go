package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/orbgame/storycache/internal/api"
	"github.com/orbgame/storycache/internal/config"
	"github.com/orbgame/storycache/internal/generator"
	"github.com/orbgame/storycache/internal/orchestrator"
	"github.com/orbgame/storycache/internal/ratelimit"
	"github.com/orbgame/storycache/internal/storage"
	"github.com/orbgame/storycache/internal/synthesis"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the storycache server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running storycache server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show storycache system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "storycache.pid")
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

func parseDurationOr(value string, fallback time.Duration, name string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", name, "value", value, "default", fallback)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "storycache version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Admin endpoints require a bearer token. When none is configured we
	// mint a per-process one and log it so operators can still reach them.
	apiToken := config.APIToken()
	if apiToken == "" {
		apiToken = uuid.New().String()
		slog.Info("no API token configured, minted ephemeral token", "token", apiToken)
	}

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("storycache is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("storycache is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Build the write resilience layer. All store writes share one queue
	// and, when enabled, one adaptive delay controller.
	var adaptive *ratelimit.AdaptiveDelay
	if cfg.Write.Adaptive {
		adaptive = ratelimit.NewAdaptiveDelay(time.Second)
	}

	queueDelay := parseDurationOr(cfg.Write.QueueDelay, time.Second, "write.queue_delay")
	interBatchDelay := parseDurationOr(cfg.Write.InterBatchDelay, 2*time.Second, "write.inter_batch_delay")

	queueOpts := []ratelimit.QueueOption{}
	if adaptive != nil {
		queueOpts = append(queueOpts, ratelimit.WithQueueAdaptive(adaptive))
	}
	queue := ratelimit.NewQueue(cfg.Write.QueueConcurrency, queueDelay, queueOpts...)

	// Story generation client.
	gen := generator.NewClient(cfg.Generator.APIKey, cfg.Generator.BaseURL, cfg.Generator.RequestsPerMinute)

	// Audio narration is optional: without a synthesis key stories are
	// served text-only.
	var audio orchestrator.Attacher
	if cfg.Synthesis.APIKey != "" {
		synthClient := synthesis.NewClient(cfg.Synthesis.APIKey, cfg.Synthesis.BaseURL, cfg.Synthesis.Deployment)
		writerOpts := []ratelimit.WriterOption{
			ratelimit.WithMaxRetries(3),
			ratelimit.WithBackoff(time.Second, 5*time.Second),
		}
		if adaptive != nil {
			writerOpts = append(writerOpts, ratelimit.WithAdaptive(adaptive))
		}
		audio = synthesis.NewAttacher(synthClient, store, ratelimit.NewWriter(writerOpts...), cfg.Synthesis.Voice)
		slog.Info("audio synthesis enabled", "voice", cfg.Synthesis.Voice)
	} else {
		slog.Info("audio synthesis disabled (no synthesis API key)")
	}

	orch := orchestrator.New(store, gen, audio, queue, orchestrator.Options{
		SingleFlight:         cfg.Orchestrator.SingleFlight,
		SynthesisParallelism: cfg.Orchestrator.SynthesisParallelism,
		BatchSize:            cfg.Write.BatchSize,
		InterBatchDelay:      interBatchDelay,
		Adaptive:             adaptive,
	})

	handler := api.NewHandler(api.Deps{
		Store:        store,
		Provider:     orch,
		Token:        apiToken,
		DefaultModel: cfg.Generator.DefaultModel,
		DefaultVoice: cfg.Synthesis.Voice,
		DefaultCount: cfg.Orchestrator.DefaultCount,
		MaxCount:     cfg.Orchestrator.MaxCount,
		StoryTTL:     time.Duration(cfg.Storage.StoryTTLDays) * 24 * time.Hour,
		AudioTTL:     time.Duration(cfg.Storage.AudioTTLDays) * 24 * time.Hour,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:        store,
		Provider:     orch,
		DefaultModel: cfg.Generator.DefaultModel,
		DefaultCount: cfg.Orchestrator.DefaultCount,
		MaxCount:     cfg.Orchestrator.MaxCount,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "storycache listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
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
		printError("storycache is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop storycache (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to storycache (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Generation model", "%s", cfg.Generator.DefaultModel)
	if cfg.Synthesis.APIKey != "" {
		printStatus("Narration", "enabled (voice %s)", cfg.Synthesis.Voice)
	} else {
		printStatus("Narration", "disabled")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
