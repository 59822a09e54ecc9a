package main

import (
	"context"
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

	"github.com/spf13/cobra"

	"github.com/averki/invopipe/internal/api"
	"github.com/averki/invopipe/internal/config"
	"github.com/averki/invopipe/internal/export"
	"github.com/averki/invopipe/internal/pipeline"
	"github.com/averki/invopipe/internal/queue"
	"github.com/averki/invopipe/internal/session"
	"github.com/averki/invopipe/internal/storage"
	"github.com/averki/invopipe/internal/webhook"
)

const sessionSweepInterval = time.Minute

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the invopipe server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running invopipe server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show invopipe system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "invopipe.pid")
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

// durationOr parses a config duration string, warning and falling back
// when it does not parse.
func durationOr(raw string, fallback time.Duration, key string) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration in config, using default", "key", key, "value", raw, "default", fallback)
		return fallback
	}
	return d
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "invopipe version %s\n", version)

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

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("invopipe is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("invopipe is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage and tune the job queue.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()
	store.SetRetryPolicy(storage.RetryPolicy{
		Base: durationOr(cfg.Queue.BackoffBase, time.Second, "queue.backoff_base"),
		Cap:  durationOr(cfg.Queue.BackoffCap, 5*time.Minute, "queue.backoff_cap"),
	})
	store.SetLease(durationOr(cfg.Queue.Lease, time.Minute, "queue.lease"))

	// Session store with background expiry sweep.
	sessions := session.NewStore(durationOr(cfg.Session.TTL, session.DefaultTTL, "session.ttl"))
	go sessions.Run(ctx, sessionSweepInterval)

	// Extraction pipeline.
	parser := pipeline.NewParser(pipeline.Options{
		BandHeight:   cfg.Parse.BandHeight,
		Tolerance:    cfg.Parse.Tolerance,
		ParseTimeout: durationOr(cfg.Parse.Timeout, pipeline.DefaultParseTimeout, "parse.timeout"),
		BatchWorkers: cfg.Parse.BatchWorkers,
	})

	// Delivery handlers.
	dispatcher := webhook.NewDispatcher(cfg.Webhook.Secret, durationOr(cfg.Webhook.Timeout, webhook.DefaultTimeout, "webhook.timeout"))
	renderer := export.NewRenderer()
	exports := export.NewHandler(filepath.Join(cfg.Storage.DataDir, "exports"))

	// Queue workers poll the same store; claims are atomic so adding
	// workers never double-delivers.
	poll := durationOr(cfg.Queue.PollInterval, 500*time.Millisecond, "queue.poll_interval")
	workers := cfg.Queue.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w := queue.NewWorker(store, []queue.Handler{dispatcher, exports}, poll)
		go w.Run(ctx)
	}
	slog.Info("delivery workers started", "count", workers, "poll_interval", poll)

	handler := api.NewAppHandler(api.AppDeps{
		Parser:             parser,
		Sessions:           sessions,
		Jobs:               store,
		Renderer:           renderer,
		Exports:            exports,
		Token:              cfg.Server.APIToken,
		WebhookMaxAttempts: cfg.Queue.WebhookMaxAttempts,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "invopipe listening on %s\n", addr)
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
		printError("invopipe is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop invopipe (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to invopipe (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if running {
		c, err := newAPIClient()
		if err == nil {
			if listResp, err := c.get(context.Background(), "/invoices"); err == nil {
				var list struct {
					Count int `json:"count"`
				}
				if decodeJSON(listResp, &list) == nil {
					printStatus("Session invoices", "%d", list.Count)
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
