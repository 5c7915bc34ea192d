package main

import (
	"context"
	"encoding/json"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/flint/internal/api"
	"github.com/kalambet/flint/internal/checks"
	"github.com/kalambet/flint/internal/cleanup"
	"github.com/kalambet/flint/internal/config"
	"github.com/kalambet/flint/internal/filter"
	"github.com/kalambet/flint/internal/invoice"
	"github.com/kalambet/flint/internal/metrics"
	"github.com/kalambet/flint/internal/pipeline"
	"github.com/kalambet/flint/internal/plan"
	"github.com/kalambet/flint/internal/storage"
	"github.com/kalambet/flint/internal/tempstore"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the flint server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running flint server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show flint system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "flint.pid")
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

func runServer() error {
	fmt.Fprintf(os.Stderr, "flint version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	// Refuse to double-start: probe the health endpoint before taking the
	// PID file, so a stale file never blocks a restart.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("flint is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("flint is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the attestation archive and durable cleanup ledger.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Temp store for in-flight validation data. Closed explicitly after
	// shutdown so sensitive categories are purged once the final cleanup
	// pass has run.
	temps := tempstore.New(tempstore.Options{DefaultTTL: cfg.Storage.TempTTL()})
	queue := cleanup.NewDurableQueue(store, cleanup.LogAlert(slog.Warn))

	// Register the built-in validation filters.
	registry := filter.NewRegistry()
	if err := checks.RegisterAll(registry, temps); err != nil {
		return fmt.Errorf("registering filters: %w", err)
	}

	// Resolve the server's default execution plan.
	defaultPlan, err := loadDefaultPlan(cfg.Engine.PlanPath, registry)
	if err != nil {
		return err
	}
	slog.Info("default plan loaded", "plan_id", defaultPlan.ID, "version", defaultPlan.Version)

	var maskPolicy invoice.MaskPolicy
	if !cfg.Engine.MaskSummaries {
		maskPolicy = invoice.ClearMaskPolicy()
	}

	// Build the engine with logging and Prometheus hooks side by side.
	mets := metrics.New()
	eng := pipeline.New(registry, temps, queue, pipeline.Options{
		Hooks: pipeline.MultiHooks{
			pipeline.SlogHooks{},
			metrics.NewPipelineHooks(mets),
		},
		MaxParallelism: cfg.Engine.MaxParallelism,
		StepTimeout:    cfg.Engine.StepTimeout(),
		RunTimeout:     cfg.Engine.RunTimeout(),
		MaskPolicy:     maskPolicy,
		KernelVersion:  version,
	})

	appHandler := api.NewAppHandler(api.AppDeps{
		Engine:      eng,
		Store:       store,
		Queue:       queue,
		Token:       cfg.Server.APIToken,
		DefaultPlan: &defaultPlan,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: appHandler,
	}

	// Start the cleanup retry worker and the temp store sweeper.
	worker := cleanup.NewWorker(queue, temps, cfg.Cleanup.PollInterval())
	go worker.Run(ctx)
	sweeper := tempstore.NewSweeper(temps, cfg.Cleanup.SweepInterval())
	go sweeper.Run(ctx)

	// Publish cleanup queue depth on the worker's cadence.
	go func() {
		ticker := time.NewTicker(cfg.Cleanup.PollInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mets.SetCleanupPending(queue.Len())
			}
		}
	}()

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Engine:      eng,
		Store:       store,
		DefaultPlan: &defaultPlan,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "flint listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Block until a shutdown signal lands or the listener dies.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Drain in-flight requests before touching the temp store: a run still
	// executing must see its keys alive until its own cleanup finishes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// Final cleanup pass while the temp store still accepts deletes, then
	// purge whatever sensitive data remains.
	if res, err := queue.Process(shutdownCtx, temps); err != nil {
		slog.Warn("final cleanup pass incomplete", "error", err)
	} else if res.Processed > 0 {
		slog.Info("final cleanup pass",
			"processed", res.Processed, "succeeded", res.Succeeded, "abandoned", res.Abandoned)
	}
	return temps.Close()
}

// loadDefaultPlan resolves the plan used when a validation request names none:
// the file at path when set, otherwise the built-in standard plan.
func loadDefaultPlan(path string, registry *filter.Registry) (plan.ExecutionPlan, error) {
	if path == "" {
		return checks.DefaultPlan(), nil
	}
	p, err := plan.Load(path)
	if err != nil {
		return plan.ExecutionPlan{}, fmt.Errorf("loading default plan: %w", err)
	}
	if err := plan.Validate(p, registry.Has); err != nil {
		return plan.ExecutionPlan{}, fmt.Errorf("default plan %s: %w", path, err)
	}
	return p, nil
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
		printError("flint is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop flint (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to flint (PID %d)", pid)
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

	if cfg.Engine.PlanPath != "" {
		printStatus("Default plan", "%s", cfg.Engine.PlanPath)
	} else {
		printStatus("Default plan", "standard (built-in)")
	}
	printStatus("Max parallelism", "%d", cfg.Engine.MaxParallelism)
	printStatus("Step timeout", "%s", cfg.Engine.StepTimeout())

	// Show attestation and cleanup counts if the server is running.
	if resp != nil && resp.StatusCode == 200 {
		attResp, err := apiGet(client, serverURL+"/v1/attestations?limit=100", cfg.Server.APIToken)
		if err == nil {
			var atts []json.RawMessage
			if json.NewDecoder(attResp.Body).Decode(&atts) == nil {
				printStatus("Attestations", "%s", countLabel(len(atts), 100))
			}
			attResp.Body.Close()
		}
		pendResp, err2 := apiGet(client, serverURL+"/v1/cleanup/pending", cfg.Server.APIToken)
		if err2 == nil {
			var pending []json.RawMessage
			if json.NewDecoder(pendResp.Body).Decode(&pending) == nil {
				printStatus("Cleanup backlog", "%d", len(pending))
			}
			pendResp.Body.Close()
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func countLabel(count, limit int) string {
	if count >= limit {
		return fmt.Sprintf("%d+", count)
	}
	return fmt.Sprintf("%d", count)
}

func apiGet(client *http.Client, url, token string) (*http.Response, error) {
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
