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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/raildebug/raildbg/internal/api"
	"github.com/raildebug/raildbg/internal/config"
	"github.com/raildebug/raildbg/internal/ingest"
	"github.com/raildebug/raildbg/internal/ledger"
	"github.com/raildebug/raildbg/internal/memory"
	"github.com/raildebug/raildbg/internal/pipeline"
	"github.com/raildebug/raildbg/internal/provider"
	"github.com/raildebug/raildbg/internal/retrieval"
	"github.com/raildebug/raildbg/internal/router"
	"github.com/raildebug/raildbg/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the raildbg server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running raildbg server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show raildbg system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "raildbg.pid")
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
	fmt.Fprintf(os.Stderr, "raildbg version %s\n", version)

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
			printWarning("raildbg is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("raildbg is already running on port %d", cfg.Server.Port)
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

	mem := memory.New(store)
	led := ledger.New(store, map[string]ledger.Limits{
		"free": {Daily: cfg.Quota.FreeDaily, Monthly: cfg.Quota.FreeMonthly},
		"dev":  {Daily: cfg.Quota.DevDaily, Monthly: cfg.Quota.DevMonthly},
		"team": {},
	})

	rt, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	// Retrieval index is optional; without it analyses run on the traceback
	// and memory alone.
	var (
		retriever retrieval.Retriever
		ingestor  *ingest.Ingestor
	)
	if cfg.Retrieval.WeaviateURL != "" {
		client, err := retrieval.NewClient(cfg.Retrieval.WeaviateURL, cfg.Retrieval.WeaviateAPIKey)
		if err != nil {
			return fmt.Errorf("connecting to weaviate: %w", err)
		}
		retrievalTimeout, _ := time.ParseDuration(cfg.Retrieval.Timeout)
		retriever = retrieval.NewWeaviateRetriever(client,
			retrieval.WithCollection(cfg.Retrieval.Collection),
			retrieval.WithTimeout(retrievalTimeout),
			retrieval.WithByteBudget(cfg.Retrieval.ByteBudget),
		)
		ingestor = ingest.New(client, cfg.Retrieval.Collection)
		slog.Info("retrieval index configured",
			"url", cfg.Retrieval.WeaviateURL, "collection", cfg.Retrieval.Collection)
	} else {
		slog.Info("no retrieval index configured, analyses run without documentation context")
	}

	pipe := pipeline.New(retriever, mem, led, rt, cfg.Retrieval.TopK)

	handler := api.NewHandler(api.Deps{
		Pipeline:   pipe,
		Memory:     mem,
		Ingestor:   ingestor,
		Token:      cfg.API.Token,
		Version:    version,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// MCP server over stdio, for agent clients launched alongside.
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Pipeline: pipe,
		Memory:   mem,
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
		fmt.Fprintf(os.Stderr, "raildbg listening on %s\n", addr)
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

// buildRouter assembles the tier ladder from whatever providers have
// credentials. Tier 1 always exists; LLM tiers appear only when their API key
// is configured, and the router skips absent tiers.
func buildRouter(cfg config.Config) (*router.Router, error) {
	timeout, err := time.ParseDuration(cfg.Providers.Timeout)
	if err != nil {
		return nil, fmt.Errorf("invalid provider timeout: %w", err)
	}

	providers := map[router.Tier]provider.Provider{
		router.TierRegex: provider.NewPatternMatcher(),
	}
	if cfg.Providers.XAIAPIKey != "" {
		providers[router.TierFast] = provider.NewGrokProvider(
			cfg.Providers.XAIAPIKey, cfg.Providers.XAIBaseURL, cfg.Providers.GrokModel, timeout)
	}
	if cfg.Providers.AnthropicAPIKey != "" {
		providers[router.TierMid] = provider.NewClaudeProvider(
			cfg.Providers.AnthropicAPIKey, cfg.Providers.HaikuModel, "haiku", false, timeout)
		providers[router.TierDeep] = provider.NewClaudeProvider(
			cfg.Providers.AnthropicAPIKey, cfg.Providers.SonnetModel, "sonnet", true, timeout)
	}

	for tier := router.TierFast; tier <= router.TierDeep; tier++ {
		if _, ok := providers[tier]; !ok {
			slog.Warn("analysis tier unavailable, no API key configured", "tier", int(tier))
		}
	}

	thresholds := map[router.Tier]float64{
		router.TierRegex: cfg.Router.RegexThreshold,
		router.TierFast:  cfg.Router.FastThreshold,
		router.TierMid:   cfg.Router.MidThreshold,
		router.TierDeep:  cfg.Router.DeepThreshold,
	}
	return router.New(providers, thresholds), nil
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
		printError("raildbg is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop raildbg (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to raildbg (PID %d)", pid)
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

	// Show which analysis tiers are configured.
	printStatus("Tier 1", "regex matcher (always on)")
	printStatus("Tier 2", "%s", tierLabel(cfg.Providers.XAIAPIKey, cfg.Providers.GrokModel))
	printStatus("Tier 3", "%s", tierLabel(cfg.Providers.AnthropicAPIKey, cfg.Providers.HaikuModel))
	printStatus("Tier 4", "%s", tierLabel(cfg.Providers.AnthropicAPIKey, cfg.Providers.SonnetModel))

	if cfg.Retrieval.WeaviateURL != "" {
		printStatus("Retrieval", "%s (collection %s)", cfg.Retrieval.WeaviateURL, cfg.Retrieval.Collection)
	} else {
		printStatus("Retrieval", "not configured")
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func tierLabel(apiKey, model string) string {
	if apiKey == "" {
		return "not configured (no API key)"
	}
	return model
}
