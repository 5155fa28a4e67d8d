package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/annotd/internal/api"
	"github.com/kalambet/annotd/internal/assign"
	"github.com/kalambet/annotd/internal/config"
	"github.com/kalambet/annotd/internal/ingest"
	"github.com/kalambet/annotd/internal/metrics"
	"github.com/kalambet/annotd/internal/router"
	"github.com/kalambet/annotd/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the annotd server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		return runServer(withMCP)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running annotd server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show annotd server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only store and progress tools over MCP stdio",
	Long: `Serve read-only store and progress tools over MCP stdio.

The process keeps its own store binding, starting from the configured
default store. Use "annotd serve --mcp" to share bindings with the
HTTP API instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools on stdin/stdout")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "annotd.pid")
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

func setupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func defaultDescriptor(cfg config.Config) storage.StoreDescriptor {
	return storage.StoreDescriptor{
		URI:         cfg.Store.DefaultURI,
		StoreID:     cfg.Store.DefaultID,
		ContainerID: cfg.Store.DefaultContainer,
		Name:        cfg.Store.DefaultName,
	}
}

// runtime is the registry and store router shared by the HTTP server and
// the MCP tools.
type runtime struct {
	registry *storage.Store
	router   *router.Router
	metrics  metrics.Collector
	// metricsHandler is nil when metrics are disabled.
	metricsHandler http.Handler
}

func openRuntime(ctx context.Context, cfg config.Config) (*runtime, error) {
	registry, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	def := defaultDescriptor(cfg)
	if _, err := registry.EnsureStore(ctx, def); err != nil {
		registry.Close()
		return nil, fmt.Errorf("registering default store: %w", err)
	}

	rt := &runtime{registry: registry, metrics: metrics.Nop{}}
	if cfg.Metrics.Enabled {
		p := metrics.NewPrometheus("annotd")
		rt.metrics = p
		rt.metricsHandler = p.Handler()
	}

	rt.router = router.New(router.Config{
		Registry: registry,
		Default:  def,
		Metrics:  rt.metrics,
	})
	if err := rt.router.Restore(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("restoring store bindings: %w", err)
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.router != nil {
		rt.router.Close()
	}
	if err := rt.registry.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "annotd version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.APIToken(cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available", "path", filepath.Join(cfg.Storage.DataDir, "api_token"))

	// Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(serverURL(cfg) + "/health"); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("annotd is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("annotd is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()
	slog.Info("bound default store", "store", rt.router.Active().StoreID)

	engine := assign.NewEngine(assign.Config{
		Store:       rt.registry,
		Concurrency: cfg.Assign.Concurrency,
		Metrics:     rt.metrics,
	})

	handler := api.NewAppHandler(api.AppDeps{
		Registry: rt.registry,
		Router:   rt.router,
		Assign:   engine,
		Token:    apiToken,
		Metrics:  rt.metricsHandler,
	})

	addr := net.JoinHostPort(cfg.Server.Bind, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	// Start import worker.
	worker := ingest.NewWorker(rt.registry, rt.router, rt.metrics, 500*time.Millisecond)
	go worker.Run(ctx)

	if cfg.Import.Dir != "" {
		watcher := ingest.NewWatcher(cfg.Import.Dir, rt.registry, rt.router.Active)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("import watcher stopped", "dir", cfg.Import.Dir, "error", err)
			}
		}()
		slog.Info("watching import directory", "dir", cfg.Import.Dir)
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Registry: rt.registry, Router: rt.router})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "annotd listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runMCP() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	// stdout carries the protocol.
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{Registry: rt.registry, Router: rt.router})
	err = server.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
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
		printError("annotd is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop annotd (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to annotd (PID %d)", pid)
	return nil
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveStore struct {
		URI     string `json:"uri"`
		StoreID string `json:"storeId"`
		Name    string `json:"name"`
	} `json:"active_store"`
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	baseURL := serverURL(cfg)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health healthResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&health)
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
			if decodeErr == nil {
				printStatus("Active store", "%s (%s)", health.ActiveStore.StoreID, health.ActiveStore.URI)
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if apiToken, tokenErr := config.ReadAPIToken(cfg); tokenErr == nil && running {
		storesResp, err := apiGet(client, baseURL+"/stores", apiToken)
		if err == nil {
			var stores []json.RawMessage
			if json.NewDecoder(storesResp.Body).Decode(&stores) == nil {
				printStatus("Stores", "%d", len(stores))
			}
			storesResp.Body.Close()
		}
		importsResp, err := apiGet(client, baseURL+"/imports?limit=100", apiToken)
		if err == nil {
			var jobs []json.RawMessage
			if json.NewDecoder(importsResp.Body).Decode(&jobs) == nil {
				printStatus("Imports", "%s", countLabel(len(jobs), 100))
			}
			importsResp.Body.Close()
		}
	}

	printStatus("Default store", "%s", cfg.Store.DefaultID)
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
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return client.Do(req)
}
