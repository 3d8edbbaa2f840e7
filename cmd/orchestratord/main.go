// Command orchestratord runs the orchestration kernel's control plane: the
// Task State Machine, Worker Capability Registry, Task Snapshot Store,
// Worker Pool Supervisor, and Arbitration Coordinator, exposed over HTTP and
// WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"orchestrator/internal/config"
	"orchestrator/internal/logging"
	"orchestrator/internal/metrics"
	"orchestrator/internal/orchestrator"
	"orchestrator/internal/registry/pgreg"
	"orchestrator/internal/registry/redisreg"
	"orchestrator/internal/snapshot/postgres"
	"orchestrator/internal/telemetry"
	"orchestrator/internal/transport/httpapi"
	"orchestrator/internal/transport/wsnotify"
	"orchestrator/internal/verify"
	"orchestrator/internal/verify/llmverify"

	"database/sql"

	"github.com/jmoiron/sqlx"
	redislib "github.com/redis/go-redis/v9"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	configPath      string
	enableMetrics   bool
	metricsPort     int
	anthropicAPIKey string
	otlpEndpoint    string
)

func main() {
	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Run the multi-agent task orchestration control plane",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")
	root.Flags().BoolVar(&enableMetrics, "metrics", false, "Expose Prometheus metrics")
	root.Flags().IntVar(&metricsPort, "metrics-port", 9090, "Port for the Prometheus scrape endpoint")
	root.Flags().StringVar(&anthropicAPIKey, "anthropic-api-key", "", "API key for the Anthropic-backed verifier (optional)")
	root.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "", "OTLP/HTTP collector endpoint for verification/arbitration spans (optional)")
	_ = viper.BindPFlag("config", root.Flags().Lookup("config"))
	root.AddCommand(newConfigInitCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := logging.NewComponentLogger("orchestratord", slog.LevelInfo)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	metricsCollector, err := metrics.New(metrics.Config{Enabled: enableMetrics, PrometheusPort: metricsPort})
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(cmd.Context(), otlpEndpoint)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var verifier verify.Verifier = verify.NoopVerifier{}
	if anthropicAPIKey != "" {
		verifier = verify.WithTimeout(llmverify.New(llmverify.Config{APIKey: anthropicAPIKey}), 10*time.Second)
	}

	deps := orchestrator.Dependencies{Verifier: verifier, Metrics: metricsCollector, Now: time.Now}

	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		if err := pgreg.Migrate(db); err != nil {
			return fmt.Errorf("migrate worker capabilities: %w", err)
		}
		if err := postgres.Migrate(db); err != nil {
			return fmt.Errorf("migrate task snapshots: %w", err)
		}
		sqlxDB := sqlx.NewDb(db, "pgx")
		deps.WorkerRepository = pgreg.New(sqlxDB)
		deps.SnapshotRepository = postgres.New(sqlxDB)
	} else if cfg.RedisAddr != "" {
		client := redislib.NewClient(&redislib.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		deps.WorkerRepository = redisreg.New(client, time.Duration(cfg.Registry.DefaultStaleThresholdMs)*time.Millisecond)
	}

	orchCfg := orchestrator.Config{
		Pool:                 cfg.PoolConfig(),
		Arbitration:          cfg.ArbitrationConfig(),
		StaleWorkerThreshold: time.Duration(cfg.Registry.DefaultStaleThresholdMs) * time.Millisecond,
		SnapshotCleanupEvery: time.Duration(cfg.Snapshot.CleanupIntervalMs) * time.Millisecond,
		RegistryCleanupEvery: time.Duration(cfg.Registry.CleanupIntervalMs) * time.Millisecond,
	}
	orch := orchestrator.New(orchCfg, deps)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	orch.Start(ctx)

	hub := wsnotify.NewHub(orch.Events(), logging.NewComponentLogger("wsnotify", slog.LevelInfo))
	defer hub.Close()

	server := httpapi.New(orch, nil, cfg.Backpressure.CooldownMs)
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: hub}

	go func() {
		logger.Info("http api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()
	go func() {
		logger.Info("websocket notifier listening", "addr", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("websocket server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = wsServer.Shutdown(shutdownCtx)
	_ = metricsCollector.Shutdown(shutdownCtx)
	return orch.Shutdown(shutdownCtx)
}

// newConfigInitCommand writes the default configuration to stdout (or a
// file via --out) as YAML, seeding a file an operator can then edit.
func newConfigInitCommand() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "config init",
		Short: "Write the default configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := yaml.Marshal(config.Default())
			if err != nil {
				return fmt.Errorf("marshal default config: %w", err)
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(out, data, 0o644)
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Write to this file instead of stdout")
	return cmd
}
