// APEX - rules and data-enrichment engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/apexrules/apex/internal/api"
	"github.com/apexrules/apex/internal/bus"
	"github.com/apexrules/apex/internal/cache"
	"github.com/apexrules/apex/internal/config"
	"github.com/apexrules/apex/internal/domain"
	"github.com/apexrules/apex/internal/engine"
	"github.com/apexrules/apex/internal/repository"
	"github.com/apexrules/apex/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("APEX_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting apex",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()
	if os.Getenv("APEX_MODE") == "distributed" {
		cfg = domain.DistributedConfig()
		slog.Info("running in distributed mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Engine
	eng, err := engine.New(cfg.Engine, cacheImpl, logger)
	if err != nil {
		slog.Error("failed to initialize engine", "error", err)
		os.Exit(1)
	}

	// Load declarative configuration from file, if provided
	if path := os.Getenv("APEX_CONFIG"); path != "" {
		if err := config.LoadAndApply(path, eng); err != nil {
			slog.Error("failed to load configuration file", "path", path, "error", err)
			os.Exit(1)
		}
		slog.Info("configuration file loaded", "path", path)
	}

	// Load persisted configuration from database
	if err := loadFromDatabase(ctx, repo, eng); err != nil {
		slog.Error("failed to load configuration from database", "error", err)
		os.Exit(1)
	}
	slog.Info("engine ready",
		"rules", len(eng.Rules()),
		"enrichments", len(eng.Enrichments()),
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if os.Getenv("APEX_ASYNC_WORKER") != "false" {
		asyncWorker = worker.NewWorker(busImpl, repo, eng)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, busImpl, eng, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("apex is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("apex shutdown complete")
}

// applyEnvOverrides lets single settings be tuned without a full
// distributed profile.
func applyEnvOverrides(cfg *domain.Config) {
	if v := os.Getenv("APEX_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APEX_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("APEX_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("APEX_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("APEX_RECOVERY_STRATEGY"); v != "" {
		cfg.Engine.RecoveryStrategy = domain.RecoveryStrategy(v)
	}
	if v := os.Getenv("APEX_FAILURE_POLICY"); v != "" {
		cfg.Engine.FailurePolicy = domain.FailurePolicy(v)
	}
}

// loadFromDatabase loads persisted rules, enrichments and datasets into
// the engine. An empty database is fine; configure via the API.
func loadFromDatabase(ctx context.Context, repo domain.Repository, eng *engine.Engine) error {
	rules, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}
	if len(rules) > 0 {
		if err := eng.LoadRules(rules); err != nil {
			return err
		}
		slog.Info("rules loaded from database", "count", len(rules))
	}

	datasets, err := repo.ListDatasets(ctx)
	if err == nil {
		for _, ds := range datasets {
			if err := eng.Lookups().RegisterDataset(ds); err != nil {
				return err
			}
		}
		if len(datasets) > 0 {
			slog.Info("datasets loaded from database", "count", len(datasets))
		}
	}

	enrichments, err := repo.ListEnrichments(ctx)
	if err == nil && len(enrichments) > 0 {
		if err := eng.LoadEnrichments(enrichments); err != nil {
			return err
		}
		slog.Info("enrichments loaded from database", "count", len(enrichments))
	}

	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║                 APEX                      ║")
	fmt.Println("  ║      Rules & Enrichment Engine            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate          - Evaluate a rule or group")
	fmt.Println("    POST /enrich            - Run the enrichment pipeline")
	fmt.Println("    GET  /evaluations/{id}  - Get evaluation by ID")
	fmt.Println("    GET  /rules             - List all rules")
	fmt.Println("    POST /rules             - Create a new rule")
	fmt.Println("    POST /rules/reload      - Hot-reload rules from database")
	fmt.Println("    GET  /enrichments       - List all enrichments")
	fmt.Println("    POST /enrichments       - Create a new enrichment")
	fmt.Println("    GET  /datasets          - List lookup datasets")
	fmt.Println("    POST /datasets          - Create a lookup dataset")
	fmt.Println("    GET  /metrics           - Performance snapshots")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
