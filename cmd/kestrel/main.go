// Kestrel - Batch fraud scoring for transaction streams.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

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

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/checker"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "scan":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: kestrel scan <transactions.csv> [report.txt]")
			os.Exit(2)
		}
		outPath := ""
		if len(os.Args) > 3 {
			outPath = os.Args[3]
		}
		if err := runScan(cfg, os.Args[2], outPath); err != nil {
			slog.Error("scan failed", "error", err)
			os.Exit(1)
		}
	case "serve":
		if err := runServe(cfg); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: kestrel <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  scan <csv> [out]  load a transaction CSV, run all checkers, write a report")
	fmt.Fprintln(os.Stderr, "  serve             start the HTTP scoring API")
	fmt.Fprintln(os.Stderr, "  version           print version information")
}

// loadConfig builds the runtime configuration from defaults plus
// KESTREL_* environment overrides.
func loadConfig() *domain.Config {
	cfg := domain.DefaultConfig()

	if v := os.Getenv("KESTREL_DB_DRIVER"); v != "" {
		cfg.Repository.Driver = v
	}
	if v := os.Getenv("KESTREL_SQLITE_PATH"); v != "" {
		cfg.Repository.SQLitePath = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_HOST"); v != "" {
		cfg.Repository.PostgresHost = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Repository.PostgresPort = port
		}
	}
	if v := os.Getenv("KESTREL_POSTGRES_USER"); v != "" {
		cfg.Repository.PostgresUser = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_PASSWORD"); v != "" {
		cfg.Repository.PostgresPassword = v
	}
	if v := os.Getenv("KESTREL_POSTGRES_DB"); v != "" {
		cfg.Repository.PostgresDB = v
	}
	if v := os.Getenv("KESTREL_CACHE"); v != "" {
		cfg.Cache.Type = v
	}
	if v := os.Getenv("KESTREL_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("KESTREL_BUS"); v != "" {
		cfg.EventBus.Type = v
	}
	if v := os.Getenv("KESTREL_NATS_URL"); v != "" {
		cfg.EventBus.NATSUrl = v
	}
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("KESTREL_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.MaxWorkers = n
		}
	}
	return cfg
}

// buildEngine wires the store, bus and default checker set into an engine.
// The model checker is only attached when an Anthropic API key is present.
func buildEngine(cfg *domain.Config, store domain.Store, busImpl domain.EventBus, cacheImpl domain.Cache) (*engine.Engine, error) {
	eng, err := engine.New(engine.Config{
		Store:      store,
		Relation:   cfg.Pipeline.Relation,
		Bus:        busImpl,
		MaxWorkers: cfg.Pipeline.MaxWorkers,
	})
	if err != nil {
		return nil, err
	}

	checkers := []checker.Checker{
		checker.NewVelocityChecker(),
		checker.NewMerchantRepetitionChecker(),
		checker.NewMerchantDiversityChecker(),
		checker.NewHighValueAnomalyChecker(),
		checker.NewNighttimeChecker(),
		checker.NewUnusualMerchantChecker(),
	}

	if apiKey := os.Getenv("KESTREL_ANTHROPIC_API_KEY"); apiKey != "" {
		client, err := inference.NewAnthropicClient(inference.Config{
			APIKey: apiKey,
			Model:  os.Getenv("KESTREL_ANTHROPIC_MODEL"),
		})
		if err != nil {
			return nil, err
		}
		checkers = append(checkers, checker.NewModelChecker("ModelChecker", client, cacheImpl, slog.Default()))
		slog.Info("model checker enabled")
	}

	eng.Configure(checkers)
	slog.Info("engine configured", "checkers", len(checkers))
	return eng, nil
}

// runScan loads a CSV into the store, runs the full checker set over it and
// writes a plain-text report to outPath, or stdout when outPath is empty.
func runScan(cfg *domain.Config, csvPath, outPath string) error {
	ctx := context.Background()

	store, err := repository.New(cfg.Repository)
	if err != nil {
		return err
	}
	defer store.Close()

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return err
	}
	defer cacheImpl.Close()

	eng, err := buildEngine(cfg, store, nil, cacheImpl)
	if err != nil {
		return err
	}

	// Each scan scores exactly the loaded file. Leftover rows from earlier
	// scans would skew lifetime counts and window baselines.
	if err := store.TruncateRelation(ctx, cfg.Pipeline.Relation); err != nil {
		return err
	}

	count, err := store.LoadCSV(ctx, csvPath, cfg.Pipeline.Relation)
	if err != nil {
		return err
	}
	slog.Info("transactions loaded", "path", csvPath, "count", count)

	txns, err := store.ListTransactions(ctx, cfg.Pipeline.Relation)
	if err != nil {
		return err
	}

	flags, err := eng.Execute(ctx, txns)
	if err != nil {
		return err
	}

	if outPath != "" {
		if err := report.WriteFile(outPath, flags); err != nil {
			return err
		}
		slog.Info("report written", "path", outPath, "flags", len(flags))
		return nil
	}
	return report.Write(os.Stdout, flags)
}

// runServe starts the HTTP scoring API and blocks until a shutdown signal.
func runServe(cfg *domain.Config) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	store, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer store.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	eng, err := buildEngine(cfg, store, busImpl, cacheImpl)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	srv := api.NewServer(cfg.Server, eng, store, cfg.Pipeline.Relation, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}
