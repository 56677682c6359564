// Package main provides the bookmind worker entry point.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm/logger"

	"github.com/thebtf/bookmind/internal/config"
	gormdb "github.com/thebtf/bookmind/internal/db/gorm"
	"github.com/thebtf/bookmind/internal/oracle"
	"github.com/thebtf/bookmind/internal/worker"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	dataDir := flag.String("data-dir", "", "Data directory (default: ~/.bookmind)")
	port := flag.Int("port", 0, "HTTP port (overrides BOOKMIND_WORKER_PORT)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := config.EnsureAll(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ensure data directory")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load config, using defaults")
		cfg = config.Default()
	}
	if *port > 0 {
		cfg.WorkerPort = *port
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	gormLevel := logger.Silent
	if *debug {
		level = zerolog.DebugLevel
		gormLevel = logger.Warn
	}
	zerolog.SetGlobalLevel(level)

	dbPath := config.DBPath()
	modelsPath := config.ModelsPath()
	if *dataDir != "" {
		if err := os.MkdirAll(*dataDir, 0750); err != nil {
			log.Fatal().Err(err).Str("dir", *dataDir).Msg("Failed to create data directory")
		}
		dbPath = filepath.Join(*dataDir, "bookmind.db")
		modelsPath = filepath.Join(*dataDir, "models.yaml")
	}

	store, err := gormdb.NewStore(gormdb.Config{
		Driver:   cfg.DBDriver,
		Path:     dbPath,
		DSN:      cfg.DBDSN,
		MaxConns: cfg.MaxConns,
		LogLevel: gormLevel,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer store.Close()

	profiles, err := oracle.LoadProfiles(modelsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", modelsPath).Msg("Failed to load model profiles")
	}

	if cfg.OracleAPIKey == "" {
		log.Warn().Msg("BOOKMIND_ORACLE_API_KEY is not set, oracle calls will fail")
	}
	harness := oracle.NewHarness(
		oracle.NewClient(oracle.ClientConfig{
			BaseURL: cfg.OracleBaseURL,
			APIKey:  cfg.OracleAPIKey,
			Timeout: cfg.OracleTimeout(),
		}),
		oracle.HarnessConfig{
			DefaultBackoff:    cfg.QuotaBackoff(),
			MaxBackoff:        cfg.QuotaBackoffCap(),
			PromptTokenBudget: cfg.PromptTokenBudget,
			RequestsPerMinute: cfg.OracleRequestsPerMin,
		},
	)

	svc := worker.NewService(worker.Options{
		Version:  Version,
		Config:   cfg,
		Store:    store,
		Oracle:   harness,
		Profiles: profiles,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- svc.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down worker")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("Worker stopped")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
}
