package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"okx-trading-advisor/config"
	"okx-trading-advisor/internal/api"
	"okx-trading-advisor/internal/cache"
	"okx-trading-advisor/internal/clock"
	"okx-trading-advisor/internal/database"
	"okx-trading-advisor/internal/events"
	"okx-trading-advisor/internal/gate"
	"okx-trading-advisor/internal/logging"
	"okx-trading-advisor/internal/market"
	"okx-trading-advisor/internal/reco"
	"okx-trading-advisor/internal/strategy"
	"okx-trading-advisor/internal/vault"
)

func main() {
	// .env is convenience for local runs; deployments set the environment.
	_ = godotenv.Load()

	cfg, warnings, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	for _, w := range warnings {
		logger.Warn().Str("detail", w).Msg("Configuration normalized")
	}
	logger.Info().
		Str("symbol", cfg.Strategy.Symbol).
		Str("interval", cfg.Strategy.Interval).
		Bool("production", cfg.Server.ProductionMode).
		Msg("Starting OKX trading advisor")

	mgr := config.NewManager(cfg)
	clk := clock.New()

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()

	// Database is optional: without it recommendations live in memory only
	// and history endpoints serve the session's closes.
	var db *database.DB
	var repo *database.Repository
	if !cfg.Database.Disabled {
		db, err = database.New(cfg.Database, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()
		if err := db.Migrate(runCtx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to run migrations")
		}
		repo = database.NewRepository(db)
		logger.Info().Str("host", cfg.Database.Host).Msg("Database connected")
	} else {
		logger.Warn().Msg("Database disabled, recommendations are not persisted")
	}

	var redis *cache.CacheService
	if cfg.Redis.Enabled {
		redis, err = cache.NewCacheService(cfg.Redis, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redis.Close()
		logger.Info().Str("address", cfg.Redis.Address).Msg("Redis cache connected")
	}

	// Vault serves exchange credentials, falling back to config/env values
	// when disabled. Public market data works unauthenticated either way.
	vaultClient, err := vault.NewClient(cfg.Vault, vault.Credentials{
		APIKey:     cfg.Exchange.APIKey,
		SecretKey:  cfg.Exchange.SecretKey,
		Passphrase: cfg.Exchange.Passphrase,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize Vault client")
	}
	creds, err := vaultClient.GetCredentials(runCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("Exchange credentials unavailable, continuing unauthenticated")
		creds = nil
	}

	okx := market.NewOKXClient(cfg.Exchange.BaseURL, creds, cfg.Exchange.Timeout())
	fgi := market.NewFearGreedClient("", cfg.Exchange.Timeout())

	var l2 market.L2Cache
	if redis != nil {
		l2 = redis
	}
	gateway := market.NewGateway(okx, fgi, l2, mgr, clk, logger)

	bus := events.New(mgr, clk, logger)
	gateway.SetBreakerListener(func(endpoint, from, to string) {
		bus.PublishAlert("warning", fmt.Sprintf("circuit breaker %s: %s -> %s", endpoint, from, to))
	})

	admission := gate.New(mgr, clk, logger)

	var trackerRepo reco.Repository
	if repo != nil {
		trackerRepo = repo
	}
	tracker := reco.NewTracker(mgr, gateway, admission, bus, trackerRepo, clk, logger)

	engine := strategy.NewEngine(mgr, gateway, clk, logger)
	trigger := strategy.NewController(mgr, engine, tracker, admission, bus, clk, logger)

	tracker.Start(runCtx)
	trigger.Start(runCtx)

	// Scheduled maintenance: prune aged closed recommendations and expired
	// snapshot files.
	maintenance := cron.New()
	if schedule := cfg.Recommendation.PruneSchedule; schedule != "" {
		_, err := maintenance.AddFunc(schedule, func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if pruned, err := tracker.Prune(pruneCtx); err != nil {
				logger.Error().Err(err).Msg("Recommendation prune failed")
			} else if pruned > 0 {
				logger.Info().Int64("pruned", pruned).Msg("Pruned closed recommendations")
			}
			if removed, err := bus.CleanupSnapshots(); err != nil {
				logger.Error().Err(err).Msg("Snapshot cleanup failed")
			} else if removed > 0 {
				logger.Info().Int("removed", removed).Msg("Removed expired snapshots")
			}
		})
		if err != nil {
			logger.Fatal().Err(err).Str("schedule", schedule).Msg("Invalid prune schedule")
		}
		maintenance.Start()
	}

	server := api.NewServer(mgr, gateway, tracker, trigger, bus, repo, redis, clk, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		if err := server.Start(addr); err != nil {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("HTTP server listening")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down")
	maintenance.Stop()
	trigger.Stop()
	stopRun()
	select {
	case <-tracker.Done():
	case <-time.After(10 * time.Second):
		logger.Warn().Msg("Evaluation loop did not stop in time")
	}
	bus.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	logger.Info().Msg("Shutdown complete")
}
