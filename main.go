package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"binance-loop-runner/config"
	"binance-loop-runner/internal/api"
	"binance-loop-runner/internal/binance"
	"binance-loop-runner/internal/closeall"
	"binance-loop-runner/internal/credentials"
	"binance-loop-runner/internal/database"
	"binance-loop-runner/internal/events"
	"binance-loop-runner/internal/guard"
	"binance-loop-runner/internal/logging"
	"binance-loop-runner/internal/orchestrator"
	"binance-loop-runner/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LoggingConfig)
	logger.Info().Msg("Structured logging initialized")

	eventBus := events.NewEventBus()

	// Resolve API credentials: env/config first, Vault as fallback
	credSource, err := credentials.NewSource(cfg.BinanceConfig, cfg.VaultConfig)
	if err != nil {
		log.Fatalf("Failed to initialize credential source: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	creds := credSource.Resolve(ctx)
	cancel()

	clients := binance.NewClients(creds.APIKey, creds.SecretKey, creds.IsTestnet, cfg.BinanceConfig.MockMode)

	// Redis mirror for the session marker, optional
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
			PoolSize: cfg.RedisConfig.PoolSize,
		})
	}

	marker := session.NewMarker(cfg.SessionConfig.MarkerPath, redisClient)

	closer := closeall.New(clients.Futures, clients.Spot, eventBus, cfg.CloseAllConfig.MaxPasses, logger)

	// Crash recovery runs before any loop may open a position
	recovery := session.NewRecovery(marker, closer, eventBus, logger)
	recoveryResult := recovery.RunStartupCheck(creds.Present() || clients.Mock)
	if recoveryResult.Triggered {
		logger.Warn().
			Int("closed", recoveryResult.Summary.Closed).
			Int("failed", recoveryResult.Summary.Failed).
			Msg("Startup recovery flattened leftover positions")
	}

	positionGuard := guard.New(guard.Config{
		StaleTTL:         cfg.GuardConfig.StaleTTL,
		PendingTTL:       cfg.GuardConfig.PendingTTL,
		StrictSymbolSide: cfg.GuardConfig.StrictSymbolSide,
		AllowOpposite:    cfg.GuardConfig.AllowOpposite,
	}, logger)
	positionGuard.AttachClient(clients.Futures)

	orch := orchestrator.New(orchestrator.Config{
		StartStagger: cfg.OrchestratorConfig.StartStagger,
		StopTimeout:  cfg.OrchestratorConfig.StopTimeout,
		LoopInterval: cfg.OrchestratorConfig.LoopInterval,
	}, positionGuard, clients.Futures, nil, closer, eventBus, logger)

	// Optional PostgreSQL event persistence
	var repo *database.Repository
	var db *database.DB
	if cfg.DatabaseConfig.Enabled {
		db, err = database.NewDB(database.Config{
			Host:     cfg.DatabaseConfig.Host,
			Port:     cfg.DatabaseConfig.Port,
			User:     cfg.DatabaseConfig.User,
			Password: cfg.DatabaseConfig.Password,
			Database: cfg.DatabaseConfig.Database,
			SSLMode:  cfg.DatabaseConfig.SSLMode,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Database unavailable, continuing without persistence")
		} else {
			migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := db.RunMigrations(migrateCtx); err != nil {
				log.Fatalf("Failed to run migrations: %v", err)
			}
			migrateCancel()

			repo = database.NewRepository(db)
			database.NewEventSink(repo, logger).Attach(eventBus)
		}
	}

	if err := marker.Activate(cfg.CloseAllConfig.OnExit); err != nil {
		logger.Warn().Err(err).Msg("Session marker activation failed")
	}

	var server *api.Server
	if cfg.ServerConfig.Enabled {
		server = api.NewServer(cfg.ServerConfig, cfg.AuthConfig, orch, positionGuard, closer, marker, clients.Futures, repo, eventBus)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("API server exited")
			}
		}()
	}

	if cfg.Autostart && len(cfg.Jobs) > 0 {
		jobs := toLoopJobs(cfg.Jobs)
		acks := orch.Start(jobs)
		for _, ack := range acks {
			if ack.Error != "" {
				logger.Warn().Str("key", ack.Key).Str("error", ack.Error).Msg("Autostart job rejected")
			}
		}
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down")

	stopResult := orch.Stop(cfg.CloseAllConfig.OnExit)
	logger.Info().
		Int("stopped", stopResult.Stopped).
		Int("timed_out", len(stopResult.TimedOut)).
		Msg("Loops stopped")

	if err := marker.Deactivate(); err != nil {
		logger.Warn().Err(err).Msg("Session marker deactivation failed")
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("API server shutdown failed")
		}
		shutdownCancel()
	}

	if db != nil {
		db.Close()
	}
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info().Msg("Shutdown complete")
}

// toLoopJobs converts configured jobs into runnable ones
func toLoopJobs(configs []config.JobConfig) []orchestrator.LoopJob {
	jobs := make([]orchestrator.LoopJob, 0, len(configs))
	for _, jc := range configs {
		jobs = append(jobs, orchestrator.LoopJob{
			Symbol:     jc.Symbol,
			Interval:   jc.Interval,
			Indicators: jc.Indicators,
			Side:       orchestrator.Direction(jc.Side),
			Leverage:   jc.Leverage,
			StopLoss: orchestrator.StopLossPolicy{
				Enabled: jc.StopLoss.Enabled,
				Mode:    orchestrator.StopLossMode(jc.StopLoss.Mode),
				Scope:   orchestrator.StopLossScope(jc.StopLoss.Scope),
				USDT:    jc.StopLoss.USDT,
				Percent: jc.StopLoss.Percent,
			},
			LoopInterval: jc.LoopInterval,
		})
	}
	return jobs
}
