package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/handler"
	"github.com/gamedata-sync/internal/kafka"
	"github.com/gamedata-sync/internal/postgres"
	"github.com/gamedata-sync/internal/redis"
	"github.com/gamedata-sync/internal/registry"
	"github.com/gamedata-sync/internal/service"
	"github.com/gamedata-sync/internal/websocket"
	"github.com/gamedata-sync/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	repo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	logger.Info("connected to PostgreSQL")

	if err := repo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Load the game catalog
	games := registry.New(repo, logger)
	if err := games.Reload(ctx); err != nil {
		logger.Error("failed to load game registry", "error", err)
		os.Exit(1)
	}
	logger.Info("game registry loaded", "games", games.Len())

	// Initialize the Redis record cache
	var cache service.RecordCache
	var recordCache *redis.RecordCache
	if cfg.Cache.Enabled {
		logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
		recordCache, err = redis.NewRecordCache(&cfg.Redis, &cfg.Cache, logger)
		if err != nil {
			logger.Warn("failed to connect to Redis, continuing without record cache", "error", err)
		} else {
			defer recordCache.Close()
			cache = recordCache
			logger.Info("connected to Redis")
		}
	}

	// Initialize WebSocket hub
	var hub *websocket.Hub
	var notifier service.Notifier
	if cfg.Websocket.Enabled {
		hub = websocket.NewHub(&cfg.Websocket, logger)
		go hub.Run()
		notifier = hub
		logger.Info("WebSocket hub initialized")
	}

	// Initialize services
	instances := service.NewInstanceManager(games, repo, logger)
	data := service.NewDataStore(repo, cache, &cfg.Games, logger)
	gameData := service.NewGameDataService(instances, data, repo, notifier, logger)
	gameData.SetBatchRetry(cfg.Kafka.RetryAttempts, cfg.Kafka.RetryDelay)

	// Keep the catalog in step with other replicas
	var refresher *worker.RegistryRefresher
	if cfg.Registry.RefreshEnabled {
		refresher = worker.NewRegistryRefresher(games, cfg.Registry.RefreshInterval, logger)
		if err := refresher.Start(ctx); err != nil {
			logger.Error("failed to start registry refresher", "error", err)
			os.Exit(1)
		}
	}

	// Initialize Kafka consumer for bulk offline uploads
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.Topic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, gameData, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(gameData, games, hub, handler.Options{
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsPath:    cfg.Metrics.Path,
	}, logger)
	httpHandler.AddReadinessCheck("postgres", repo.Ping)
	if recordCache != nil {
		httpHandler.AddReadinessCheck("redis", func(ctx context.Context) error {
			return recordCache.Client().Ping(ctx).Err()
		})
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Stop accepting requests before tearing down what they depend on
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if refresher != nil {
		if err := refresher.Stop(); err != nil {
			logger.Error("failed to stop registry refresher", "error", err)
		}
	}

	if hub != nil {
		hub.Stop()
	}

	logger.Info("server stopped")
}
