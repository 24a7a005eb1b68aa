package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"congregate/api/internal/app"
	"congregate/api/internal/config"
	"congregate/api/internal/directory"
	"congregate/api/internal/events"
	"congregate/api/internal/logging"
	"congregate/api/internal/notify"
	"congregate/api/internal/realtime"
	"congregate/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	dataStore := store.NewPostgresStore(db)

	var resolver *directory.Resolver
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		resolver = directory.NewResolver(dataStore, meiliClient, logger)
		reindex := func() {
			reindexCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := resolver.Reindex(reindexCtx); err != nil {
				logger.Warn("directory reindex failed", zap.Error(err))
			}
		}
		meiliClient.OnRecover(reindex)
		if meiliClient.Healthy() {
			go reindex()
		}
	} else {
		resolver = directory.NewResolver(dataStore, nil, logger)
	}

	hub := realtime.NewHub(logger)
	defer hub.Close()
	var rooms realtime.Publisher = hub
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisClient, err := realtime.DialRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisClient.Close()
		fanout, err := realtime.NewRedisFanout(ctx, redisClient, realtime.DefaultChannel, hub, logger)
		if err != nil {
			logger.Fatal("redis subscribe failed", zap.Error(err))
		}
		defer fanout.Close()
		rooms = fanout
		logger.Info("realtime fan-out via redis", zap.String("channel", realtime.DefaultChannel))
	}

	dispatcher := notify.NewDispatcher(dataStore, notify.NewExpoChannel(cfg.ExpoPushURL, cfg.ExpoAccessToken), notify.Options{
		Timeout:     cfg.PushTimeout,
		RatePerSec:  cfg.PushRate,
		Concurrency: cfg.PushConcurrency,
	}, logger)

	publisher := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
	defer publisher.Close()

	service := app.New(cfg, dataStore, app.Collaborators{
		Directory: resolver,
		Rooms:     rooms,
		Notifier:  dispatcher,
		Events:    publisher,
		Logger:    logger,
	})

	httpServer := app.NewHTTPServer(service, hub, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("congregate API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	hub.Close()
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := service.Shutdown(drainCtx); err != nil {
		logger.Warn("background work abandoned", zap.Error(err))
	}
}
