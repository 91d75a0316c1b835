package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"biodata-backend/config"
	"biodata-backend/internal/api"
	"biodata-backend/internal/clock"
	"biodata-backend/internal/db"
	"biodata-backend/internal/logging"
	"biodata-backend/internal/metrics"
	"biodata-backend/internal/monitor"
	"biodata-backend/internal/notification"
	"biodata-backend/internal/session"
	"biodata-backend/internal/store"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}

	logs := logging.NewLogrus(cfg.Log.Level, os.Stdout)
	logger := logs.Get("main")
	logger.Infof("configuration loaded successfully from %s", configPath)

	// Check for VAPID keys
	if cfg.Push.PublicKey == "" || cfg.Push.PrivateKey == "" {
		logger.Fatal("VAPID keys must be configured. Please generate them and add them to your config file.")
	}

	// Create a context that can be cancelled
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore, closeStore, err := openStore(ctx, &cfg.Database, logs.Get("db"))
	if err != nil {
		logger.Fatalf("failed to initialize data store: %v", err)
	}
	defer closeStore()
	logger.WithField("driver", cfg.Database.Driver).Info("data store initialized")

	clk := clock.New()
	m := metrics.New()

	tokens := notification.NewTokenRegistry(clk, cfg.Monitor.TokenMaxAge)
	notifier := notification.NewService(notification.NewWebPushGateway(cfg.Push), tokens, cfg.WorkerPool.Size, logs.Get("notification"), m)

	sessions := session.NewRegistry(cfg.Monitor, clk, logs.Get("session"), m)
	hub := monitor.NewHub(cfg.Monitor, appStore, notifier, sessions, sessions, clk, logs.Get("monitor"), m)
	sweeper := monitor.NewSweeper(hub, tokens, logs.Get("sweeper"))

	go sessions.Run(ctx)
	go sweeper.Run(ctx)

	// Initialize router
	handler := api.NewHandler(api.Deps{
		Hub:      hub,
		Sessions: sessions,
		Tokens:   tokens,
		Store:    appStore,
		Push:     cfg.Push,
		Clock:    clk,
		Log:      logs.Get("api"),
		Metrics:  m,
	}, cfg.Server.AllowedOrigins)
	router := api.NewRouter(cfg.Server, handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start the server in a goroutine
	go func() {
		logger.Infof("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	// Block until a signal is received.
	<-stop
	logger.Info("Shutdown signal received, stopping services...")
	cancel()

	// Create a deadline to wait for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server Shutdown")
	}
	// Hijacked WebSocket connections are not covered by Shutdown.
	sessions.CloseAll()
	hub.Close()

	logger.Info("Server gracefully stopped")
}

// openStore connects the configured durable store. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg *config.DatabaseConfig, log *logrus.Entry) (store.Store, func(), error) {
	if cfg.Driver == "mongo" {
		client, err := db.InitMongo(ctx, cfg, log)
		if err != nil {
			return nil, nil, err
		}
		disconnect := func() {
			dctx, dcancel := context.WithTimeout(context.Background(), cfg.Timeout)
			defer dcancel()
			_ = client.Disconnect(dctx)
		}
		st, err := store.NewMongoStore(ctx, client.Database(cfg.Name))
		if err != nil {
			disconnect()
			return nil, nil, err
		}
		return st, disconnect, nil
	}

	gormDB, err := db.Init(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return store.NewGormStore(gormDB), func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}
