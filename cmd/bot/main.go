// Package main is the entry point of the hedge/grid futures bot.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/your-org/hedge-grid-bot/internal/alert"
	"github.com/your-org/hedge-grid-bot/internal/config"
	"github.com/your-org/hedge-grid-bot/internal/controller"
	"github.com/your-org/hedge-grid-bot/internal/dbwriter"
	"github.com/your-org/hedge-grid-bot/internal/exchange/binancef"
	"github.com/your-org/hedge-grid-bot/internal/grid"
	"github.com/your-org/hedge-grid-bot/internal/http/handler"
	"github.com/your-org/hedge-grid-bot/internal/instrument"
	"github.com/your-org/hedge-grid-bot/internal/position"
	"github.com/your-org/hedge-grid-bot/internal/selection"
	"github.com/your-org/hedge-grid-bot/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "Path to the configuration file")
	flag.Parse()

	// Best effort; production deployments set real environment variables.
	_ = godotenv.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.SetGlobalLogLevel(cfg.LogLevel)
	logger.Info("Hedge/grid bot starting...")
	logger.Infof("Loaded configuration from: %s", *configPath)

	// --- Exchange client ---
	client := binancef.NewClient(cfg.APIKey, cfg.APISecret, cfg.Exchange.RESTBaseURL, cfg.Exchange.RequestsPerSecond)
	if err := client.SyncServerTime(ctx); err != nil {
		logger.Fatalf("Failed to sync server time: %v", err)
	}

	// --- TimescaleDB Writer (Optional) ---
	var dbWriter dbwriter.DBWriter
	if cfg.DBWriter.BatchSize > 0 {
		var zapLogger *zap.Logger
		var zapErr error
		if cfg.LogLevel == "debug" {
			zapLogger, zapErr = zap.NewDevelopment()
		} else {
			zapLogger, zapErr = zap.NewProduction()
		}
		if zapErr != nil {
			logger.Fatalf("Failed to initialize Zap logger for DBWriter: %v", zapErr)
		}
		defer func() {
			_ = zapLogger.Sync()
		}()

		var pool dbwriter.Pool
		if cfg.DatabaseURL != "" {
			pgxPool, poolErr := pgxpool.New(ctx, cfg.DatabaseURL)
			if poolErr != nil {
				logger.Fatalf("Failed to connect to TimescaleDB: %v", poolErr)
			}
			pool = pgxPool
		}
		dbWriter, err = dbwriter.NewTimescaleWriter(pool, cfg.DBWriter, zapLogger)
		if err != nil {
			logger.Fatalf("Failed to initialize TimescaleDB writer: %v", err)
		}
		defer dbWriter.Close()
		logger.Info("TimescaleDB writer initialized successfully.")
	}

	// --- Engines and controller ---
	cache := instrument.NewCache(client)
	pm := position.NewManager(client, cache, cfg)
	gridEngine := grid.NewEngine(client, cache, cfg)
	feed := selection.NewFeed(cfg.Selection.FeedURL, instanceID())
	notifier := alert.FromConfig(cfg.Alert.WebhookURL)
	ctrl := controller.New(cfg, client, feed, pm, gridEngine, notifier, dbWriter)

	// --- Push streams ---
	streams := binancef.NewStreamClient(client, cfg.Exchange.WSBaseURL, binancef.StreamHandlers{
		OnFill:      ctrl.OnFill,
		OnMarkPrice: ctrl.OnMarkPrice,
		OnFatal: func(err error) {
			logger.Errorf("Push stream failed permanently: %v", err)
			ctrl.Stop("push stream failure")
		},
	})
	if err := streams.Start(ctx); err != nil {
		logger.Fatalf("Failed to start push streams: %v", err)
	}
	defer streams.Close()

	// --- Control surface ---
	router := chi.NewRouter()
	router.Get("/health", handler.HealthCheckHandler)
	handler.NewSnapshotHandler(ctrl).RegisterRoutes(router)
	go func() {
		logger.Infof("Control server starting on %s", cfg.HTTPAddr)
		if err := http.ListenAndServe(cfg.HTTPAddr, router); err != nil {
			logger.Fatalf("Control server failed: %v", err)
		}
	}()

	// --- Graceful shutdown ---
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("Received signal: %s, initiating shutdown...", sig)
		ctrl.Stop(fmt.Sprintf("signal %s", sig))
	}()

	if err := ctrl.Run(ctx); err != nil && err != context.Canceled {
		logger.Errorf("Controller exited with error: %v", err)
	}

	cancel()
	time.Sleep(500 * time.Millisecond)
	logger.Info("Hedge/grid bot shut down gracefully.")
}

// instanceID identifies this process to the selection feed's claim endpoint.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "bot"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
