package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulselab/signalpulse/internal/chi"
	"github.com/pulselab/signalpulse/internal/closeloop"
	"github.com/pulselab/signalpulse/internal/config"
	"github.com/pulselab/signalpulse/internal/logger"
	"github.com/pulselab/signalpulse/internal/server"
	"github.com/pulselab/signalpulse/internal/storage"
	"github.com/pulselab/signalpulse/internal/telegram"
	"github.com/pulselab/signalpulse/internal/velocity"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", "path", *configPath)

	store, err := storage.New(cfg.Storage.DBPath, storage.Options{
		PageSize:     cfg.Storage.PageSize,
		PageRetries:  cfg.Storage.PageRetries,
		FetchTimeout: cfg.Storage.FetchTimeout,
	})
	if err != nil {
		logger.Fatal("failed to initialize storage", "error", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
	}()

	engine := chi.New(store, chi.Config{
		CacheTTL: cfg.Engine.CacheTTL,
	})
	detector := velocity.New(store, store, velocity.Config{
		LookbackHours:     cfg.Velocity.LookbackHours,
		GrowthThreshold:   cfg.Velocity.GrowthThreshold,
		CriticalIntensity: cfg.Velocity.CriticalIntensity,
		HorizonHours:      cfg.Velocity.HorizonHours,
		UsersPerIntensity: cfg.Velocity.UsersPerIntensity,
	})
	monitor := closeloop.New(store, closeloop.Config{
		MonitorWindow:     cfg.CloseLoop.MonitorWindow,
		SentimentRecovery: cfg.CloseLoop.SentimentRecovery,
		IntensityDropPct:  cfg.CloseLoop.IntensityDropPct,
		Workers:           cfg.CloseLoop.Workers,
		TimelineMax:       cfg.CloseLoop.TimelineSamplesMax,
	})

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("failed to initialize Telegram client", "error", err)
		}
		logger.Info("Telegram client initialized")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(store, engine, detector, monitor, server.Config{
		Addr:                 cfg.Server.Addr,
		RequestTimeout:       cfg.Server.RequestTimeout,
		DefaultWindowMinutes: cfg.Engine.DefaultWindowMinutes,
	})
	go func() {
		logger.Info("HTTP API listening", "addr", cfg.Server.Addr)
		if err := srv.Start(); err != nil {
			logger.Error("HTTP server stopped", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown error", "error", err)
		}
		cancel()
	}()

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	logger.Info("starting close-loop scheduler",
		"pass_interval", cfg.CloseLoop.PassInterval,
		"monitor_window", cfg.CloseLoop.MonitorWindow,
		"workers", cfg.CloseLoop.Workers)

	ticker := time.NewTicker(cfg.CloseLoop.PassInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handlePassResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("close-loop pass failed", "error", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("failed to send error notification", "error", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("failed to send recovery notification", "error", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	logger.Debug("running initial close-loop pass")
	handlePassResult(runCycle(ctx, monitor, detector, telegramClient))

	for {
		select {
		case <-ctx.Done():
			logger.Info("service stopped")
			return

		case <-ticker.C:
			logger.Debug("starting scheduled close-loop pass")
			handlePassResult(runCycle(ctx, monitor, detector, telegramClient))
		}
	}
}

// runCycle runs one close-loop pass and an early-warning sweep, sending
// notifications when a Telegram client is configured.
func runCycle(ctx context.Context, monitor *closeloop.Monitor, detector *velocity.Detector, telegramClient *telegram.Client) error {
	startTime := time.Now()

	summary, err := monitor.RunPass(ctx)
	if err != nil {
		return err
	}
	if telegramClient != nil && summary.Total > 0 {
		if err := telegramClient.SendPassSummary(summary); err != nil {
			logger.Warn("failed to send pass summary", "error", err)
		}
	}

	warnings, err := detector.Warnings(ctx)
	if err != nil {
		logger.Warn("early-warning sweep failed", "error", err)
	} else if telegramClient != nil && len(warnings) > 0 {
		if err := telegramClient.SendWarnings(warnings); err != nil {
			logger.Warn("failed to send warning digest", "error", err)
		}
	}

	logger.Info("cycle completed",
		"duration", time.Since(startTime),
		"monitored", summary.Monitored,
		"warnings", len(warnings))
	return nil
}
