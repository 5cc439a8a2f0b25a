package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"athletereach/config"
	controller "athletereach/controllers"
	"athletereach/middleware"
	"athletereach/outreach"
	"athletereach/routes"
	"athletereach/utils"
	"athletereach/worker"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := &config.AppConfig

	logger := utils.InitLogger(cfg.Environment, cfg.LogLevel)
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.WithError(err).Warn("Sentry disabled")
	}
	defer utils.FlushSentry()

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	hub := controller.NewEventHub(logger)
	transport := utils.NewMailboxTransport(config.DB, cfg)
	lc := outreach.NewLifecycle(config.DB, nil, transport, outreach.Options{
		Logger: logger,
		Events: hub,
		Config: outreach.Config{
			MaxAttempts:     cfg.FollowUpMaxAttempts,
			DeliveryTimeout: cfg.DeliveryTimeout,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.NewFollowUpWorker(lc, cfg.FollowUpInterval, logger).Start(ctx)
	go worker.NewInboxWorker(config.DB, lc, cfg.InboxPollInterval, logger).Start(ctx)

	storage := middleware.RateLimitStorage(cfg.Redis)
	if storage != nil {
		defer storage.Close()
	}

	app := fiber.New(fiber.Config{
		AppName:      "athletereach",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.DeliveryTimeout + 15*time.Second,
	})
	routes.Setup(app, routes.Dependencies{
		DB:               config.DB,
		Lifecycle:        lc,
		Hub:              hub,
		Config:           cfg,
		RateLimitStorage: storage,
	})

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info("Shutting down...")
		cancel()
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			logger.WithError(err).Error("Server shutdown failed")
		}
	}()

	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
