package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"SecureEscrow/internal/config"
	"SecureEscrow/internal/handlers"
	"SecureEscrow/internal/metrics"
	"SecureEscrow/internal/ratelimit"
	"SecureEscrow/internal/routes"
	"SecureEscrow/internal/services"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort         string
	serveNoReconciler bool
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the background reconciler",
		Long: `Start the SecureEscrow API.

Examples:
  secureescrow serve
  secureescrow serve --port 9000
  secureescrow serve --no-reconciler   # when an external cron calls /api/cron/reconcile`,
		RunE: runServe,
	}

	cmd.Flags().StringVar(&servePort, "port", "", "listen port (overrides PORT)")
	cmd.Flags().BoolVar(&serveNoReconciler, "no-reconciler", false, "do not run the in-process reconciliation loop")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set to serve the API")
	}
	if servePort != "" {
		cfg.Port = servePort
	}

	logger := setupLogging(cfg.LogLevel, true)
	logger.WithFields(log.Fields{
		"jwt_secret":     config.MaskSecret(cfg.JWTSecret),
		"cron_secret":    config.MaskSecret(cfg.CronSecret),
		"payment_key":    config.MaskSecret(cfg.Payment.SecretKey),
		"tracking_key":   config.MaskSecret(cfg.Tracking.APIKey),
		"cloudinary":     cfg.Cloudinary.CloudName,
		"currency":       cfg.Currency,
		"auto_release":   cfg.AutoReleaseGrace.String(),
		"reconcile_tick": cfg.ReconcileInterval.String(),
	}).Info("Configuration loaded")

	rt, err := bootstrap(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	deps := handlers.Deps{
		Engine:        rt.engine,
		Reconciler:    rt.reconciler,
		Notifications: rt.notifications,
		Webhooks:      rt.gateway,
		Circuits: map[string]handlers.CircuitReporter{
			"payment":  rt.payments,
			"tracking": rt.tracker,
		},
		Logger: logger,
	}
	if cfg.Cloudinary.CloudName != "" {
		uploader, err := services.NewCloudinaryService(cfg.Cloudinary.CloudName, cfg.Cloudinary.APIKey, cfg.Cloudinary.APISecret)
		if err != nil {
			logger.WithError(err).Warn("Cloudinary unavailable, evidence uploads disabled")
		} else {
			deps.Uploader = uploader
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := ratelimit.NewTokenBucket(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	go limiter.StartSweeper(time.Minute, 10*time.Minute, ctx.Done())

	if !serveNoReconciler {
		go rt.reconciler.Start(ctx)
	}

	app := fiber.New(fiber.Config{
		AppName:   "SecureEscrow API v1.0",
		BodyLimit: 10 * 1024 * 1024,
	})

	app.Use(fiberrecover.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(metrics.PrometheusMiddleware())

	routes.SetupRoutes(app, handlers.New(deps), routes.Options{
		JWTSecret:  cfg.JWTSecret,
		CronSecret: cfg.CronSecret,
		Limiter:    limiter,
	})

	go func() {
		<-ctx.Done()
		rt.log.Info("Shutting down server")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			rt.log.WithError(err).Error("Server shutdown failed")
		}
	}()

	rt.log.WithField("port", cfg.Port).Info("SecureEscrow server starting")
	return app.Listen(":" + cfg.Port)
}
