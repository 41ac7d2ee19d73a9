package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"SecureEscrow/internal/config"
	"SecureEscrow/internal/database"
	"SecureEscrow/internal/escrow"
	"SecureEscrow/internal/fees"
	"SecureEscrow/internal/jobs"
	"SecureEscrow/internal/services"
	"SecureEscrow/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "secureescrow",
		Short:        "SecureEscrow - escrow transactions between buyers and sellers",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(journalCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging configures the standard logrus logger, which the database and
// adapter packages log through as well.
func setupLogging(level string, asJSON bool) *log.Logger {
	logger := log.StandardLogger()
	if asJSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	lvl, err := log.ParseLevel(level)
	if err != nil {
		logger.WithField("level", level).Warn("Unknown LOG_LEVEL, using info")
		lvl = log.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// runtime is the wired service shared by serve and reconcile.
type runtime struct {
	cfg           *config.Config
	log           *log.Logger
	db            *gorm.DB
	store         *store.Store
	journal       *services.JournaledGateway
	payments      *services.StripeGateway
	gateway       services.PaymentGateway
	tracker       *services.TrackingMoreClient
	notifications *services.NotificationService
	engine        *escrow.Engine
	reconciler    *jobs.Reconciler
}

func bootstrap(cfg *config.Config, logger *log.Logger) (*runtime, error) {
	schedule, err := fees.NewSchedule(cfg.PlatformFeePercent, cfg.BankFeePercent)
	if err != nil {
		return nil, fmt.Errorf("invalid fee schedule: %w", err)
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: logger, db: db, store: store.New(db)}

	stripe := services.NewStripeGateway(services.StripeConfig{
		SecretKey:     cfg.Payment.SecretKey,
		BaseURL:       cfg.Payment.BaseURL,
		WebhookSecret: cfg.Payment.WebhookSecret,
		Timeout:       cfg.AdapterTimeout,
	})
	rt.payments = stripe
	rt.gateway = stripe
	if cfg.Payment.JournalPath != "" {
		journal, err := services.OpenJournal(cfg.Payment.JournalPath, stripe)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.journal = journal
		rt.gateway = journal
		logger.WithField("path", cfg.Payment.JournalPath).Info("Payment journal opened")
	}

	rt.tracker = services.NewTrackingMoreClient(services.TrackingMoreConfig{
		APIKey:  cfg.Tracking.APIKey,
		BaseURL: cfg.Tracking.BaseURL,
		Timeout: cfg.AdapterTimeout,
	})

	var mailer services.Mailer
	if cfg.Email.ResendAPIKey != "" {
		mailer = services.NewEmailService(cfg.Email.ResendAPIKey, cfg.Email.From)
	} else {
		logger.Warn("RESEND_API_KEY is not set, notifications are in-app only")
	}
	rt.notifications = services.NewNotificationService(db, mailer, logger)

	rt.engine = escrow.NewEngine(rt.store, rt.gateway, rt.tracker, rt.notifications, escrow.Options{
		Fees:             schedule,
		Currency:         cfg.Currency,
		AutoReleaseGrace: cfg.AutoReleaseGrace,
		AdapterTimeout:   cfg.AdapterTimeout,
		SettlementTTL:    cfg.SettlementTTL,
		Logger:           logger,
	})
	rt.reconciler = jobs.NewReconciler(rt.engine, rt.store, jobs.Options{
		Workers:       cfg.ReconcileWorkers,
		Interval:      cfg.ReconcileInterval,
		SettlementTTL: cfg.SettlementTTL,
		Logger:        logger,
	})
	return rt, nil
}

func (rt *runtime) Close() {
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.log.WithError(err).Warn("Failed to close payment journal")
		}
	}
	if err := database.Close(rt.db); err != nil {
		rt.log.WithError(err).Warn("Failed to close database")
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, false)

			db, err := database.Connect(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer database.Close(db)

			return database.Migrate(db)
		},
	}
}
