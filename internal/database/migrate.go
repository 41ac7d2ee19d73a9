package database

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"SecureEscrow/internal/models"
)

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	log.Info("Running database migrations...")

	err := db.AutoMigrate(
		&models.User{},
		&models.Transaction{},
		&models.Dispute{},
		&models.Confirmation{},
		&models.TrackingUpdate{},
		&models.Notification{},
	)
	if err != nil {
		log.WithError(err).Error("Error migrating database")
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Database migration completed successfully")
	return nil
}
