// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"SecureEscrow/internal/database"
	"SecureEscrow/internal/models"
)

// NewDB returns a migrated SQLite database that lives for the test.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "escrow.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// SeedUser inserts a user with a payout destination unless payout is empty.
func SeedUser(t *testing.T, db *gorm.DB, id, email, payout string) *models.User {
	t.Helper()

	u := &models.User{
		ID:              id,
		FullName:        id,
		Email:           email,
		Role:            models.RoleUser,
		PayoutAccountID: payout,
	}
	require.NoError(t, db.Create(u).Error)
	return u
}
