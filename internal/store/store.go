// Package store persists escrow transactions and their satellite records.
// Every status change is a conditional write on the expected current status,
// so two concurrent triggers can never both move the same row.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"SecureEscrow/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStatusChanged is returned when a conditional write lost a race.
	ErrStatusChanged = errors.New("transaction status changed concurrently")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Tx is the write surface available inside WithLock.
type Tx struct {
	db *gorm.DB
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// saveIf writes the given columns of t, or every column when none are named,
// but only while the stored row is still in expected status.
func saveIf(db *gorm.DB, t *models.Transaction, expected models.TransactionStatus, columns ...string) error {
	query := db.Model(&models.Transaction{}).
		Where("id = ? AND status = ?", t.ID, expected)
	if len(columns) > 0 {
		query = query.Select(columns)
	} else {
		query = query.Select("*")
	}
	res := query.
		Omit("id", "created_at", clause.Associations).
		Updates(t)
	if res.Error != nil {
		return fmt.Errorf("failed to update transaction %s: %w", t.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (s *Store) CreateTransaction(ctx context.Context, t *models.Transaction) error {
	if err := s.db.WithContext(ctx).Omit(clause.Associations).Create(t).Error; err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction with both parties.
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.WithContext(ctx).
		Preload("Buyer").
		Preload("Seller").
		First(&t, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &t, nil
}

// SaveIf is the out-of-lock compare-and-swap used to claim a transaction
// before external calls.
func (s *Store) SaveIf(ctx context.Context, t *models.Transaction, expected models.TransactionStatus) error {
	return saveIf(s.db.WithContext(ctx), t, expected)
}

// WithLock loads transaction id under a row lock and runs fn in the same
// database transaction. fn's error rolls everything back.
func (s *Store) WithLock(ctx context.Context, id string, fn func(tx *Tx, t *models.Transaction) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var t models.Transaction
		err := db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&t, "id = ?", id).Error
		if err != nil {
			return notFound(err)
		}
		return fn(&Tx{db: db}, &t)
	})
}

// ListForUser returns the user's transactions, newest first. role narrows to
// "buyer" or "seller".
func (s *Store) ListForUser(ctx context.Context, userID, role string) ([]models.Transaction, error) {
	query := s.db.WithContext(ctx)

	switch role {
	case "buyer":
		query = query.Where("buyer_id = ?", userID)
	case "seller":
		query = query.Where("seller_id = ?", userID)
	default:
		query = query.Where("buyer_id = ? OR seller_id = ?", userID, userID)
	}

	var txs []models.Transaction
	if err := query.Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...models.TransactionStatus) ([]models.Transaction, error) {
	var txs []models.Transaction
	query := s.db.WithContext(ctx)
	if len(statuses) > 0 {
		query = query.Where("status IN ?", statuses)
	}
	if err := query.Order("created_at DESC").Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// DueForTrackingCheck lists shipped transactions that carry tracking details.
func (s *Store) DueForTrackingCheck(ctx context.Context) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.TransactionStatus{models.StatusShipped, models.StatusInTransit}).
		Where("tracking_number <> '' AND tracking_carrier <> ''").
		Order("shipped_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list shipped transactions: %w", err)
	}
	return txs, nil
}

// DueForAutoRelease lists delivered transactions whose deadline has passed.
func (s *Store) DueForAutoRelease(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status = ? AND auto_release_at IS NOT NULL AND auto_release_at <= ?", models.StatusDelivered, now).
		Order("auto_release_at ASC").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions due for release: %w", err)
	}
	return txs, nil
}

// StaleSettlements lists claims that started before cutoff and never finished.
func (s *Store) StaleSettlements(ctx context.Context, cutoff time.Time) ([]models.Transaction, error) {
	var txs []models.Transaction
	err := s.db.WithContext(ctx).
		Where("status IN ?", []models.TransactionStatus{models.StatusReleasing, models.StatusRefunding}).
		Where("settle_started_at IS NOT NULL AND settle_started_at <= ?", cutoff).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale settlements: %w", err)
	}
	return txs, nil
}

func (s *Store) FindUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (s *Store) GetDispute(ctx context.Context, id string) (*models.Dispute, error) {
	var d models.Dispute
	if err := s.db.WithContext(ctx).First(&d, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (s *Store) DisputesForTransaction(ctx context.Context, transactionID string) ([]models.Dispute, error) {
	var ds []models.Dispute
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("created_at DESC").
		Find(&ds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list disputes: %w", err)
	}
	return ds, nil
}

// TrackingHistory returns checkpoints in carrier time order.
func (s *Store) TrackingHistory(ctx context.Context, transactionID string) ([]models.TrackingUpdate, error) {
	var updates []models.TrackingUpdate
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("timestamp ASC, id ASC").
		Find(&updates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load tracking history: %w", err)
	}
	return updates, nil
}

func (s *Store) Confirmations(ctx context.Context, transactionID string) ([]models.Confirmation, error) {
	var cs []models.Confirmation
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Order("confirmed_at ASC, id ASC").
		Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load confirmations: %w", err)
	}
	return cs, nil
}

// SaveIf is the locked counterpart of Store.SaveIf.
func (tx *Tx) SaveIf(t *models.Transaction, expected models.TransactionStatus) error {
	return saveIf(tx.db, t, expected)
}

// SaveColumnsIf writes only columns of t, leaving the rest of the row as
// stored.
func (tx *Tx) SaveColumnsIf(t *models.Transaction, expected models.TransactionStatus, columns ...string) error {
	return saveIf(tx.db, t, expected, columns...)
}

func (tx *Tx) AppendConfirmation(c *models.Confirmation) error {
	if err := tx.db.Create(c).Error; err != nil {
		return fmt.Errorf("failed to record confirmation: %w", err)
	}
	return nil
}

func (tx *Tx) AppendTrackingUpdate(u *models.TrackingUpdate) error {
	if err := tx.db.Create(u).Error; err != nil {
		return fmt.Errorf("failed to record tracking update: %w", err)
	}
	return nil
}

// ActiveDispute returns the OPEN or IN_REVIEW dispute of a transaction, or
// ErrNotFound.
func (tx *Tx) ActiveDispute(transactionID string) (*models.Dispute, error) {
	var d models.Dispute
	err := tx.db.
		Where("transaction_id = ? AND status IN ?", transactionID,
			[]models.DisputeStatus{models.DisputeOpen, models.DisputeInReview}).
		First(&d).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (tx *Tx) CreateDispute(d *models.Dispute) error {
	if err := tx.db.Omit(clause.Associations).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

// SaveDisputeIf updates d only while it is still in expected status.
func (tx *Tx) SaveDisputeIf(d *models.Dispute, expected models.DisputeStatus) error {
	res := tx.db.Model(&models.Dispute{}).
		Where("id = ? AND status = ?", d.ID, expected).
		Select("*").
		Omit("id", "created_at", clause.Associations).
		Updates(d)
	if res.Error != nil {
		return fmt.Errorf("failed to update dispute %s: %w", d.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

// LastTrackingUpdate returns the most recent checkpoint recorded, or
// ErrNotFound.
func (tx *Tx) LastTrackingUpdate(transactionID string) (*models.TrackingUpdate, error) {
	var u models.TrackingUpdate
	err := tx.db.
		Where("transaction_id = ?", transactionID).
		Order("timestamp DESC, id DESC").
		First(&u).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
