package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"SecureEscrow/internal/models"
)

// Notice is one event addressed to one user.
type Notice struct {
	UserID  string
	Email   string
	Type    models.NotificationType
	Title   string
	Message string
	Data    map[string]interface{}
}

// Notifier delivers notices. It never fails the caller.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotificationService stores in-app notifications and mirrors them by email.
type NotificationService struct {
	db     *gorm.DB
	mailer Mailer
	logger log.FieldLogger
}

// NewNotificationService accepts a nil mailer, in which case only in-app
// rows are written.
func NewNotificationService(db *gorm.DB, mailer Mailer, logger log.FieldLogger) *NotificationService {
	return &NotificationService{db: db, mailer: mailer, logger: logger}
}

func (s *NotificationService) Notify(ctx context.Context, n Notice) {
	entry := s.logger.WithFields(log.Fields{"user_id": n.UserID, "type": n.Type})

	if err := s.CreateNotification(ctx, n.UserID, n.Type, n.Title, n.Message, n.Data); err != nil {
		entry.WithError(err).Warn("Failed to store notification")
	}

	if s.mailer == nil || n.Email == "" {
		return
	}
	if err := s.mailer.Send(ctx, n.Email, n.Title, renderEmail(n.Title, n.Message)); err != nil {
		entry.WithError(err).Warn("Failed to email notification")
	}
}

// CreateNotification creates a new notification
func (s *NotificationService) CreateNotification(ctx context.Context, userID string, notifType models.NotificationType, title, message string, data map[string]interface{}) error {
	var dataJSON string
	if data != nil {
		jsonBytes, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal notification data: %w", err)
		}
		dataJSON = string(jsonBytes)
	}

	notification := models.Notification{
		UserID:  userID,
		Type:    notifType,
		Title:   title,
		Message: message,
		Data:    dataJSON,
		IsRead:  false,
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

// List returns the user's notifications, newest first, and the unread count.
func (s *NotificationService) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, int64, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		query = query.Where("is_read = ?", false)
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var notifications []models.Notification
	if err := query.Order("created_at DESC").Limit(limit).Find(&notifications).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch notifications: %w", err)
	}

	var unread int64
	err := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Count(&unread).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return notifications, unread, nil
}

// MarkRead marks one of the user's notifications as read. It reports false
// when no such notification exists.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, id uint) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Notification{}).
		Where("id = ? AND user_id = ?", id, userID).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark notification as read: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
