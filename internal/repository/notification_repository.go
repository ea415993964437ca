package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sentryal/insar-api/internal/models"
)

type NotificationRepository interface {
	Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error)
	ListRecent(ctx context.Context, infrastructureID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, infrastructureID, notificationID string) (models.Notification, error)
}

type notificationRepository struct {
	db *sql.DB
}

type CreateNotificationParams struct {
	InfrastructureID *string
	Event            models.NotificationEvent
	Severity         models.NotificationSeverity
	Title            string
	Message          string
	Metadata         map[string]interface{}
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, params CreateNotificationParams) (models.Notification, error) {
	const query = `
		INSERT INTO monitor.notifications (infrastructure_id, event_type, severity, title, message, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, infrastructure_id, event_type, severity, title, message, metadata, created_at, read_at
	`

	var infrastructureID interface{}
	if params.InfrastructureID != nil && strings.TrimSpace(*params.InfrastructureID) != "" {
		infrastructureID = strings.TrimSpace(*params.InfrastructureID)
	}

	var metadata interface{}
	if len(params.Metadata) > 0 {
		bytes, err := json.Marshal(params.Metadata)
		if err != nil {
			return models.Notification{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = bytes
	}

	row := r.db.QueryRowContext(ctx, query, infrastructureID, params.Event, params.Severity, params.Title, params.Message, metadata)
	return scanNotification(row)
}

func (r *notificationRepository) ListRecent(ctx context.Context, infrastructureID string, limit int) ([]models.Notification, error) {
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	const query = `
		SELECT id, infrastructure_id, event_type, severity, title, message, metadata, created_at, read_at
		FROM monitor.notifications
		WHERE infrastructure_id IS NULL OR infrastructure_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(infrastructureID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []models.Notification
	for rows.Next() {
		notif, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notif)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notifications, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, infrastructureID, notificationID string) (models.Notification, error) {
	const query = `
		UPDATE monitor.notifications
		SET read_at = NOW()
		WHERE id = $1 AND (infrastructure_id IS NULL OR infrastructure_id = $2)
		RETURNING id, infrastructure_id, event_type, severity, title, message, metadata, created_at, read_at
	`
	row := r.db.QueryRowContext(ctx, query, strings.TrimSpace(notificationID), strings.TrimSpace(infrastructureID))
	return scanNotification(row)
}

func scanNotification(scanner interface {
	Scan(dest ...interface{}) error
}) (models.Notification, error) {
	var (
		notif            models.Notification
		infrastructureID sql.NullString
		metadataRaw      []byte
		readAt           sql.NullTime
	)

	if err := scanner.Scan(
		&notif.ID,
		&infrastructureID,
		&notif.EventType,
		&notif.Severity,
		&notif.Title,
		&notif.Message,
		&metadataRaw,
		&notif.CreatedAt,
		&readAt,
	); err != nil {
		return models.Notification{}, err
	}

	if infrastructureID.Valid {
		val := infrastructureID.String
		notif.InfrastructureID = &val
	}
	if len(metadataRaw) > 0 {
		notif.Metadata = metadataRaw
	}
	if readAt.Valid {
		t := readAt.Time
		notif.ReadAt = &t
	}

	return notif, nil
}
