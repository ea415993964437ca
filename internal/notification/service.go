package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/models"
	"github.com/sentryal/insar-api/internal/repository"
)

type Event struct {
	InfrastructureID string
	Event            models.NotificationEvent
	Severity         models.NotificationSeverity
	Title            string
	Message          string
	Metadata         map[string]interface{}
}

type Service interface {
	Publish(ctx context.Context, evt Event) (models.Notification, error)
	NotifyJobStarted(ctx context.Context, infrastructureID, jobID string) error
	NotifyJobSucceeded(ctx context.Context, infrastructureID, jobID string, validPoints int, meanDisplacementMM float64) error
	NotifyJobFailed(ctx context.Context, infrastructureID, jobID, reason string) error
	NotifyVelocityAlert(ctx context.Context, infrastructureID, pointID string, velocityMMYr float64, quality string) error
	ListRecent(ctx context.Context, infrastructureID string, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, infrastructureID, notificationID string) (models.Notification, error)
}

type service struct {
	repo      repository.NotificationRepository
	logger    zerolog.Logger
	notifiers []Notifier
}

func NewService(repo repository.NotificationRepository, logger zerolog.Logger, notifiers ...Notifier) Service {
	active := make([]Notifier, 0, len(notifiers))
	for _, notifier := range notifiers {
		if notifier != nil {
			active = append(active, notifier)
		}
	}
	return &service{
		repo:      repo,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		notifiers: active,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.Notification, error) {
	if evt.Event == "" {
		return models.Notification{}, fmt.Errorf("event type is required")
	}
	if evt.Severity == "" {
		evt.Severity = models.NotificationSeverityInfo
	}
	title := strings.TrimSpace(evt.Title)
	message := strings.TrimSpace(evt.Message)
	if title == "" {
		title = string(evt.Event)
	}
	params := repository.CreateNotificationParams{
		Event:    evt.Event,
		Severity: evt.Severity,
		Title:    title,
		Message:  message,
		Metadata: evt.Metadata,
	}
	if id := strings.TrimSpace(evt.InfrastructureID); id != "" {
		params.InfrastructureID = &id
	}

	notif, err := s.repo.Create(ctx, params)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(evt.Event)).Msg("failed to persist notification")
		return models.Notification{}, err
	}
	for _, notifier := range s.notifiers {
		if err := notifier.Notify(ctx, notif); err != nil {
			logNotifyError(s.logger, err, notifierChannelName(notifier), notif)
		}
	}
	return notif, nil
}

func (s *service) NotifyJobStarted(ctx context.Context, infrastructureID, jobID string) error {
	_, err := s.Publish(ctx, Event{
		InfrastructureID: infrastructureID,
		Event:            models.NotificationEventJobStarted,
		Severity:         models.NotificationSeverityInfo,
		Title:            "Processing started",
		Message:          fmt.Sprintf("Processing job %s has started.", jobID),
		Metadata: map[string]interface{}{
			"job_id": jobID,
		},
	})
	return err
}

func (s *service) NotifyJobSucceeded(ctx context.Context, infrastructureID, jobID string, validPoints int, meanDisplacementMM float64) error {
	_, err := s.Publish(ctx, Event{
		InfrastructureID: infrastructureID,
		Event:            models.NotificationEventJobSucceeded,
		Severity:         models.NotificationSeverityInfo,
		Title:            "Processing succeeded",
		Message:          fmt.Sprintf("Processing job %s completed with %d valid measurements.", jobID, validPoints),
		Metadata: map[string]interface{}{
			"job_id":               jobID,
			"valid_points":         validPoints,
			"mean_displacement_mm": meanDisplacementMM,
		},
	})
	return err
}

func (s *service) NotifyJobFailed(ctx context.Context, infrastructureID, jobID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown error"
	}
	_, err := s.Publish(ctx, Event{
		InfrastructureID: infrastructureID,
		Event:            models.NotificationEventJobFailed,
		Severity:         models.NotificationSeverityError,
		Title:            "Processing failed",
		Message:          fmt.Sprintf("Processing job %s failed: %s", jobID, reason),
		Metadata: map[string]interface{}{
			"job_id": jobID,
			"reason": reason,
		},
	})
	return err
}

func (s *service) NotifyVelocityAlert(ctx context.Context, infrastructureID, pointID string, velocityMMYr float64, quality string) error {
	_, err := s.Publish(ctx, Event{
		InfrastructureID: infrastructureID,
		Event:            models.NotificationEventVelocityAlert,
		Severity:         models.NotificationSeverityWarning,
		Title:            "Deformation velocity alert",
		Message:          fmt.Sprintf("Point %s is moving at %.1f mm/yr.", pointID, velocityMMYr),
		Metadata: map[string]interface{}{
			"point_id":       pointID,
			"velocity_mm_yr": velocityMMYr,
			"data_quality":   quality,
		},
	})
	return err
}

func (s *service) ListRecent(ctx context.Context, infrastructureID string, limit int) ([]models.Notification, error) {
	return s.repo.ListRecent(ctx, infrastructureID, limit)
}

func (s *service) MarkRead(ctx context.Context, infrastructureID, notificationID string) (models.Notification, error) {
	return s.repo.MarkRead(ctx, infrastructureID, notificationID)
}

func notifierChannelName(n Notifier) string {
	type named interface {
		String() string
	}
	if v, ok := n.(named); ok {
		return v.String()
	}
	return fmt.Sprintf("%T", n)
}
