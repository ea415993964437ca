package notification

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sentryal/insar-api/internal/models"
)

// Notifier delivers a persisted notification over one outbound channel.
type Notifier interface {
	Notify(ctx context.Context, notification models.Notification) error
}

func logNotifyError(logger zerolog.Logger, err error, channel string, notif models.Notification) {
	if err == nil {
		return
	}
	logger.Warn().
		Err(err).
		Str("notification_id", notif.ID).
		Str("event_type", string(notif.EventType)).
		Str("channel", channel).
		Msg("failed to deliver notification")
}
