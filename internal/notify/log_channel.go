package notify

import (
	"context"
	"log/slog"
)

// LogChannel writes messages to the service log. It is the channel used
// when no external destination is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, msg Message) error {
	l.logger.InfoContext(ctx, "decision notification",
		"notification_id", msg.ID,
		"transaction_id", msg.TransactionID,
		"user_id", msg.UserID,
		"decision", msg.Decision,
		"timestamp", msg.Timestamp,
		"manual_review_required", msg.ManualReview,
	)
	return nil
}
