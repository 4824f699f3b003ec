// Package notify delivers submitter-facing notifications. The default
// implementation writes structured log records; a deployment replaces
// it with a plugin talking to the submitting backend.
package notify

import (
	"context"
	"log/slog"

	"github.com/sirosfoundation/go-gateway/internal/storage"
)

// LogNotifier reports status changes and group events through the
// logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyStatusChange(ctx context.Context, messageID string, status storage.MessageStatus) {
	n.logger.Info("message status notification",
		"message_id", messageID,
		"status", status)
}

func (n *LogNotifier) NotifyGroupCompleted(ctx context.Context, groupID, sourceMessageID string) {
	n.logger.Info("message group completed",
		"group_id", groupID,
		"message_id", sourceMessageID)
}

func (n *LogNotifier) NotifyGroupFailed(ctx context.Context, groupID, sourceMessageID string) {
	n.logger.Warn("message group failed",
		"group_id", groupID,
		"message_id", sourceMessageID)
}
