// Package oob provides the default out-of-band confirmation channel for
// the approval manager. Concrete messaging providers (Telegram, Slack) are
// deliberately out of scope per the executor's contract; this package
// ships a channel that logs the same information a chat bot would post,
// so the approval lifecycle is fully exercised without a live integration.
package oob

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dead-pool-aka-wilson/moltgate/internal/domain/approval"
)

// LoggingChannel implements approval.Channel by writing structured log
// lines instead of calling a chat provider API.
type LoggingChannel struct {
	logger *slog.Logger
}

// NewLoggingChannel constructs a LoggingChannel.
func NewLoggingChannel(logger *slog.Logger) *LoggingChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingChannel{logger: logger}
}

// Post implements approval.Channel.
func (c *LoggingChannel) Post(msg approval.Message) (approval.Correlation, error) {
	params, err := json.Marshal(msg.Params)
	if err != nil {
		return approval.Correlation{}, fmt.Errorf("marshal approval params: %w", err)
	}

	corr := approval.Correlation{
		ChatID:    "admin",
		MessageID: uuid.NewString(),
	}

	c.logger.Info("APPROVAL REQUEST",
		"approval_id", msg.ApprovalID,
		"action", msg.Action,
		"requester", msg.Requester,
		"created_at", msg.CreatedAt,
		"expires_at", msg.ExpiresAt,
		"params", string(params),
		"message_id", corr.MessageID,
	)
	return corr, nil
}

// UpdateTerminal implements approval.Channel.
func (c *LoggingChannel) UpdateTerminal(corr approval.Correlation, status approval.Status, decidedBy string) error {
	c.logger.Info("approval terminal status",
		"chat_id", corr.ChatID,
		"message_id", corr.MessageID,
		"status", status,
		"decided_by", decidedBy,
	)
	return nil
}

var _ approval.Channel = (*LoggingChannel)(nil)
