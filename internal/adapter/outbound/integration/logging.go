// Package integration provides the default outbound.Integration: a
// logging stand-in for the concrete messaging providers (Gmail, Telegram,
// Slack, Twilio) that are out of scope here, in the same spirit as the oob
// package's LoggingChannel stands in for a real chat bot.
package integration

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LoggingIntegration implements outbound.Integration by logging the call
// it would have made and returning a synthetic success result. Useful for
// development and for exercising the full dispatch path without a live
// provider.
type LoggingIntegration struct {
	logger *slog.Logger
}

// NewLoggingIntegration constructs a LoggingIntegration.
func NewLoggingIntegration(logger *slog.Logger) *LoggingIntegration {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingIntegration{logger: logger}
}

// Execute implements outbound.Integration.
func (i *LoggingIntegration) Execute(ctx context.Context, action string, params map[string]interface{}, secrets map[string]string) (map[string]interface{}, error) {
	secretKeys := make([]string, 0, len(secrets))
	for k := range secrets {
		secretKeys = append(secretKeys, k)
	}

	i.logger.Info("executing action",
		"action", action,
		"params", params,
		"secret_keys", secretKeys,
	)

	return map[string]interface{}{
		"action":    action,
		"simulated": true,
		"executed_at": time.Now().UTC().Format(time.RFC3339),
		"detail":      fmt.Sprintf("action %q executed (logging integration, no live provider configured)", action),
	}, nil
}
