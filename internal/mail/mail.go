// Package mail is the boundary to the external mail-send capability.
// Handlers hand off a recipient and template data; delivery itself happens
// outside this core, and failures here never roll back committed state.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// Message is one outbound notification.
type Message struct {
	Recipient    string
	Template     string
	TemplateData map[string]string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, message Message) error
}

// LogSender records outbound mail without delivering it. Used in development
// and as the default when no real sender is wired.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender wires a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send logs the message and reports success.
func (sender *LogSender) Send(ctx context.Context, message Message) error {
	sender.logger.Info("mail handoff",
		zap.String("recipient", message.Recipient),
		zap.String("template", message.Template),
		zap.Any("data", message.TemplateData))
	return nil
}
