package notifications

import (
	"context"

	"go.uber.org/zap"

	"github.com/meditationastro/medinow-orders/internal/platform/requestctx"
)

// LogSender records notifications instead of delivering them. It is the default when no external
// delivery transport is wired.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender returns a sender writing to logger.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, n Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	requestctx.LoggerOr(ctx, s.logger).Info("notification",
		zap.String("notificationId", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("orderId", n.OrderID),
		zap.String("recipient", n.Recipient),
	)
	return nil
}

var _ Sender = (*LogSender)(nil)
