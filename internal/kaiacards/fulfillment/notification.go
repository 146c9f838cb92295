package fulfillment

import (
	"context"

	"kaiacards/internal/kaiacards/data"
	"kaiacards/pkg/logging"

	"go.uber.org/zap"
)

// Notifier delivers the card to the customer. Notification failures are
// logged by the dispatcher and never affect order state.
type Notifier interface {
	Notify(ctx context.Context, recipientRef string, order data.Order) error
}

// LogNotifier is the default sink used when no messaging channel is
// configured.
type LogNotifier struct {
	logger *logging.ZapLogger
}

func NewLogNotifier(logger *logging.ZapLogger) *LogNotifier {
	return &LogNotifier{
		logger: logger,
	}
}

func (n *LogNotifier) Notify(ctx context.Context, recipientRef string, order data.Order) error {
	n.logger.InfoCtx(ctx, "order delivered",
		zap.String("orderID", order.ID),
		zap.String("recipient", recipientRef),
		zap.String("cardCode", maskCode(order.CardCode)),
	)
	return nil
}

func maskCode(code string) string {
	if len(code) <= 4 {
		return "****"
	}
	return code[:4] + "****"
}
