package financials

import (
	"context"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	kafkax "github.com/ariefcatur/go-storefront-orders/internal/kafka"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// HandleWebhookReceived is the consumer side of queued provider callbacks. Only
// errors worth a redelivery are returned; rejected notifications are already on
// the critical log.
func (l *Ledger) HandleWebhookReceived(ctx context.Context, m kafkago.Message) error {
	ctx = kafkax.ExtractTrace(ctx, m)

	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		l.Log.Error("dropping undecodable webhook message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventWebhookReceived {
		return nil
	}
	n, err := kafkax.UnwrapPayload[payment.Notification](env.Payload)
	if err != nil {
		l.Log.Error("dropping webhook payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	_, err = l.ApplyWebhook(ctx, n)
	if _, controlled := apperr.As(err); err != nil && !controlled {
		return err
	}
	return nil
}
