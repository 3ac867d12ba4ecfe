package orders

import (
	"context"

	"go.uber.org/zap"
)

// Notifier fans a committed change out to admin sessions and the event bus.
// Both are best effort: failures are logged and never undo the change.
type Notifier struct {
	Broadcaster Broadcaster
	Publisher   Publisher
	Log         *zap.Logger
}

func (n Notifier) Patch(ctx context.Context, msg AdminPatch) {
	if n.Broadcaster == nil {
		return
	}
	if err := n.Broadcaster.Broadcast(context.WithoutCancel(ctx), msg); err != nil && n.Log != nil {
		n.Log.Warn("admin broadcast failed", zap.String("order_id", msg.OrderID), zap.Error(err))
	}
}

func (n Notifier) Event(ctx context.Context, topic, orderID, eventType string, payload any) {
	if n.Publisher == nil {
		return
	}
	n.Publisher.Publish(context.WithoutCancel(ctx), topic, orderID, eventType, payload)
}
