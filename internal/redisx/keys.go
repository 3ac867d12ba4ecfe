package redisx

import "time"

const (
	// Webhook dedup fast path: dedup:webhook:{provider}:{transaction_id}
	KeyWebhookDedup = "dedup:webhook:%s:%s"

	// Cache status order: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Admin push channel, one message per order change.
	ChannelAdminOrders = "admin:orders"
)

var (
	TTLStatusCache  = 5 * time.Minute
	TTLWebhookDedup = 48 * time.Hour
)
