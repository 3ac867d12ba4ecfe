package orders

const (
	TopicOrderConfirmed     = "order.confirmed"
	TopicOrderStatusChanged = "order.status_changed"
	TopicOrderEdited        = "order.edited"
	TopicFinancialsChanged  = "order.financials_changed"
	TopicWebhookReceived    = "payment.webhook.received"
)

// Partition key = order id so every event of one order keeps its order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }
