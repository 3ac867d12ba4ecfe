package orders

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const (
	EventOrderConfirmed     = "OrderConfirmed"
	EventOrderStatusChanged = "OrderStatusChanged"
	EventOrderEdited        = "OrderEdited"
	EventFinancialsChanged  = "FinancialsChanged"
	EventWebhookReceived    = "PaymentWebhookReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

type OrderConfirmedPayload struct {
	OrderID    string          `json:"order_id"`
	Number     int64           `json:"number"`
	CustomerID string          `json:"customer_id"`
	Items      []Item          `json:"items"`
	Total      decimal.Decimal `json:"total"`
}

type OrderStatusChangedPayload struct {
	OrderID string      `json:"order_id"`
	Entry   StatusEntry `json:"entry"`
}

type OrderEditedPayload struct {
	OrderID string     `json:"order_id"`
	Entry   AuditEntry `json:"entry"`
}

type FinancialsChangedPayload struct {
	OrderID       string          `json:"order_id"`
	State         FinancialState  `json:"state"`
	TotalPaid     decimal.Decimal `json:"total_paid"`
	TotalRefunded decimal.Decimal `json:"total_refunded"`
	EventID       string          `json:"event_id,omitempty"`
}

// Publisher emits domain events; delivery is best effort and never blocks the
// caller's transaction.
type Publisher interface {
	Publish(ctx context.Context, topic, key, eventType string, payload any)
}
