package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	SandboxName            = "sandbox"
	SandboxSignatureHeader = "X-Sandbox-Signature"
)

// Sandbox is an in-process provider: it mints transaction ids locally and signs
// its callbacks with HMAC-SHA256 over the raw body.
type Sandbox struct {
	secret  []byte
	baseURL string
}

func NewSandbox(secret, baseURL string) *Sandbox {
	return &Sandbox{secret: []byte(secret), baseURL: baseURL}
}

// SandboxPayload is the callback body the sandbox sends.
type SandboxPayload struct {
	OrderID       string          `json:"order_id"`
	TransactionID string          `json:"transaction_id"`
	Type          string          `json:"type"`   // payment | refund
	Status        string          `json:"status"` // success | failed
	Amount        decimal.Decimal `json:"amount"`
}

func (s *Sandbox) Name() string { return SandboxName }

func (s *Sandbox) create(prefix string, req CreateRequest) (CreateResult, error) {
	if !req.Amount.IsPositive() {
		return CreateResult{}, fmt.Errorf("sandbox: amount must be positive")
	}
	id := prefix + uuid.NewString()
	return CreateResult{TransactionID: id, RedirectURL: fmt.Sprintf("%s/sandbox/checkout/%s", s.baseURL, id)}, nil
}

func (s *Sandbox) CreatePayment(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	return s.create("sbx_pay_", req)
}

func (s *Sandbox) CreateRefund(ctx context.Context, req CreateRequest) (CreateResult, error) {
	if err := ctx.Err(); err != nil {
		return CreateResult{}, err
	}
	return s.create("sbx_ref_", req)
}

func (s *Sandbox) Detect(r *http.Request) bool {
	return r.Header.Get(SandboxSignatureHeader) != "" || r.URL.Query().Get("provider") == SandboxName
}

func (s *Sandbox) Sign(body []byte) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	return hex.EncodeToString(m.Sum(nil))
}

func (s *Sandbox) Verify(h http.Header, body []byte) error {
	got, err := hex.DecodeString(h.Get(SandboxSignatureHeader))
	if err != nil || len(got) == 0 {
		return ErrBadSignature
	}
	m := hmac.New(sha256.New, s.secret)
	m.Write(body)
	if !hmac.Equal(got, m.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Sandbox) Normalize(body []byte) (Notification, error) {
	var p SandboxPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Notification{}, fmt.Errorf("sandbox payload: %w", err)
	}
	kind, err := sandboxKind(p.Type, p.Status)
	if err != nil {
		return Notification{}, err
	}
	if p.OrderID == "" || p.TransactionID == "" {
		return Notification{}, fmt.Errorf("sandbox payload: order_id and transaction_id are required")
	}
	return Notification{
		Provider:      SandboxName,
		OrderID:       p.OrderID,
		TransactionID: p.TransactionID,
		Kind:          kind,
		Amount:        p.Amount,
	}, nil
}

func sandboxKind(typ, status string) (orders.EventKind, error) {
	switch {
	case typ == "payment" && status == "success":
		return orders.PaymentSuccess, nil
	case typ == "payment" && status == "failed":
		return orders.PaymentFailed, nil
	case typ == "refund" && status == "success":
		return orders.RefundSuccess, nil
	case typ == "refund" && status == "failed":
		return orders.RefundFailed, nil
	}
	return "", fmt.Errorf("sandbox payload: unknown type/status %q/%q", typ, status)
}
