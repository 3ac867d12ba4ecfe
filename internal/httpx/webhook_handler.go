package httpx

import (
	"io"
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/payment"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ackBody struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// WebhookHandler accepts provider callbacks. Providers retry on anything but a
// 2xx, so every request is acknowledged; rejected callbacks are only logged.
type WebhookHandler struct {
	Providers *payment.Registry
	Ledger    *financials.Ledger
	// Queue hands verified notifications to the worker instead of applying them
	// in the request. Nil applies inline.
	Queue orders.Publisher
	Log   *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Post("/webhooks/payments", h.receive)
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.Log.Warn("webhook body read failed", zap.Error(err))
		writeJSON(w, http.StatusOK, ackBody{Received: true})
		return
	}

	p, err := h.Providers.Detect(r)
	if err != nil {
		h.Log.Warn("webhook from unknown provider", zap.String("remote", r.RemoteAddr))
		writeJSON(w, http.StatusOK, ackBody{Received: true})
		return
	}
	if err := p.Verify(r.Header, body); err != nil {
		h.Log.Warn("webhook signature rejected", zap.String("provider", p.Name()), zap.Error(err))
		writeJSON(w, http.StatusOK, ackBody{Received: true})
		return
	}
	n, err := p.Normalize(body)
	if err != nil {
		h.Log.Warn("webhook payload rejected", zap.String("provider", p.Name()), zap.Error(err))
		writeJSON(w, http.StatusOK, ackBody{Received: true})
		return
	}

	if h.Queue != nil {
		h.Queue.Publish(ctx, orders.TopicWebhookReceived, n.OrderID, orders.EventWebhookReceived, n)
		writeJSON(w, http.StatusOK, ackBody{Received: true, Outcome: "queued"})
		return
	}
	out, err := h.Ledger.ApplyWebhook(ctx, n)
	if err != nil {
		h.Log.Warn("webhook not applied", zap.String("order_id", n.OrderID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, ackBody{Received: true, Outcome: string(out)})
}
