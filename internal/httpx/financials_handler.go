package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/financials"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type FinancialsHandler struct {
	Ledger *financials.Ledger
	Log    *zap.Logger
}

func (h *FinancialsHandler) Register(r chi.Router) {
	r.Route("/orders/{id}/financials", func(r chi.Router) {
		r.Post("/events", h.applyOffline)
		r.Post("/events/{eventID}/void", h.void)
		r.Post("/online-payment", h.onlinePayment)
		r.Post("/online-refund", h.onlineRefund)
	})
}

func (h *FinancialsHandler) applyOffline(w http.ResponseWriter, r *http.Request) {
	var in financials.OfflineInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Ledger.ApplyOffline(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

type voidRequest struct {
	Note string `json:"note"`
}

func (h *FinancialsHandler) void(w http.ResponseWriter, r *http.Request) {
	var req voidRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Ledger.Void(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), chi.URLParam(r, "eventID"), req.Note)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *FinancialsHandler) onlinePayment(w http.ResponseWriter, r *http.Request) {
	var in financials.OnlineInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Ledger.StartOnlinePayment(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *FinancialsHandler) onlineRefund(w http.ResponseWriter, r *http.Request) {
	var in financials.OnlineInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Ledger.StartOnlineRefund(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
