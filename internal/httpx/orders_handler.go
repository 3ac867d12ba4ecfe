package httpx

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/ariefcatur/go-storefront-orders/internal/redisx"
	"github.com/ariefcatur/go-storefront-orders/internal/status"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// StatusCache is the read side of the order status cache.
type StatusCache interface {
	CachedStatus(ctx context.Context, orderID string) (redisx.StatusEntry, bool, error)
	CacheStatus(ctx context.Context, orderID, status string, at time.Time) error
}

type OrdersHandler struct {
	Status *status.Machine
	Cache  StatusCache
	Log    *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders", h.list)
	r.Get("/orders/{id}", h.get)
	r.Patch("/orders/{id}", h.edit)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/status", h.changeStatus)
	r.Get("/orders/{id}/stock", h.stock)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s must be a number", key)
	}
	return n, nil
}

func (h *OrdersHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := orders.ListFilter{CustomerID: q.Get("customer_id"), Status: orders.Status(q.Get("status"))}
	var err error
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, h.Log, err)
		return
	}
	out, err := h.Status.List(r.Context(), actorFrom(r.Context()), f)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if out == nil {
		out = []*orders.Order{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.Status.Get(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// getStatus serves staff polling from the cache; customers always go through the
// ownership check.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := actorFrom(ctx)
	id := chi.URLParam(r, "id")

	if h.Cache != nil && actor.IsStaff() {
		e, ok, err := h.Cache.CachedStatus(ctx, id)
		if err != nil {
			h.Log.Warn("status cache read failed", zap.String("order_id", id), zap.Error(err))
		} else if ok {
			writeJSON(w, http.StatusOK, e)
			return
		}
	}

	o, err := h.Status.Get(ctx, actor, id)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	e := redisx.StatusEntry{Status: string(o.Status), UpdatedAt: o.UpdatedAt}
	if h.Cache != nil {
		if err := h.Cache.CacheStatus(ctx, id, e.Status, e.UpdatedAt); err != nil {
			h.Log.Warn("status cache write failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *OrdersHandler) changeStatus(w http.ResponseWriter, r *http.Request) {
	var cmd status.Command
	if err := decode(r, &cmd); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Status.Change(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), cmd)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) edit(w http.ResponseWriter, r *http.Request) {
	var p status.OrderPatch
	if err := decode(r, &p); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Status.Edit(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *OrdersHandler) stock(w http.ResponseWriter, r *http.Request) {
	av, err := h.Status.Stock(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}
