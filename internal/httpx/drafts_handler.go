package httpx

import (
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/confirm"
	"github.com/ariefcatur/go-storefront-orders/internal/drafts"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type DraftsHandler struct {
	Drafts  *drafts.Manager
	Confirm *confirm.Pipeline
	Log     *zap.Logger
}

func (h *DraftsHandler) Register(r chi.Router) {
	r.Post("/drafts", h.create)
	r.Get("/drafts/{id}", h.load)
	r.Patch("/drafts/{id}", h.update)
	r.Delete("/drafts/{id}", h.delete)
	r.Post("/drafts/{id}/confirm", h.confirm)
}

func (h *DraftsHandler) create(w http.ResponseWriter, r *http.Request) {
	var in drafts.CreateInput
	if err := decode(r, &in); err != nil {
		writeError(w, h.Log, err)
		return
	}
	res, err := h.Drafts.Create(r.Context(), actorFrom(r.Context()), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *DraftsHandler) load(w http.ResponseWriter, r *http.Request) {
	res, err := h.Drafts.Load(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DraftsHandler) update(w http.ResponseWriter, r *http.Request) {
	var p drafts.DraftPatch
	if err := decode(r, &p); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Drafts.Update(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), p)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *DraftsHandler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.Drafts.Delete(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeError(w, h.Log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DraftsHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var in confirm.Input
	if err := decode(r, &in); err != nil {
		writeError(w, h.Log, err)
		return
	}
	o, err := h.Confirm.Confirm(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}
