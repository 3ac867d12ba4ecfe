package httpx

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/apperr"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict, apperr.KindModified:
		return http.StatusConflict
	case apperr.KindLimitation:
		return http.StatusUnprocessableEntity
	case apperr.KindNoChange:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps controlled errors to their status and reason code. Anything
// else is logged and reported as a bare internal error.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	e, ok := apperr.As(err)
	if !ok {
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Reason: apperr.ReasonInternal})
		return
	}
	if e.Kind == apperr.KindNoChange {
		writeJSON(w, http.StatusOK, map[string]any{"changed": false, "reason": e.Reason})
		return
	}
	code := statusFor(e.Kind)
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("reason", e.Reason), zap.Error(err))
	}
	writeJSON(w, code, errorBody{Error: e.Error(), Reason: e.Reason, Details: e.Details})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return apperr.Validation("invalid json: %v", err)
	}
	return nil
}
