package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type Pinger func(ctx context.Context) error

func NewRouter(timeout time.Duration, log *zap.Logger, ping Pinger) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, accessLog(log), middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				log.Warn("health check failed", zap.Error(err))
				http.Error(w, "unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
			)
		})
	}
}

type actorKey struct{}

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

// Identify trusts the identity headers set by the upstream gateway.
func Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderUserID)
		if id == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing identity", Reason: "UNAUTHENTICATED"})
			return
		}
		role := orders.Role(r.Header.Get(HeaderUserRole))
		switch role {
		case "":
			role = orders.RoleCustomer
		case orders.RoleCustomer, orders.RoleAdmin, orders.RoleSystem:
		default:
			writeJSON(w, http.StatusForbidden, errorBody{Error: "unknown role", Reason: "FORBIDDEN"})
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, orders.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) orders.Actor {
	a, _ := ctx.Value(actorKey{}).(orders.Actor)
	return a
}
