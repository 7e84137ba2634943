package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pairlet-service/config"
	"pairlet-service/internal/middleware"
)

// NewRouter はルーターを生成する。OTEL_ENABLED の場合はotelhttpでラップする。
func NewRouter(h *KeyHandler, cfg *config.Config) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ルート定義
	r.Route("/v1/devices/{device_id}", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Get("/", h.ListKeys)
			r.Get("/active", h.GetActiveKey)
			r.Post("/invalidate", h.InvalidateKey)
			r.Get("/{generation}", h.GetKeyByGeneration)
		})
		r.Get("/recovery", h.GetRecoveryStatus)
	})

	if cfg != nil && cfg.OtelEnabled {
		return otelhttp.NewHandler(r, "pairlet-api")
	}
	return r
}
