package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler, log *slog.Logger, rdb *redis.Client, rateLimitPerMinute int) http.Handler {
	r := chi.NewRouter()

	// базовые middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate)
		r.Use(RateLimit(rdb, rateLimitPerMinute))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Delete("/{id}", h.CancelJob)
		})
		r.Post("/uploads", h.Upload)
		r.Get("/admin/processor-status", h.ProcessorStatus)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
