package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(apiHandler.logger))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/bots", apiHandler.ListBotsHandler)

		r.Get("/channels", apiHandler.ListChannelsHandler)
		r.Post("/channels", apiHandler.CreateChannelHandler)
		r.Route("/channels/{channelID}", func(r chi.Router) {
			r.Patch("/", apiHandler.UpdateChannelHandler)
			r.Delete("/", apiHandler.DeleteChannelHandler)
			r.Post("/switch", apiHandler.SwitchChannelHandler)

			r.Get("/messages", apiHandler.ListMessagesHandler)
			r.Post("/messages", apiHandler.PostMessageHandler)
			r.Delete("/messages/{messageID}", apiHandler.DeleteMessageHandler)
			r.Post("/messages/{messageID}/retry", apiHandler.RetryHandler)
			r.Post("/messages/{messageID}/cancel", apiHandler.CancelHandler)
			r.Put("/messages/{messageID}/current", apiHandler.SwitchContentHandler)
		})

		r.Post("/attachments", apiHandler.UploadAttachmentHandler)
		r.Get("/attachments/{name}", apiHandler.GetAttachmentHandler)
	})

	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}
