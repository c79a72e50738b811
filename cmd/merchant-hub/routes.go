package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scr53005/merchant-hub/metrics"
)

const requestTimeout = 30 * time.Second

func newRouter(server *apiServer, reg *metrics.Registry, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		loggingMiddleware(logger),
		middleware.Recoverer,
		middleware.Timeout(requestTimeout),
	)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", server.handleReadyz)
	if reg != nil {
		r.Method(http.MethodGet, "/metrics", reg.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/leader", server.handleLeader)
		r.Post("/poll", server.handlePoll)
		r.Get("/status", server.handleStatus)
		r.Route("/recipients/{recipientId}", func(r chi.Router) {
			r.Post("/consume", server.handleConsume)
			r.Post("/ack", server.handleAck)
			r.Get("/stream", server.handleStream)
		})
	})
	return r
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http_request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
