package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"peak-tracker-service/internal/http/handler"
	"peak-tracker-service/internal/http/middleware"
	"peak-tracker-service/internal/http/response"
)

type Dependencies struct {
	SessionHandler *handler.SessionHandler
	FeedHandler    *handler.FeedHandler
	CreateRPM      int
	BodyLimit      int64
	EnableOTelHTTP bool
	ReadyCheck     func(ctx context.Context) error
}

func NewRouter(dep Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.StructuredRequestLogger)
	if dep.BodyLimit > 0 {
		r.Use(middleware.BodyLimit(dep.BodyLimit))
	}

	createLimiter := middleware.NewRateLimiter(dep.CreateRPM, time.Minute).Middleware()

	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if dep.ReadyCheck != nil {
			if err := dep.ReadyCheck(r.Context()); err != nil {
				response.Error(w, r, http.StatusServiceUnavailable, "DEPENDENCY_UNREADY", err.Error(), nil)
				return
			}
		}
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(createLimiter).Post("/sessions", dep.SessionHandler.Create)
		r.With(createLimiter).Post("/sessions/{code}/members", dep.SessionHandler.Join)
		r.Get("/sessions/{session_id}/members", dep.SessionHandler.Members)
		r.Get("/sessions/{session_id}/feed", dep.FeedHandler.Stream)
		r.Patch("/members/{member_id}/location", dep.SessionHandler.UpdateLocation)
		r.Delete("/members/{member_id}", dep.SessionHandler.Leave)
	})

	r.Post("/internal/cleanup", dep.SessionHandler.Cleanup)

	var h http.Handler = r
	if dep.EnableOTelHTTP {
		h = otelhttp.NewHandler(r, "http.server")
	}
	return h
}
