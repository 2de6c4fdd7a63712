// Package api exposes the admin HTTP surface: engagement analytics,
// delivery control, and the transport webhook. The public ingestion
// endpoints live in the tracking package and are mounted unauthenticated.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/inteldesk/advisory-mailer/internal/advisory"
	"github.com/inteldesk/advisory-mailer/internal/scheduler"
	"github.com/inteldesk/advisory-mailer/internal/tracking"
)

// Server holds the handler dependencies.
type Server struct {
	trackingStore  *tracking.Store
	aggregator     *tracking.Aggregator
	advisories     *advisory.Store
	schedulerStore *scheduler.Store
	engine         *scheduler.Engine
	jwtSecret      string
	allowedOrigins []string
}

// NewServer wires the admin API server.
func NewServer(trackingStore *tracking.Store, aggregator *tracking.Aggregator,
	advisories *advisory.Store, schedulerStore *scheduler.Store,
	engine *scheduler.Engine, jwtSecret string, allowedOrigins []string) *Server {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:3000"}
	}
	return &Server{
		trackingStore:  trackingStore,
		aggregator:     aggregator,
		advisories:     advisories,
		schedulerStore: schedulerStore,
		engine:         engine,
		jwtSecret:      jwtSecret,
		allowedOrigins: allowedOrigins,
	}
}

// Routes builds the full router: public ingestion plus the
// authenticated /api group.
func (s *Server) Routes(ingestion *tracking.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public: pixel, redirect, health. No auth, no JSON envelope.
	r.Get("/track/pixel", ingestion.HandlePixel)
	r.Get("/track/click", ingestion.HandleClick)
	r.Get("/health", ingestion.HandleHealth)

	// Transport notifications are authenticated by the transport's own
	// signing, verified upstream at the load balancer.
	r.Post("/webhooks/transport", s.HandleTransportWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(AuthMiddleware(s.jwtSecret))

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleSuperAdmin))
			r.Get("/analytics/summary", s.HandleSummary)
			r.Get("/analytics/timeseries", s.HandleTimeSeries)
			r.Get("/analytics/top", s.HandleTopTokens)
			r.Get("/analytics/devices", s.HandleDeviceBreakdown)
			r.Get("/analytics/export", s.HandleExport)
			r.Get("/tracking/{trackingID}", s.HandleTokenDetail)
			r.Post("/tracking/{trackingID}/disable", s.HandleTokenDisable)
		})

		r.Group(func(r chi.Router) {
			r.Use(RequireRole(RoleAdmin, RoleSuperAdmin))
			r.Get("/advisories", s.HandleListAdvisories)
			r.Get("/advisories/{advisoryID}", s.HandleGetAdvisory)
			r.Post("/scheduled-emails", s.HandleScheduleEmail)
			r.Get("/scheduled-emails", s.HandleListScheduled)
			r.Get("/scheduled-emails/{emailID}", s.HandleGetScheduled)
			r.Post("/scheduled-emails/{emailID}/cancel", s.HandleCancelScheduled)
			r.Post("/scheduled-emails/{emailID}/send-now", s.HandleSendNow)
		})
	})

	return r
}
