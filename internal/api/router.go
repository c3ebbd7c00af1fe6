package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/finbase/marketsync/internal/api/handlers"
	custommiddleware "github.com/finbase/marketsync/internal/api/middleware"
	"github.com/finbase/marketsync/internal/config"
	"github.com/finbase/marketsync/internal/service"
)

// NewRouter creates and configures the HTTP router
func NewRouter(
	systemService *service.SystemService,
	eventService *service.EventService,
	updater *service.UpdaterService,
	portfolioService *service.PortfolioService,
	consistency *service.ConsistencyService,
	cfg *config.Config,
	logger zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(custommiddleware.Logger(logger))
	r.Use(middleware.Recoverer)

	// CORS middleware
	corsMiddleware := custommiddleware.NewCORS(cfg.CORS.AllowedOrigins)
	r.Use(corsMiddleware.Handler)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/system", func(r chi.Router) {
			systemHandler := handlers.NewSystemHandler(systemService, eventService)
			r.Get("/health", systemHandler.Health)
			r.Get("/version", systemHandler.Version)
			r.Get("/events", systemHandler.Events)
		})

		r.Route("/updates", func(r chi.Router) {
			updateHandler := handlers.NewUpdateHandler(updater, portfolioService, consistency)
			r.Post("/prices", updateHandler.TriggerPrices)
			r.Post("/metrics", updateHandler.TriggerMetrics)
			r.Post("/history", updateHandler.TriggerHistory)
			r.Post("/snapshot", updateHandler.TriggerSnapshot)
			r.Post("/universe", updateHandler.TriggerUniverseSync)
			r.Post("/consistency", updateHandler.TriggerConsistencyCheck)
		})

		r.Route("/portfolio", func(r chi.Router) {
			updateHandler := handlers.NewUpdateHandler(updater, portfolioService, consistency)
			r.Get("/performance", updateHandler.Performance)
		})
	})

	return r
}
