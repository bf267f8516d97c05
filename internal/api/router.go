package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keygate/keygate/internal/api/handlers"
	apimiddleware "github.com/keygate/keygate/internal/api/middleware"
	"github.com/keygate/keygate/internal/metrics"
	"github.com/keygate/keygate/internal/models"
	"github.com/keygate/keygate/internal/notify"
	"github.com/keygate/keygate/internal/services"
)

// Dependencies holds everything the router needs
type Dependencies struct {
	LicenseService *services.LicenseService
	TokenStore     *models.APITokenStore
	Notifier       *notify.Client
	Metrics        *metrics.Collector
}

// NewRouter creates and configures the main application router
func NewRouter(deps *Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(apimiddleware.HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	validateHandler := handlers.NewValidateHandler(deps.LicenseService, deps.Notifier)
	keysHandler := handlers.NewKeysHandler(deps.LicenseService)
	scriptsHandler := handlers.NewScriptsHandler(deps.LicenseService)

	// Public surface: the validation endpoint clients hit on every launch,
	// and liveness.
	r.Post("/validate", validateHandler.Validate)
	r.Get("/health", handlers.Health)

	// Administrative surface, token-gated.
	r.Route("/api", func(r chi.Router) {
		r.Use(apimiddleware.RequireAPIToken(deps.TokenStore))

		keysHandler.RegisterRoutes(r)
		scriptsHandler.RegisterRoutes(r)

		if deps.Metrics != nil {
			r.Method("GET", "/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		}
	})

	return r
}
