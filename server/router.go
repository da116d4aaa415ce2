package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes constructs the HTTP router: authentication surfaces plus the
// guarded dashboard views.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware())
	}

	r.Get("/login", a.handleLogin)
	r.Get("/login/local", a.handleLocalLoginPage)
	r.Post("/login/local", a.handleLocalLogin)
	r.Get("/logout", a.handleLogout)
	r.Get(a.Config.Provider.RedirectPath, a.handleCallback)
	r.Get("/sso/callback", a.handleLegacyCallback)

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Data-plane passthrough: the browser talks to the backend through
	// the gateway, which attaches the session's bearer token.
	if proxy, err := NewAPIProxy(a.Config.API.BaseURL, a.Manager, a.Logger); err != nil {
		a.Logger.Error("api proxy disabled", "error", err)
	} else {
		r.Group(func(g chi.Router) {
			g.Use(a.Guard())
			g.Handle("/api/*", proxy)
		})
	}

	// Representative protected dashboards. Any authenticated profile may
	// open the overview; the departmental views are role-gated.
	r.Group(func(g chi.Router) {
		g.Use(a.Guard())
		g.Get("/", a.handleDashboard("Dashboard"))
	})
	r.Group(func(g chi.Router) {
		g.Use(a.Guard("admin", "superadmin", "admin-inventory"))
		g.Get("/inventory", a.handleDashboard("Inventory"))
	})
	r.Group(func(g chi.Router) {
		g.Use(a.Guard("admin", "superadmin", "admin-production"))
		g.Get("/production", a.handleDashboard("Production"))
	})
	r.Group(func(g chi.Router) {
		g.Use(a.Guard("superadmin", "admin-warehouse"))
		g.Get("/warehouse", a.handleDashboard("Warehouse"))
	})

	return r
}
