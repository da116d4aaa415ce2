package server

import (
	"fmt"
	"html/template"
	"net/http"

	"sessiond/session"
)

// Guard wraps a protected handler with the session decision: render the
// content when the session is authenticated (and holds one of the
// required roles), otherwise a loading view, a login prompt, or an
// access-denied panel. Never an error to the caller.
func (a *App) Guard(required ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			status, _, cred := a.Manager.Snapshot()

			switch status {
			case session.StatusAuthenticated:
				if len(required) > 0 && !a.Manager.HasRole(required) {
					guardDecisions.WithLabelValues("denied").Inc()
					a.renderAccessDenied(w)
					return
				}
				guardDecisions.WithLabelValues("allowed").Inc()
				next.ServeHTTP(w, r)

			case session.StatusLoading, session.StatusUninitialized:
				// A stored credential may still be waiting on its profile.
				guardDecisions.WithLabelValues("loading").Inc()
				a.renderLoading(w, r, cred != nil)

			default:
				guardDecisions.WithLabelValues("prompt").Inc()
				a.promptLogin(w, r)
			}
		})
	}
}

// promptLogin records the originally requested path so it can be
// restored after login, then offers the applicable sign-in affordance.
func (a *App) promptLogin(w http.ResponseWriter, r *http.Request) {
	if err := session.SaveIntent(r.Context(), a.Store, r.URL.RequestURI()); err != nil {
		a.Logger.Warn("record intent failed", "error", err)
	}

	if a.Config.Provider.Mode != session.ModeFederated {
		http.Redirect(w, r, "/login/local", http.StatusSeeOther)
		return
	}

	renderPage(w, a.Logger, http.StatusUnauthorized, pageData{
		Title: "Sign in required",
		Body: template.HTML(`<p>You need to sign in to view this page.</p>` +
			`<a class="button" href="/login">Sign in</a>`),
	})
}

func (a *App) renderLoading(w http.ResponseWriter, r *http.Request, credentialPresent bool) {
	note := "Establishing your session…"
	if credentialPresent {
		note = "Verifying your session…"
	}
	renderPage(w, a.Logger, http.StatusOK, pageData{
		Title:        "Loading",
		Body:         template.HTML(fmt.Sprintf(`<p>%s</p><p class="muted">This page refreshes automatically.</p>`, note)),
		RefreshTo:    r.URL.RequestURI(),
		RefreshAfter: 2,
	})
}

func (a *App) renderAccessDenied(w http.ResponseWriter) {
	renderPage(w, a.Logger, http.StatusForbidden, pageData{
		Title:   "Access denied",
		IsError: true,
		Body: template.HTML(`<p>Your account does not have permission to view this page.</p>` +
			`<a class="button" href="/">Back to dashboard</a>`),
	})
}
