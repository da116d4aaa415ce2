package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"sessiond/session"
)

// App bundles the runtime dependencies of the HTTP surface.
type App struct {
	Config      session.Config
	Logger      *slog.Logger
	Store       session.Store
	Manager     *session.Manager
	Coordinator *session.Coordinator
}

// New wires the HTTP surface.
func New(cfg session.Config, store session.Store, manager *session.Manager, coordinator *session.Coordinator, logger *slog.Logger) *App {
	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       store,
		Manager:     manager,
		Coordinator: coordinator,
	}
}

// handleLogin starts the federated redirect. The response is terminal
// for the current page; the continuation is the callback route.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	redirect, err := a.Manager.Login(r.Context(), "")
	if err != nil {
		loginAttempts.WithLabelValues("federated", "error").Inc()
		a.Logger.Error("begin login failed", "error", err)
		a.renderLoginError(w, http.StatusBadGateway, "Could not start sign-in. Please try again.", true)
		return
	}
	loginAttempts.WithLabelValues("federated", "redirected").Inc()
	http.Redirect(w, r, redirect, http.StatusFound)
}

// handleCallback reconciles the federated redirect. Runs the
// coordinator exactly once per distinct callback.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	in := session.CallbackInput{
		Code:  q.Get("code"),
		State: q.Get("state"),
		Token: q.Get("token"),
	}
	a.finishCallback(w, r, in)
}

// handleLegacyCallback accepts the legacy SSO bridge redirect carrying
// a bare bearer token, bypassing any federated exchange.
func (a *App) handleLegacyCallback(w http.ResponseWriter, r *http.Request) {
	in := session.CallbackInput{Token: r.URL.Query().Get("token")}
	a.finishCallback(w, r, in)
}

func (a *App) finishCallback(w http.ResponseWriter, r *http.Request, in session.CallbackInput) {
	res := a.Coordinator.Run(r.Context(), in)

	switch res.Outcome {
	case session.OutcomeDone:
		callbackRuns.WithLabelValues("done").Inc()
		// Short delayed navigation clears the code and state from the
		// visible URL before landing on the intended destination.
		renderPage(w, a.Logger, http.StatusOK, pageData{
			Title:        "Signed in",
			Body:         template.HTML(`<p>Sign-in complete. Taking you back…</p>`),
			RefreshTo:    res.RedirectTo,
			RefreshAfter: 1,
		})

	case session.OutcomeIdle:
		callbackRuns.WithLabelValues("idle").Inc()
		http.Redirect(w, r, "/", http.StatusSeeOther)

	default:
		callbackRuns.WithLabelValues("failed").Inc()
		if errors.Is(res.Err, session.ErrCodeReplayed) {
			// User-caused: the code was consumed already, not a provider
			// outage.
			a.renderLoginError(w, http.StatusConflict, "This sign-in link was already used. Please restart login.", res.Retryable)
			return
		}
		a.renderLoginError(w, http.StatusBadGateway, "Sign-in failed. You can retry below.", res.Retryable)
	}
}

func (a *App) renderLoginError(w http.ResponseWriter, status int, message string, retryable bool) {
	action := `<a class="button" href="/login">Restart login</a>`
	if retryable {
		action = `<a class="button" href="/login">Retry login</a>`
	}
	renderPage(w, a.Logger, status, pageData{
		Title:   "Sign-in problem",
		IsError: true,
		Body:    template.HTML(fmt.Sprintf(`<p>%s</p>%s`, template.HTMLEscapeString(message), action)),
	})
}

const localLoginForm = `<p>Sign in with your dashboard account.</p>
{{if .Message}}<p style="color:#dc3545">{{.Message}}</p>{{end}}
<form method="post" action="/login/local">
    <label>Username <input name="username" autocomplete="username"></label>
    <label>Password <input name="password" type="password" autocomplete="current-password"></label>
    <button type="submit">Sign in</button>
</form>`

var localLoginTmpl = template.Must(template.New("local").Parse(localLoginForm))

func (a *App) handleLocalLoginPage(w http.ResponseWriter, r *http.Request) {
	a.renderLocalLogin(w, "", http.StatusOK)
}

func (a *App) handleLocalLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.renderLocalLogin(w, "Invalid form submission.", http.StatusBadRequest)
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if err := a.Manager.LoginLocal(r.Context(), username, password); err != nil {
		loginAttempts.WithLabelValues("local", "error").Inc()
		a.Logger.Warn("local login failed", "user", username, "error", err)
		a.renderLocalLogin(w, err.Error(), http.StatusUnauthorized)
		return
	}

	loginAttempts.WithLabelValues("local", "ok").Inc()
	target, ok, err := session.TakeIntent(r.Context(), a.Store)
	if err != nil {
		a.Logger.Warn("intent read failed", "error", err)
	}
	if !ok {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (a *App) renderLocalLogin(w http.ResponseWriter, message string, status int) {
	var body struct{ Message string }
	body.Message = message

	var buf strings.Builder
	if err := localLoginTmpl.Execute(&buf, body); err != nil {
		a.Logger.Error("render login form", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	renderPage(w, a.Logger, status, pageData{
		Title: "Sign in",
		Body:  template.HTML(buf.String()),
	})
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	redirect := a.Manager.Logout(r.Context())
	a.Logger.Info("logout", "redirect", redirect)
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

// handleDashboard renders a representative protected view; the real
// dashboard consumes the same session contract.
func (a *App) handleDashboard(title string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, profile, _ := a.Manager.Snapshot()
		name := ""
		role := ""
		if profile != nil {
			name = profile.Name
			if profile.Role != nil {
				role = profile.Role.Name
			}
		}
		body := fmt.Sprintf(`<p>Welcome, %s.</p><p class="muted">Role: %s</p>`+
			`<p><a href="/logout">Sign out</a></p>`,
			template.HTMLEscapeString(name), template.HTMLEscapeString(role))
		renderPage(w, a.Logger, http.StatusOK, pageData{
			Title: title,
			Body:  template.HTML(body),
		})
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, _, _ := a.Manager.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"session": status.String(),
	})
}
