package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeIdP is a provider stub without a discovery document; clients fall
// back to the conventional /oauth endpoints.
func fakeIdP(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-" + r.PostFormValue("code"),
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixedVerifier struct {
	profile *session.UserProfile
	err     error
}

func (f *fixedVerifier) Verify(_ context.Context, _ string) (*session.UserProfile, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.profile, nil
}

type fixedLocal struct {
	cred    *session.Credential
	profile *session.UserProfile
	err     error
}

func (f *fixedLocal) Login(_ context.Context, _, _ string) (*session.Credential, *session.UserProfile, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.cred, f.profile, nil
}

func operatorProfile() *session.UserProfile {
	return &session.UserProfile{
		ID:   "u-op",
		Name: "Line Operator",
		Role: &session.Role{ID: "r-op", Name: "Operator", Slug: "operator", Level: 20},
	}
}

// newOpenApp runs in open mode: every request sees an authenticated
// superadmin session.
func newOpenApp(t *testing.T) *App {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.Provider.Mode = session.ModeDisabled
	store := session.NewMemoryStore()
	m := session.NewManager(cfg, store, nil, &fixedVerifier{}, nil, testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	c := session.NewCoordinator(cfg, store, nil, testLogger(), nil)
	return New(cfg, store, m, c, testLogger())
}

// newFederatedApp wires a full federated stack against the fake
// provider. seed, when non-nil, is verified during Initialize.
func newFederatedApp(t *testing.T, verifier session.ProfileVerifier, local session.LocalAuthenticator, seed *session.Credential) (*App, *session.FederatedClient, session.Store) {
	t.Helper()
	idp := fakeIdP(t)

	cfg := session.DefaultConfig()
	cfg.Provider.Authority = idp.URL
	cfg.Provider.ClientID = "dashboard"

	store := session.NewMemoryStore()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := session.NewFederatedClient(ctx, cfg, store, testLogger())
	require.NoError(t, err)

	if seed != nil {
		require.NoError(t, session.SaveCredential(ctx, store, f.StoreKey(), seed))
	}

	m := session.NewManager(cfg, store, f, verifier, local, testLogger())
	require.NoError(t, m.Initialize(ctx))
	c := session.NewCoordinator(cfg, store, f, testLogger(), nil)

	return New(cfg, store, m, c, testLogger()), f, store
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestGuardAllowsAuthenticated(t *testing.T) {
	app := newOpenApp(t)
	h := app.Routes()

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Welcome, Super Admin")

	// Superadmin passes every departmental gate.
	for _, path := range []string{"/inventory", "/production", "/warehouse"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestGuardDeniesMissingRole(t *testing.T) {
	seed := &session.Credential{
		AccessToken: "at-op",
		ExpiresAt:   time.Now().Add(time.Hour),
		Source:      session.SourceFederated,
	}
	app, _, _ := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, seed)
	h := app.Routes()

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, h, "/warehouse")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Access denied")
}

func TestGuardPromptsSignInAndRecordsIntent(t *testing.T) {
	app, _, store := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, nil)
	h := app.Routes()

	rec := get(t, h, "/production")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign in")

	path, ok, err := session.TakeIntent(context.Background(), store)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/production", path)
}

func TestGuardRedirectsToLocalLoginWithoutProvider(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.Provider.Mode = session.ModeDisabled
	store := session.NewMemoryStore()
	m := session.NewManager(cfg, store, nil, &fixedVerifier{}, nil, testLogger())
	m.Logout(context.Background())
	app := New(cfg, store, m, nil, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	app.Guard()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login/local", rec.Header().Get("Location"))
}

func TestGuardUninitializedShowsLoading(t *testing.T) {
	cfg := session.DefaultConfig()
	cfg.Provider.Mode = session.ModeDisabled
	store := session.NewMemoryStore()
	m := session.NewManager(cfg, store, nil, &fixedVerifier{}, nil, testLogger())
	app := New(cfg, store, m, nil, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/secret", nil)
	app.Guard()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http-equiv="refresh"`)
}

func TestGuardLoadingView(t *testing.T) {
	seed := &session.Credential{
		AccessToken: "at-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		Source:      session.SourceFederated,
	}
	// Backend down: the credential is kept and the guard shows progress.
	app, _, _ := newFederatedApp(t, &fixedVerifier{err: io.ErrUnexpectedEOF}, nil, seed)
	h := app.Routes()

	rec := get(t, h, "/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Verifying your session")
	assert.Contains(t, rec.Body.String(), `http-equiv="refresh"`)
}

func TestLoginRedirectsToProvider(t *testing.T) {
	app, _, _ := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, nil)
	h := app.Routes()

	rec := get(t, h, "/login")
	require.Equal(t, http.StatusFound, rec.Code)
	loc := rec.Header().Get("Location")
	assert.Contains(t, loc, "/oauth/authorize")
	assert.Contains(t, loc, "client_id=dashboard")
}

func TestCallbackCompletesLogin(t *testing.T) {
	app, f, _ := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, nil)
	h := app.Routes()

	raw, err := f.BeginLogin(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	state := u.Query().Get("state")

	rec := get(t, h, "/callback?code=code-1&state="+state)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign-in complete")
	assert.Contains(t, rec.Body.String(), `url=/`)

	status, profile, _ := app.Manager.Snapshot()
	assert.Equal(t, session.StatusAuthenticated, status)
	assert.Equal(t, "u-op", profile.ID)
}

func TestCallbackWithoutCodeRedirectsHome(t *testing.T) {
	app, _, _ := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, nil)
	h := app.Routes()

	rec := get(t, h, "/callback")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestLegacyCallbackAcceptsToken(t *testing.T) {
	app, _, store := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, nil, nil)
	h := app.Routes()

	rec := get(t, h, "/sso/callback?token=legacy-bearer")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign-in complete")

	tok, ok, err := session.LegacyToken(context.Background(), store)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "legacy-bearer", tok)
}

func TestLocalLoginFlow(t *testing.T) {
	local := &fixedLocal{
		cred:    &session.Credential{AccessToken: "local-at", Source: session.SourceLocal},
		profile: operatorProfile(),
	}
	app, _, store := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, local, nil)
	h := app.Routes()

	rec := get(t, h, "/login/local")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="username"`)

	require.NoError(t, session.SaveIntent(context.Background(), store, "/inventory"))

	form := url.Values{"username": {"op"}, "password": {"pw"}}
	req := httptest.NewRequest(http.MethodPost, "/login/local", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/inventory", rec.Header().Get("Location"))
}

func TestLocalLoginFailureShowsMessage(t *testing.T) {
	local := &fixedLocal{err: io.EOF}
	app, _, _ := newFederatedApp(t, &fixedVerifier{profile: operatorProfile()}, local, nil)
	h := app.Routes()

	form := url.Values{"username": {"op"}, "password": {"bad"}}
	req := httptest.NewRequest(http.MethodPost, "/login/local", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutRedirects(t *testing.T) {
	app := newOpenApp(t)
	h := app.Routes()

	rec := get(t, h, "/logout")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))
}

func TestHealthEndpoint(t *testing.T) {
	app := newOpenApp(t)
	rec := get(t, app.Routes(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "authenticated", body["session"])
}

func TestAPIProxyAttachesBearer(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"items":[]}`))
	}))
	defer backend.Close()

	cfg := session.DefaultConfig()
	cfg.Provider.Mode = session.ModeDisabled
	cfg.API.BaseURL = backend.URL
	store := session.NewMemoryStore()
	m := session.NewManager(cfg, store, nil, &fixedVerifier{}, nil, testLogger())
	require.NoError(t, m.Initialize(context.Background()))
	app := New(cfg, store, m, nil, testLogger())

	rec := get(t, app.Routes(), "/api/inventory/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer open-mode", gotAuth)
}

func TestMetricsEndpoint(t *testing.T) {
	app := newOpenApp(t)
	rec := get(t, app.Routes(), "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCallbackRoutesInOpenMode(t *testing.T) {
	app := newOpenApp(t)
	h := app.Routes()

	// A bare callback visit just goes home.
	rec := get(t, h, "/callback")
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/", rec.Header().Get("Location"))

	// The legacy bridge still lands tokens without a provider.
	rec = get(t, h, "/sso/callback?token=legacy-bearer")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign-in complete")

	// An authorization code has nowhere to go; the error page is
	// rendered rather than a crash.
	rec = get(t, h, "/callback?code=c&state=s")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Sign-in failed")
}

func TestCallbackReplayedCodeAnswersConflict(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "The provided authorization grant is invalid",
			"hint":              "Authorization code has been revoked",
		})
	})
	idp := httptest.NewServer(mux)
	t.Cleanup(idp.Close)

	cfg := session.DefaultConfig()
	cfg.Provider.Authority = idp.URL
	cfg.Provider.ClientID = "dashboard"
	store := session.NewMemoryStore()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := session.NewFederatedClient(ctx, cfg, store, testLogger())
	require.NoError(t, err)

	m := session.NewManager(cfg, store, f, &fixedVerifier{profile: operatorProfile()}, nil, testLogger())
	c := session.NewCoordinator(cfg, store, f, testLogger(), nil)
	app := New(cfg, store, m, c, testLogger())

	// A replayed code is the user's doing, not an upstream outage.
	rec := get(t, app.Routes(), "/callback?code=used-once&state=s")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already used")
}
