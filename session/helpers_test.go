package session

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider is an identity provider stub without a discovery
// document, so clients resolve the conventional /oauth endpoints.
type fakeProvider struct {
	srv       *httptest.Server
	tokenHits atomic.Int64

	mu      sync.Mutex
	tokenFn func(w http.ResponseWriter, r *http.Request)
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		p.tokenHits.Add(1)
		p.mu.Lock()
		fn := p.tokenFn
		p.mu.Unlock()
		if fn == nil {
			p.serveToken(w, r)
			return
		}
		fn(w, r)
	})
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) URL() string { return p.srv.URL }

func (p *fakeProvider) setTokenHandler(fn func(w http.ResponseWriter, r *http.Request)) {
	p.mu.Lock()
	p.tokenFn = fn
	p.mu.Unlock()
}

func (p *fakeProvider) serveToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "at-" + r.PostFormValue("code"),
		"refresh_token": "rt-1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "openid profile email",
	})
}

func (p *fakeProvider) serveTokenError(status int, code, description, hint string) {
	p.setTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             code,
			"error_description": description,
			"hint":              hint,
		})
	})
}

func testConfig(authority string) Config {
	cfg := DefaultConfig()
	cfg.Provider.Authority = authority
	cfg.Provider.ClientID = "dashboard"
	return cfg
}

func newTestFederated(t *testing.T, cfg Config, store Store) *FederatedClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	f, err := NewFederatedClient(ctx, cfg, store, testLogger())
	require.NoError(t, err)
	return f
}

// stubVerifier implements ProfileVerifier with canned results.
type stubVerifier struct {
	mu      sync.Mutex
	calls   int
	profile *UserProfile
	err     error
}

func (s *stubVerifier) Verify(_ context.Context, _ string) (*UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.profile, nil
}

func (s *stubVerifier) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubLocal implements LocalAuthenticator with canned results.
type stubLocal struct {
	cred    *Credential
	profile *UserProfile
	err     error
}

func (s *stubLocal) Login(_ context.Context, _, _ string) (*Credential, *UserProfile, error) {
	if s.err != nil {
		return nil, nil, s.err
	}
	return s.cred, s.profile, nil
}
