package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// Event notifies subscribers about credential lifecycle transitions.
type Event int

const (
	// EventCredentialEstablished fires when a credential is newly written,
	// whether by login, callback reconciliation, or renewal.
	EventCredentialEstablished Event = iota + 1
	// EventCredentialExpired fires when the stored credential lapsed and
	// could not be renewed.
	EventCredentialExpired
)

// FederatedClient encapsulates the identity-provider registration and
// performs the redirect-based login plus code-for-token exchanges.
// Configuration is fixed at construction.
type FederatedClient struct {
	cfg         ProviderConfig
	oauth       *oauth2.Config
	tokenURL    string
	endSession  string
	store       Store
	storeKey    string
	logger      *slog.Logger
	renewBefore time.Duration

	mu   sync.Mutex
	subs []func(Event)
}

// NewFederatedClient resolves provider endpoints via OIDC discovery,
// falling back to the authority's conventional /oauth paths when the
// authority publishes no discovery document.
func NewFederatedClient(ctx context.Context, cfg Config, store Store, logger *slog.Logger) (*FederatedClient, error) {
	p := cfg.Provider
	authority := strings.TrimSuffix(p.Authority, "/")

	var endpoint oauth2.Endpoint
	endSession := authority + "/logout"

	op, err := oidc.NewProvider(ctx, authority)
	if err != nil {
		logger.Warn("provider discovery failed, using conventional endpoints", "authority", authority, "error", err)
		endpoint = oauth2.Endpoint{
			AuthURL:  authority + "/oauth/authorize",
			TokenURL: authority + "/oauth/token",
		}
	} else {
		endpoint = op.Endpoint()
		var extra struct {
			EndSessionEndpoint string `json:"end_session_endpoint"`
		}
		if err := op.Claims(&extra); err == nil && extra.EndSessionEndpoint != "" {
			endSession = extra.EndSessionEndpoint
		}
	}

	// Public clients authenticate in params, not via basic auth.
	if p.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	oauthCfg := &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		RedirectURL:  p.RedirectURL(cfg.Server.PublicURL),
		Endpoint:     endpoint,
		Scopes:       scopes,
	}

	return &FederatedClient{
		cfg:         p,
		oauth:       oauthCfg,
		tokenURL:    endpoint.TokenURL,
		endSession:  endSession,
		store:       store,
		storeKey:    CredentialKey(authority, p.ClientID),
		logger:      logger,
		renewBefore: p.RenewBefore.Std(),
	}, nil
}

// StoreKey returns the storage key under which the federated credential
// is persisted.
func (f *FederatedClient) StoreKey() string { return f.storeKey }

// credentialSlot is the storage slot for non-legacy credentials.
// Without a federated client (open-mode deployments) a fixed local
// slot is used.
func credentialSlot(f *FederatedClient) string {
	if f != nil {
		return f.StoreKey()
	}
	return CredentialKey("local", "local")
}

// TokenURL returns the provider token endpoint, used by the manual
// exchange fallback.
func (f *FederatedClient) TokenURL() string { return f.tokenURL }

// RedirectURL returns the registered callback URL.
func (f *FederatedClient) RedirectURL() string { return f.oauth.RedirectURL }

// BeginLogin writes a fresh anti-replay record and returns the provider
// authorization URL. The calling handler issues the redirect; this
// operation never completes locally because the browser navigates away.
func (f *FederatedClient) BeginLogin(ctx context.Context) (string, error) {
	st := loginState{
		State:     uuid.NewString(),
		Nonce:     uuid.NewString(),
		CreatedAt: time.Now(),
	}
	if err := saveLoginState(ctx, f.store, st); err != nil {
		return "", fmt.Errorf("persist login state: %w", err)
	}
	return f.oauth.AuthCodeURL(st.State, oauth2.SetAuthURLParam("nonce", st.Nonce)), nil
}

// SignOutURL builds the provider logout redirect.
func (f *FederatedClient) SignOutURL(returnTo string) string {
	u, err := url.Parse(f.endSession)
	if err != nil {
		return f.endSession
	}
	q := u.Query()
	q.Set("client_id", f.cfg.ClientID)
	if returnTo != "" {
		q.Set("post_logout_redirect_uri", returnTo)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// CurrentCredential reads the persisted federated credential, or nil.
// An expired credential is removed and subscribers are told it lapsed.
func (f *FederatedClient) CurrentCredential(ctx context.Context) (*Credential, error) {
	cred, err := LoadCredential(ctx, f.store, f.storeKey)
	if err != nil || cred == nil {
		return nil, err
	}
	if cred.Expired() {
		if err := f.store.Delete(ctx, f.storeKey); err != nil {
			return nil, err
		}
		f.notify(EventCredentialExpired)
		return nil, nil
	}
	return cred, nil
}

// Exchange performs the standard authorization-code exchange.
func (f *FederatedClient) Exchange(ctx context.Context, code string) (*Credential, error) {
	tok, err := f.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return credentialFromToken(tok), nil
}

// Persist writes a credential into the federated storage slot and
// notifies subscribers.
func (f *FederatedClient) Persist(ctx context.Context, cred *Credential) error {
	if err := SaveCredential(ctx, f.store, f.storeKey, cred); err != nil {
		return err
	}
	f.notify(EventCredentialEstablished)
	return nil
}

// Subscribe registers fn for credential lifecycle events. Events are
// delivered synchronously in arrival order.
func (f *FederatedClient) Subscribe(fn func(Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *FederatedClient) notify(ev Event) {
	f.mu.Lock()
	subs := make([]func(Event), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// StartRenewal refreshes the credential shortly before expiry using the
// refresh token. Stops when the channel closes.
func (f *FederatedClient) StartRenewal(stop chan struct{}) {
	if !f.cfg.AutoRenew {
		return
	}
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				f.renewOnce(context.Background())
			}
		}
	}()
}

func (f *FederatedClient) renewOnce(ctx context.Context) {
	cred, err := LoadCredential(ctx, f.store, f.storeKey)
	if err != nil {
		f.logger.Warn("renewal read failed", "error", err)
		return
	}
	if cred == nil || cred.ExpiresAt.IsZero() {
		return
	}
	if time.Until(cred.ExpiresAt) > f.renewBefore {
		return
	}
	if cred.RefreshToken == "" {
		if cred.Expired() {
			_ = f.store.Delete(ctx, f.storeKey)
			f.notify(EventCredentialExpired)
		}
		return
	}

	src := f.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		f.logger.Warn("credential renewal failed", "error", err)
		if cred.Expired() {
			_ = f.store.Delete(ctx, f.storeKey)
			f.notify(EventCredentialExpired)
		}
		return
	}

	renewed := credentialFromToken(tok)
	if renewed.RefreshToken == "" {
		renewed.RefreshToken = cred.RefreshToken
	}
	if err := f.Persist(ctx, renewed); err != nil {
		f.logger.Error("persist renewed credential", "error", err)
		return
	}
	f.logger.Info("credential renewed", "expires_at", renewed.ExpiresAt)
}

func credentialFromToken(tok *oauth2.Token) *Credential {
	cred := &Credential{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Source:       SourceFederated,
	}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		cred.IDToken = idToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		cred.Scope = scope
	}
	return cred
}
