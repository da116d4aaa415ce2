package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	josejwt "github.com/go-jose/go-jose/v3/jwt"
)

// ErrCodeReplayed marks an authorization code the provider reports as
// already consumed. Non-retryable: the user must restart login.
var ErrCodeReplayed = errors.New("authorization code already used")

// Outcome classifies a callback reconciliation run.
type Outcome int

const (
	// OutcomeIdle means there was nothing to reconcile; an existing
	// valid credential (or none at all) is left untouched.
	OutcomeIdle Outcome = iota
	// OutcomeDone means a credential was established.
	OutcomeDone
	// OutcomeFailed means no credential could be established.
	OutcomeFailed
)

// CallbackInput carries the parameters the redirect arrived with.
type CallbackInput struct {
	Code  string
	State string
	// Token is the bare bearer token of the legacy SSO bridge.
	Token string
}

// CallbackResult is the single reconciled outcome of a callback run.
type CallbackResult struct {
	Outcome    Outcome
	RedirectTo string
	Err        error
	// Retryable tells the UI whether offering "retry login" makes sense.
	Retryable bool
}

// callbackMemoLimit bounds the re-entry memo. The inputs are caller
// controlled, so the memo evicts oldest-first instead of growing for
// the process lifetime; idempotence only has to hold across the window
// in which a callback can realistically be double-delivered.
const callbackMemoLimit = 128

// Coordinator reconciles whatever the redirect produced (authorization
// code, legacy bearer token, or neither) into a single established
// credential. It is idempotent against double invocation: a re-entrant
// run with the same parameters returns the first outcome without a
// second exchange attempt. federated is nil when federated login is
// disabled; only the legacy and idle paths operate then.
type Coordinator struct {
	cfg       Config
	store     Store
	federated *FederatedClient
	logger    *slog.Logger
	client    *http.Client

	mu    sync.Mutex
	done  map[string]*CallbackResult
	order []string
}

// NewCoordinator constructs the coordinator. httpClient may be nil.
func NewCoordinator(cfg Config, store Store, federated *FederatedClient, logger *slog.Logger, httpClient *http.Client) *Coordinator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		federated: federated,
		logger:    logger,
		client:    httpClient,
		done:      make(map[string]*CallbackResult),
	}
}

// Run executes the reconciliation state machine once per distinct input.
func (c *Coordinator) Run(ctx context.Context, in CallbackInput) *CallbackResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := in.Code + "|" + in.State + "|" + in.Token
	if res, ok := c.done[key]; ok {
		c.logger.Debug("callback re-entry short-circuited")
		return res
	}

	res := c.run(ctx, in)
	for len(c.order) >= callbackMemoLimit {
		delete(c.done, c.order[0])
		c.order = c.order[1:]
	}
	c.done[key] = res
	c.order = append(c.order, key)
	return res
}

func (c *Coordinator) run(ctx context.Context, in CallbackInput) *CallbackResult {
	if in.Token != "" {
		return c.legacyLogin(ctx, in.Token)
	}

	if in.Code == "" {
		if c.federated != nil {
			cred, err := c.federated.CurrentCredential(ctx)
			if err != nil {
				c.logger.Warn("callback credential read failed", "error", err)
			}
			if cred != nil {
				c.logger.Info("callback no-op, credential already established")
			}
		}
		return &CallbackResult{Outcome: OutcomeIdle, RedirectTo: "/"}
	}

	if c.federated == nil {
		c.logger.Warn("authorization code received but federated login is disabled")
		return &CallbackResult{Outcome: OutcomeFailed, Err: errors.New("federated login disabled"), Retryable: false}
	}

	st, err := takeLoginState(ctx, c.store)
	if err != nil {
		c.logger.Warn("login state read failed", "error", err)
	}

	if st != nil && st.State == in.State {
		cred, err := c.federated.Exchange(ctx, in.Code)
		if err != nil {
			c.logger.Error("standard exchange failed", "error", err)
			return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: true}
		}
		return c.persist(ctx, cred)
	}

	// The return leg carries no matching local state: an externally
	// initiated redirect landed here. Exchange the code directly against
	// the provider token endpoint.
	c.logger.Info("local state absent, attempting manual exchange")
	cred, err := c.manualExchange(ctx, in.Code)
	if err != nil {
		if errors.Is(err, ErrCodeReplayed) {
			c.logger.Warn("authorization code replayed")
			return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: false}
		}
		c.logger.Error("manual exchange failed", "error", err)
		return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: true}
	}
	return c.persist(ctx, cred)
}

func (c *Coordinator) legacyLogin(ctx context.Context, token string) *CallbackResult {
	if err := SaveLegacyToken(ctx, c.store, token); err != nil {
		return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: true}
	}
	res := c.persist(ctx, &Credential{
		AccessToken: token,
		ExpiresAt:   legacyExpiry(token),
		Source:      SourceLegacy,
	})
	if res.Outcome == OutcomeDone {
		c.logger.Info("legacy token accepted")
	}
	return res
}

func (c *Coordinator) persist(ctx context.Context, cred *Credential) *CallbackResult {
	if c.federated != nil {
		if err := c.federated.Persist(ctx, cred); err != nil {
			return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: true}
		}
	} else if err := SaveCredential(ctx, c.store, credentialSlot(c.federated), cred); err != nil {
		return &CallbackResult{Outcome: OutcomeFailed, Err: err, Retryable: true}
	}
	return &CallbackResult{Outcome: OutcomeDone, RedirectTo: c.takeIntent(ctx)}
}

func (c *Coordinator) takeIntent(ctx context.Context) string {
	path, ok, err := TakeIntent(ctx, c.store)
	if err != nil {
		c.logger.Warn("intent read failed", "error", err)
	}
	if !ok || !strings.HasPrefix(path, "/") {
		return "/"
	}
	return path
}

type tokenEndpointError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
	Hint        string `json:"hint"`
}

type tokenEndpointSuccess struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// manualExchange POSTs the authorization code directly to the provider
// token endpoint. The id_token payload is decoded without signature
// verification purely as an informational snapshot; the profile endpoint
// remains the trust boundary.
func (c *Coordinator) manualExchange(ctx context.Context, code string) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.federated.RedirectURL())
	form.Set("client_id", c.cfg.Provider.ClientID)
	if c.cfg.Provider.ClientSecret != "" {
		form.Set("client_secret", c.cfg.Provider.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.federated.TokenURL(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenEndpointError
		if err := json.Unmarshal(body, &te); err == nil && te.Code != "" {
			if strings.Contains(strings.ToLower(te.Hint), "revoked") {
				return nil, fmt.Errorf("%w: %s", ErrCodeReplayed, te.Description)
			}
			return nil, fmt.Errorf("token endpoint %s: %s", te.Code, te.Description)
		}
		return nil, fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var ts tokenEndpointSuccess
	if err := json.Unmarshal(body, &ts); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if ts.AccessToken == "" {
		return nil, errors.New("token endpoint returned no access token")
	}

	cred := &Credential{
		AccessToken:  ts.AccessToken,
		RefreshToken: ts.RefreshToken,
		IDToken:      ts.IDToken,
		TokenType:    ts.TokenType,
		Scope:        ts.Scope,
		Source:       SourceFederated,
	}
	if ts.ExpiresIn > 0 {
		cred.ExpiresAt = time.Now().Add(time.Duration(ts.ExpiresIn) * time.Second)
	}

	if sub := identitySubject(ts.IDToken); sub != "" {
		c.logger.Info("manual exchange completed", "subject", sub)
	} else {
		c.logger.Info("manual exchange completed")
	}
	return cred, nil
}

// identitySubject extracts the subject claim from an id_token without
// verifying its signature.
func identitySubject(idToken string) string {
	if idToken == "" {
		return ""
	}
	tok, err := josejwt.ParseSigned(idToken)
	if err != nil {
		return ""
	}
	var claims josejwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return ""
	}
	return claims.Subject
}
