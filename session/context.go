package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized marks a credential the profile endpoint rejected.
// It always forces re-authentication.
var ErrUnauthorized = errors.New("credential rejected")

// ProfileVerifier derives a user profile from a credential. Implemented
// by client.Verifier against the dashboard backend.
type ProfileVerifier interface {
	Verify(ctx context.Context, token string) (*UserProfile, error)
}

// LocalAuthenticator exchanges username/password for a credential,
// bypassing the federated flow. Implemented by client.LocalAuthenticator.
type LocalAuthenticator interface {
	Login(ctx context.Context, username, password string) (*Credential, *UserProfile, error)
}

// RetryPolicy is a bounded retry with multiplicative backoff. It
// replaces the source's single fixed-delay retry that papered over the
// callback-write race during initialization.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// Do invokes fn until it reports success, attempts are exhausted, or
// the context ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() bool) bool {
	delay := p.Delay
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if fn() {
			return true
		}
		if attempt == p.Attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		if p.Backoff > 1 {
			delay = time.Duration(float64(delay) * p.Backoff)
		}
	}
	return false
}

// Manager is the single source of truth for the active session: current
// profile, credential, and status, plus the login/logout operations the
// rest of the application consumes.
type Manager struct {
	cfg       Config
	store     Store
	federated *FederatedClient
	verifier  ProfileVerifier
	local     LocalAuthenticator
	logger    *slog.Logger
	retry     RetryPolicy

	mu         sync.Mutex
	status     Status
	profile    *UserProfile
	credential *Credential
	// epoch invalidates in-flight verifications superseded by logout.
	epoch uint64
}

// NewManager wires the manager and subscribes it to federated
// credential lifecycle events.
func NewManager(cfg Config, store Store, federated *FederatedClient, verifier ProfileVerifier, local LocalAuthenticator, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:       cfg,
		store:     store,
		federated: federated,
		verifier:  verifier,
		local:     local,
		logger:    logger,
		status:    StatusUninitialized,
		retry:     RetryPolicy{Attempts: 3, Delay: 150 * time.Millisecond, Backoff: 2},
	}
	if federated != nil {
		federated.Subscribe(m.onEvent)
	}
	return m
}

// Snapshot returns the current session state for guards and views.
func (m *Manager) Snapshot() (Status, *UserProfile, *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.profile, m.credential
}

// HasRole reports whether the current profile satisfies any of the
// required role slugs, directly or through the department policy table.
func (m *Manager) HasRole(required []string) bool {
	m.mu.Lock()
	profile := m.profile
	m.mu.Unlock()
	return HasRole(profile, required)
}

// Initialize establishes the session at boot. Errors are contained and
// resolved into a status; only store construction failures propagate.
func (m *Manager) Initialize(ctx context.Context) error {
	if m.cfg.Provider.Mode == ModeDisabled {
		cred := &Credential{AccessToken: "open-mode", Source: SourceDisabled}
		m.set(StatusAuthenticated, m.openModeProfile(), cred)
		m.logger.Info("federated login disabled, open mode session granted", "subject", m.cfg.OpenMode.Subject)
		return nil
	}

	m.set(StatusLoading, nil, nil)

	// The callback may have written the credential a beat after this
	// initializer first looked; retry briefly before falling back.
	var cred *Credential
	m.retry.Do(ctx, func() bool {
		var err error
		cred, err = m.federated.CurrentCredential(ctx)
		if err != nil {
			m.logger.Warn("credential read failed", "error", err)
		}
		return cred != nil
	})
	if cred != nil {
		m.adopt(ctx, cred)
		return nil
	}

	token, ok, err := LegacyToken(ctx, m.store)
	if err != nil {
		m.logger.Warn("legacy token read failed", "error", err)
	}
	if !ok || token == "" {
		m.set(StatusUnauthenticated, nil, nil)
		return nil
	}

	m.adopt(ctx, &Credential{
		AccessToken: token,
		ExpiresAt:   legacyExpiry(token),
		Source:      SourceLegacy,
	})
	return nil
}

// adopt verifies the credential against the profile endpoint and
// resolves the session status. Unauthorized clears the credential; any
// other failure keeps it optimistically.
func (m *Manager) adopt(ctx context.Context, cred *Credential) {
	epoch := m.currentEpoch()

	profile, err := m.verifier.Verify(ctx, cred.AccessToken)
	if !m.sameEpoch(epoch) {
		m.logger.Debug("discarding stale verification result")
		return
	}

	switch {
	case err == nil:
		m.set(StatusAuthenticated, profile, cred)
		m.logger.Info("session established", "source", cred.Source, "user", profile.ID)
	case errors.Is(err, ErrUnauthorized):
		m.logger.Info("credential rejected, clearing session", "source", cred.Source)
		m.clearStored(ctx, cred.Source)
		m.set(StatusUnauthenticated, nil, nil)
	default:
		// Backend likely unavailable; keep the credential and let the
		// guard surface a retry affordance.
		m.logger.Warn("profile verification failed, keeping credential", "error", err)
		m.set(StatusLoading, nil, cred)
	}
}

// Login initiates a session. With no token and federated mode it
// returns the provider redirect URL: the call is terminal for the
// current page, the continuation being the callback route. With a token
// it persists and verifies a legacy credential.
func (m *Manager) Login(ctx context.Context, token string) (string, error) {
	if token == "" {
		if m.cfg.Provider.Mode != ModeFederated {
			return "", errors.New("federated login disabled")
		}
		return m.federated.BeginLogin(ctx)
	}

	if err := SaveLegacyToken(ctx, m.store, token); err != nil {
		return "", fmt.Errorf("persist legacy token: %w", err)
	}
	cred := &Credential{
		AccessToken: token,
		ExpiresAt:   legacyExpiry(token),
		Source:      SourceLegacy,
	}
	profile, err := m.verifier.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			m.clearStored(ctx, SourceLegacy)
			m.set(StatusUnauthenticated, nil, nil)
		}
		return "", fmt.Errorf("verify legacy token: %w", err)
	}
	// Keep the credential slot in step with the legacy key so any reader
	// sees one consistent session.
	if err := SaveCredential(ctx, m.store, m.credentialKey(), cred); err != nil {
		m.logger.Warn("persist legacy credential failed", "error", err)
	}
	m.set(StatusAuthenticated, profile, cred)
	return "", nil
}

// LoginLocal exchanges username/password at the local endpoint. The
// returned profile is trusted directly; no extra verification round-trip.
func (m *Manager) LoginLocal(ctx context.Context, username, password string) error {
	cred, profile, err := m.local.Login(ctx, username, password)
	if err != nil {
		return err
	}
	if err := SaveCredential(ctx, m.store, m.credentialKey(), cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	// A local login supersedes any lingering legacy token.
	if err := m.store.Delete(ctx, keyLegacyToken); err != nil {
		m.logger.Warn("legacy token delete failed", "error", err)
	}
	m.set(StatusAuthenticated, profile, cred)
	m.logger.Info("local login succeeded", "user", profile.ID)
	return nil
}

// Logout discards the session and the store. It returns the URL the
// browser should navigate to: the provider logout in federated mode,
// the application root otherwise.
func (m *Manager) Logout(ctx context.Context) string {
	m.mu.Lock()
	m.epoch++
	m.status = StatusUnauthenticated
	m.profile = nil
	m.credential = nil
	m.mu.Unlock()

	if err := m.store.Clear(ctx); err != nil {
		m.logger.Warn("store clear failed", "error", err)
	}

	if m.cfg.Provider.Mode == ModeFederated {
		return m.federated.SignOutURL(m.cfg.Server.PublicURL)
	}
	return "/"
}

// onEvent reacts to federated lifecycle notifications so a credential
// established by the callback coordinator or the renewal loop becomes
// the active session without a restart.
func (m *Manager) onEvent(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch ev {
	case EventCredentialEstablished:
		cred, err := LoadCredential(ctx, m.store, m.federated.StoreKey())
		if err != nil || cred == nil {
			m.logger.Warn("established credential unreadable", "error", err)
			return
		}
		m.adopt(ctx, cred)
	case EventCredentialExpired:
		m.logger.Info("credential expired")
		m.set(StatusUnauthenticated, nil, nil)
	}
}

func (m *Manager) openModeProfile() *UserProfile {
	return &UserProfile{
		ID:    m.cfg.OpenMode.Subject,
		Name:  m.cfg.OpenMode.Name,
		Email: m.cfg.OpenMode.Email,
		Role:  &Role{ID: "superadmin", Name: "Super Admin", Slug: "superadmin", Level: 100},
	}
}

func (m *Manager) set(status Status, profile *UserProfile, cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.profile = profile
	m.credential = cred
}

func (m *Manager) currentEpoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

func (m *Manager) sameEpoch(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

// clearStored removes the persisted credential matching the source.
func (m *Manager) clearStored(ctx context.Context, source Source) {
	switch source {
	case SourceLegacy:
		if err := m.store.Delete(ctx, keyLegacyToken); err != nil {
			m.logger.Warn("legacy token delete failed", "error", err)
		}
	default:
		if err := m.store.Delete(ctx, m.credentialKey()); err != nil {
			m.logger.Warn("credential delete failed", "error", err)
		}
	}
}

// credentialKey is the storage slot for non-legacy credentials.
func (m *Manager) credentialKey() string {
	return credentialSlot(m.federated)
}

// legacyExpiry sniffs an expiry from a legacy bearer token when it
// happens to be a JWT. Opaque tokens get no local expiry; the profile
// endpoint decides their fate.
func legacyExpiry(token string) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
