package session

import "time"

// Source identifies how a credential was obtained.
type Source string

const (
	// SourceFederated marks a credential issued through the OIDC redirect flow.
	SourceFederated Source = "federated"
	// SourceLegacy marks a bare bearer token handed over by the legacy SSO bridge.
	SourceLegacy Source = "legacy"
	// SourceLocal marks a credential issued by the local username/password endpoint.
	SourceLocal Source = "local"
	// SourceDisabled marks the sentinel credential used when federated login is off.
	SourceDisabled Source = "disabled"
)

// Credential is the bearer token representing an authenticated session.
// At most one live credential exists per store; a new login overwrites it.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Source       Source    `json:"source"`
}

// Expired reports whether the credential is past its expiry. A zero
// ExpiresAt means the issuer communicated no lifetime and the credential
// is trusted until the profile endpoint rejects it.
func (c *Credential) Expired() bool {
	if c == nil {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// Role is an immutable snapshot of the user's role at login time.
type Role struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Slug  string `json:"slug"`
	Level int    `json:"level"`
}

// Department is an immutable snapshot of the user's department.
type Department struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

// UserProfile is derived from the profile endpoint and never persisted;
// it is re-derived from the credential on every (re)initialization.
type UserProfile struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Email      string      `json:"email"`
	Role       *Role       `json:"role,omitempty"`
	Department *Department `json:"department,omitempty"`
	Image      string      `json:"image,omitempty"`
}

// Status describes the session lifecycle.
type Status int

const (
	StatusUninitialized Status = iota
	StatusLoading
	StatusAuthenticated
	StatusUnauthenticated
)

func (s Status) String() string {
	switch s {
	case StatusUninitialized:
		return "uninitialized"
	case StatusLoading:
		return "loading"
	case StatusAuthenticated:
		return "authenticated"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "unknown"
	}
}

// loginState is the anti-replay record written before redirecting to the
// identity provider and checked when the browser returns.
type loginState struct {
	State     string    `json:"state"`
	Nonce     string    `json:"nonce"`
	CreatedAt time.Time `json:"created_at"`
}
