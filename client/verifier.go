// Package client contains the outbound HTTP clients for the dashboard
// backend: bearer-token profile verification and local login.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sessiond/session"
)

// VerifierConfig configures the profile verifier.
type VerifierConfig struct {
	// BaseURL of the dashboard backend, e.g. http://127.0.0.1:9000.
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Verifier checks a credential against the backend profile endpoint and
// derives the user profile from the response.
type Verifier struct {
	cfg    VerifierConfig
	client *http.Client
}

// NewVerifier creates a verifier with sane defaults.
func NewVerifier(cfg VerifierConfig) *Verifier {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Verifier{cfg: cfg, client: client}
}

type userPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image"`
	Role  *struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Slug  string `json:"slug"`
		Level int    `json:"level"`
	} `json:"role"`
	Department *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		Code string `json:"code"`
	} `json:"department"`
}

type verifyResponse struct {
	Success bool        `json:"success"`
	User    userPayload `json:"user"`
}

// Verify exchanges the bearer token for a profile. A 401 maps to
// session.ErrUnauthorized; any other failure is a transport error the
// caller may treat as transient.
func (v *Verifier) Verify(ctx context.Context, token string) (*session.UserProfile, error) {
	if token == "" {
		return nil, session.ErrUnauthorized
	}

	url := strings.TrimSuffix(v.cfg.BaseURL, "/") + "/api/test-auth"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call profile endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read profile response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, session.ErrUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("profile endpoint returned %d", resp.StatusCode)
	}

	var vr verifyResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, fmt.Errorf("decode profile response: %w", err)
	}
	if !vr.Success {
		return nil, errors.New("profile endpoint reported failure")
	}
	return profileFromPayload(vr.User), nil
}

func profileFromPayload(u userPayload) *session.UserProfile {
	profile := &session.UserProfile{
		ID:    u.ID,
		Name:  u.Name,
		Email: u.Email,
		Image: u.Image,
	}
	if u.Role != nil {
		profile.Role = &session.Role{ID: u.Role.ID, Name: u.Role.Name, Slug: u.Role.Slug, Level: u.Role.Level}
	}
	if u.Department != nil {
		profile.Department = &session.Department{ID: u.Department.ID, Name: u.Department.Name, Code: u.Department.Code}
	}
	return profile
}
