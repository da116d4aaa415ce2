package client

import (
	"bytes"
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

// LocalAuthenticator performs the direct username/password exchange
// against the backend login endpoint, bypassing the federated flow.
type LocalAuthenticator struct {
	cfg    VerifierConfig
	client *http.Client
}

// NewLocalAuthenticator creates the authenticator; it shares the
// verifier's configuration shape.
func NewLocalAuthenticator(cfg VerifierConfig) *LocalAuthenticator {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &LocalAuthenticator{cfg: cfg, client: client}
}

type localLoginResponse struct {
	Success bool        `json:"success"`
	Token   string      `json:"token"`
	User    userPayload `json:"user"`
	Message string      `json:"message"`
}

// Login exchanges credentials for a token and profile. On non-2xx the
// server's message is surfaced as the error.
func (l *LocalAuthenticator) Login(ctx context.Context, username, password string) (*session.Credential, *session.UserProfile, error) {
	payload, err := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal login request: %w", err)
	}

	url := strings.TrimSuffix(l.cfg.BaseURL, "/") + "/api/local-auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, fmt.Errorf("create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("call login endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read login response: %w", err)
	}

	var lr localLoginResponse
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if err := json.Unmarshal(body, &lr); err == nil && lr.Message != "" {
			return nil, nil, errors.New(lr.Message)
		}
		return nil, nil, fmt.Errorf("login endpoint returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, nil, fmt.Errorf("decode login response: %w", err)
	}
	if !lr.Success || lr.Token == "" {
		return nil, nil, errors.New("login endpoint returned no token")
	}

	cred := &session.Credential{
		AccessToken: lr.Token,
		Source:      session.SourceLocal,
	}
	return cred, profileFromPayload(lr.User), nil
}
