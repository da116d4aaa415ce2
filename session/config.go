package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Mode selects the authentication strategy for the whole deployment.
// The source configuration carried two flags ("SSO" and "OIDC") with
// identical values; they collapse into this single enum.
type Mode string

const (
	// ModeDisabled grants a fixed elevated-privilege session without an
	// identity provider ("open mode").
	ModeDisabled Mode = "disabled"
	// ModeFederated delegates login to the configured OIDC authority.
	ModeFederated Mode = "federated"
)

// Duration decodes YAML values like "45s" or "12h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config captures the full gateway configuration loaded from YAML with
// environment overrides.
type Config struct {
	Server   ServerConfig   `yaml:"server" envPrefix:"SESSIOND_SERVER_"`
	Provider ProviderConfig `yaml:"provider" envPrefix:"SESSIOND_PROVIDER_"`
	API      APIConfig      `yaml:"api" envPrefix:"SESSIOND_API_"`
	Store    StoreConfig    `yaml:"store" envPrefix:"SESSIOND_STORE_"`
	OpenMode OpenModeConfig `yaml:"open_mode" envPrefix:"SESSIOND_OPEN_MODE_"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	TLS             TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig defines autocert behaviour in production mode.
type TLSConfig struct {
	Domains []string `yaml:"domains" env:"DOMAINS"`
	Email   string   `yaml:"email" env:"EMAIL"`
}

// ProviderConfig describes the federated identity provider and this
// application's registration with it.
type ProviderConfig struct {
	Mode         Mode     `yaml:"mode" env:"MODE"`
	Authority    string   `yaml:"authority" env:"AUTHORITY"`
	ClientID     string   `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"CLIENT_SECRET"`
	RedirectPath string   `yaml:"redirect_path" env:"REDIRECT_PATH"`
	Scopes       []string `yaml:"scopes" env:"SCOPES"`
	AutoRenew    bool     `yaml:"auto_renew" env:"AUTO_RENEW"`
	RenewBefore  Duration `yaml:"renew_before" env:"RENEW_BEFORE"`
}

// RedirectURL is the absolute callback URL registered with the provider.
func (p ProviderConfig) RedirectURL(publicURL string) string {
	return strings.TrimSuffix(publicURL, "/") + p.RedirectPath
}

// APIConfig locates the dashboard backend used for profile verification
// and local login.
type APIConfig struct {
	BaseURL string   `yaml:"base_url" env:"BASE_URL"`
	Timeout Duration `yaml:"timeout" env:"TIMEOUT"`
}

// StoreConfig selects the credential store backend. Dir is the default
// file-backed store; RedisURL switches to redis for shared deployments.
type StoreConfig struct {
	Dir      string `yaml:"dir" env:"DIR"`
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
}

// OpenModeConfig fixes the identity granted when federated login is disabled.
type OpenModeConfig struct {
	Subject string `yaml:"subject" env:"SUBJECT"`
	Name    string `yaml:"name" env:"NAME"`
	Email   string `yaml:"email" env:"EMAIL"`
}

// DefaultConfig returns the development defaults.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://127.0.0.1:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
		},
		Provider: ProviderConfig{
			Mode:         ModeFederated,
			RedirectPath: "/callback",
			Scopes:       []string{"openid", "profile", "email"},
			AutoRenew:    true,
			RenewBefore:  Duration(2 * time.Minute),
		},
		API: APIConfig{
			BaseURL: "http://127.0.0.1:9000",
			Timeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{
			Dir: ".state",
		},
		OpenMode: OpenModeConfig{
			Subject: "superadmin",
			Name:    "Super Admin",
			Email:   "superadmin@localhost",
		},
	}
}

// LoadConfig reads the YAML config file and applies environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		return errors.New("server.public_url is required")
	}
	if !strings.HasPrefix(c.Server.PublicURL, "http://") && !strings.HasPrefix(c.Server.PublicURL, "https://") {
		return fmt.Errorf("server.public_url must start with http:// or https://, got: %s", c.Server.PublicURL)
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	switch c.Provider.Mode {
	case ModeDisabled:
	case ModeFederated:
		if c.Provider.Authority == "" {
			return errors.New("provider.authority is required in federated mode")
		}
		if !strings.HasPrefix(c.Provider.Authority, "http://") && !strings.HasPrefix(c.Provider.Authority, "https://") {
			return fmt.Errorf("provider.authority must start with http:// or https://, got: %s", c.Provider.Authority)
		}
		if c.Provider.ClientID == "" {
			return errors.New("provider.client_id is required in federated mode")
		}
		if !strings.HasPrefix(c.Provider.RedirectPath, "/") {
			return fmt.Errorf("provider.redirect_path must start with /, got: %s", c.Provider.RedirectPath)
		}
	default:
		return fmt.Errorf("provider.mode must be %q or %q, got: %s", ModeDisabled, ModeFederated, c.Provider.Mode)
	}

	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Store.Dir == "" && c.Store.RedisURL == "" {
		return errors.New("store.dir or store.redis_url is required")
	}
	return nil
}
