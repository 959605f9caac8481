// Package config loads watchtower settings from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
)

// Client configures the dashboard side: the session machine and its HTTP
// transport.
type Client struct {
	DemoMode       bool          `env:"WATCHTOWER_DEMO_MODE"       envDefault:"false"`
	APIBaseURL     string        `env:"WATCHTOWER_API_BASE_URL"    envDefault:"http://localhost:8443"`
	StatusPath     string        `env:"WATCHTOWER_STATUS_PATH"     envDefault:"/auth/status"`
	LoginPath      string        `env:"WATCHTOWER_LOGIN_PATH"      envDefault:"/auth/login"`
	LogoutPath     string        `env:"WATCHTOWER_LOGOUT_PATH"     envDefault:"/auth/logout"`
	RefreshPath    string        `env:"WATCHTOWER_REFRESH_PATH"    envDefault:"/auth/refresh"`
	HTTPTimeout    time.Duration `env:"WATCHTOWER_HTTP_TIMEOUT"    envDefault:"10s"`
	LoginGrace     time.Duration `env:"WATCHTOWER_LOGIN_GRACE"     envDefault:"1s"`
	LogoutGrace    time.Duration `env:"WATCHTOWER_LOGOUT_GRACE"    envDefault:"3s"`
	LogoutFallback time.Duration `env:"WATCHTOWER_LOGOUT_FALLBACK" envDefault:"2s"`
}

// Server configures the reference SSO backend.
type Server struct {
	ListenPort    int           `env:"WATCHTOWER_LISTEN_PORT"    envDefault:"8443"`
	DataDir       string        `env:"WATCHTOWER_DATA_DIR"`
	DatabaseURL   string        `env:"WATCHTOWER_DATABASE_URL"`
	SigningKey    string        `env:"WATCHTOWER_SIGNING_KEY"`
	AccessTTL     time.Duration `env:"WATCHTOWER_ACCESS_TTL"     envDefault:"5m"`
	SessionTTL    time.Duration `env:"WATCHTOWER_SESSION_TTL"    envDefault:"24h"`
	IdleTimeout   time.Duration `env:"WATCHTOWER_IDLE_TIMEOUT"   envDefault:"30m"`
	AllowedOrigin string        `env:"WATCHTOWER_ALLOWED_ORIGIN"`

	TLSCert    string `env:"WATCHTOWER_TLS_CERT"`
	TLSKey     string `env:"WATCHTOWER_TLS_KEY"`
	SelfSigned bool   `env:"WATCHTOWER_TLS_SELF_SIGNED" envDefault:"false"`

	// TrustedProxies lists CIDRs whose forwarding headers are believed
	// when rate limiting by client IP.
	TrustedProxies []string `env:"WATCHTOWER_TRUSTED_PROXIES" envSeparator:","`

	AuditWebhookURL  string `env:"WATCHTOWER_AUDIT_WEBHOOK_URL"`
	AuditWebhookAuth string `env:"WATCHTOWER_AUDIT_WEBHOOK_AUTH"`
}

var (
	ErrInvalidURL      = errors.New("invalid base URL")
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrInvalidPort     = errors.New("listen port out of range")
	ErrIncompleteTLS   = errors.New("TLS needs both a certificate and a key")
)

// LoadClient reads the client settings from the process environment.
func LoadClient() (Client, error) {
	return loadClient(env.Options{})
}

// LoadClientFrom reads the client settings from vars instead of the process
// environment.
func LoadClientFrom(vars map[string]string) (Client, error) {
	return loadClient(env.Options{Environment: vars})
}

func loadClient(opts env.Options) (Client, error) {
	var cfg Client
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Client{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings for values the client cannot work with.
func (c Client) Validate() error {
	if !c.DemoMode {
		u, err := url.Parse(c.APIBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%q: %w", c.APIBaseURL, ErrInvalidURL)
		}
	}
	for name, d := range map[string]time.Duration{
		"WATCHTOWER_HTTP_TIMEOUT":    c.HTTPTimeout,
		"WATCHTOWER_LOGOUT_FALLBACK": c.LogoutFallback,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidDuration)
		}
	}
	if c.LoginGrace < 0 || c.LogoutGrace < 0 {
		return fmt.Errorf("grace window: %w", ErrInvalidDuration)
	}
	return nil
}

// LoadServer reads the server settings from the process environment.
func LoadServer() (Server, error) {
	return loadServer(env.Options{})
}

// LoadServerFrom reads the server settings from vars.
func LoadServerFrom(vars map[string]string) (Server, error) {
	return loadServer(env.Options{Environment: vars})
}

func loadServer(opts env.Options) (Server, error) {
	var cfg Server
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the server settings.
func (s Server) Validate() error {
	if s.ListenPort <= 0 || s.ListenPort > 65535 {
		return fmt.Errorf("%d: %w", s.ListenPort, ErrInvalidPort)
	}
	if s.AccessTTL <= 0 || s.SessionTTL <= 0 || s.IdleTimeout <= 0 {
		return fmt.Errorf("ttl: %w", ErrInvalidDuration)
	}
	if (s.TLSCert == "") != (s.TLSKey == "") {
		return ErrIncompleteTLS
	}
	if s.AuditWebhookURL != "" {
		u, err := url.Parse(s.AuditWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%q: %w", s.AuditWebhookURL, ErrInvalidURL)
		}
	}
	return nil
}
