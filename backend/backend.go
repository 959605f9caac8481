// Package backend is the HTTP transport for the dashboard's auth contract:
// status, login, logout and token refresh against the SSO service. Cookies
// issued by the service are kept in a jar shared by every request.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"

	"github.com/jonboulle/clockwork"
	"golang.org/x/net/publicsuffix"

	"github.com/jmcleod/watchtower/config"
	"github.com/jmcleod/watchtower/internal/fanout"
	"github.com/jmcleod/watchtower/session"
)

const (
	CSRFCookieName = "watchtower_csrf"
	CSRFHeaderName = "X-CSRF-Token"

	// maxResponseBytes bounds the bodies read from the service.
	maxResponseBytes = 1 << 20

	unreachableMessage = "Authentication service is unreachable"
	genericLoginError  = "Login failed"
)

var (
	// ErrUnauthorized is returned when the service answers 401.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnreachable is returned when the service cannot be reached or
	// answers with a body that is not JSON.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrRefreshFailed is returned when a token refresh is rejected.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrUnexpectedStatus is returned for status codes the contract does not
	// define.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// LoginError is a rejected login. Message is meant for the user.
type LoginError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *LoginError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("login failed: %s: %v", e.Message, e.Err)
	}
	return "login failed: " + e.Message
}

func (e *LoginError) Unwrap() error { return e.Err }

// UserMessage implements session.UserMessager.
func (e *LoginError) UserMessage() string { return e.Message }

// Client talks to the SSO service. It satisfies session.Backend.
type Client struct {
	cfg    config.Client
	base   *url.URL
	http   *http.Client
	retry  RetryPolicy
	clock  clockwork.Clock
	logger *slog.Logger

	refreshed fanout.Set[struct{}]
}

var _ session.Backend = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its Jar must be set for the
// session cookies to be kept.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithCookieJar replaces the client's cookie jar. It applies to the HTTP
// client in place when the option runs, so pass it after WithHTTPClient.
func WithCookieJar(jar http.CookieJar) Option {
	return func(c *Client) { c.http.Jar = jar }
}

// WithRetryPolicy replaces DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// WithClock sets the clock that times the logout fallback.
func WithClock(cl clockwork.Clock) Option {
	return func(c *Client) { c.clock = cl }
}

// WithLogger sets the client's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the service at cfg.APIBaseURL.
func New(cfg config.Client, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.APIBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("creating cookie jar: %w", err)
	}
	c := &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Jar: jar, Timeout: cfg.HTTPTimeout},
		retry:  DefaultRetryPolicy,
		clock:  clockwork.NewRealClock(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Jar returns the cookie jar holding the service's cookies.
func (c *Client) Jar() http.CookieJar { return c.http.Jar }

// OnRefresh registers fn to run after every successful token refresh.
func (c *Client) OnRefresh(fn func()) (unsubscribe func()) {
	return c.refreshed.Subscribe(func(struct{}) { fn() })
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

type statusResponse struct {
	Authenticated *bool `json:"authenticated,omitempty"`
	Data          *struct {
		Username string   `json:"username"`
		Name     string   `json:"name"`
		Email    string   `json:"email"`
		Roles    []string `json:"roles"`
	} `json:"data"`
}

// Status returns the signed-in user. A 401 triggers one refresh and one
// retry. A nil user with a nil error means the service reports no session.
func (c *Client) Status(ctx context.Context) (*session.User, error) {
	var user *session.User
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		u, err := c.status(ctx)
		user = u
		return err
	}, c.Refresh)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (c *Client) status(ctx context.Context) (*session.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(c.cfg.StatusPath), nil)
	if err != nil {
		return nil, fmt.Errorf("building status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("status: %w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		drain(resp.Body)
		return nil, fmt.Errorf("status: %w", ErrUnauthorized)
	default:
		drain(resp.Body)
		return nil, fmt.Errorf("status: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var body statusResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}
	if body.Authenticated != nil && !*body.Authenticated {
		return nil, nil
	}
	if body.Data == nil {
		return nil, nil
	}
	username := body.Data.Username
	if username == "" {
		username = body.Data.Name
	}
	if username == "" {
		return nil, nil
	}
	roles := body.Data.Roles
	if roles == nil {
		roles = []string{}
	}
	return &session.User{Username: username, Email: body.Data.Email, Roles: roles}, nil
}

// Refresh asks the service for a fresh access token. It is never retried.
func (c *Client) Refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.RefreshPath), nil)
	if err != nil {
		return fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.csrfToken(); token != "" {
		req.Header.Set(CSRFHeaderName, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	drain(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrRefreshFailed, resp.StatusCode)
	}

	c.logger.Debug("access token refreshed")
	c.refreshed.Publish(struct{}{})
	return nil
}

func (c *Client) csrfToken() string {
	if c.http.Jar == nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(c.base) {
		if ck.Name == CSRFCookieName {
			return ck.Value
		}
	}
	return ""
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Login submits credentials. Any rejection is a *LoginError.
func (c *Client) Login(ctx context.Context, username, password string) error {
	payload, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return fmt.Errorf("encoding login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(c.cfg.LoginPath), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &LoginError{Message: unreachableMessage, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}
	defer resp.Body.Close()

	var body loginResponse
	if err := decodeJSON(resp.Body, &body); err != nil {
		return &LoginError{StatusCode: resp.StatusCode, Message: unreachableMessage, Err: err}
	}
	if resp.StatusCode == http.StatusOK && body.Success {
		return nil
	}

	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = genericLoginError
	}
	return &LoginError{StatusCode: resp.StatusCode, Message: msg}
}

// Logout asks the service to end the session with a form post, the way a
// browser submits a hidden logout form. It returns once the service answers
// or the logout fallback elapses, whichever comes first; the request keeps
// running in the background after a fallback.
func (c *Client) Logout(ctx context.Context) error {
	form := url.Values{}
	if token := c.csrfToken(); token != "" {
		form.Set("csrf_token", token)
	}
	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost,
		c.endpoint(c.cfg.LogoutPath), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building logout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	done := make(chan error, 1)
	go func() {
		resp, err := c.http.Do(req)
		if err != nil {
			done <- fmt.Errorf("logout: %w: %w", ErrUnreachable, err)
			return
		}
		drain(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			done <- fmt.Errorf("logout: %w: %d", ErrUnexpectedStatus, resp.StatusCode)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-c.clock.After(c.cfg.LogoutFallback):
		c.logger.Debug("logout response not observed, assuming complete",
			slog.Duration("fallback", c.cfg.LogoutFallback))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeJSON decodes a JSON body. An empty or non-JSON body means the
// service (or something in front of it) is not speaking the contract.
func decodeJSON(r io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(r, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: reading body: %w", ErrUnreachable, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: empty body", ErrUnreachable)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	return nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxResponseBytes))
}
