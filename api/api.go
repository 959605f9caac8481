package api

import (
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/jmcleod/watchtower/internal/util"
	"github.com/jmcleod/watchtower/storage"
)

const (
	DefaultAccessTTL   = 5 * time.Minute
	DefaultSessionTTL  = 24 * time.Hour
	DefaultIdleTimeout = 30 * time.Minute

	// MinSigningKeyLen is the shortest master key New accepts.
	MinSigningKeyLen = 32

	sweepInterval = time.Minute
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	repo       storage.Repository
	sessions   SessionStore
	tokens     *tokenIssuer
	accountKey *memguard.Enclave
	accountsMu sync.Mutex
	passwords  util.Argon2idParams
	clock      clockwork.Clock

	accessTTL      time.Duration
	sessionTTL     time.Duration
	idleTimeout    time.Duration
	allowedOrigin  string
	trustedProxies []netip.Prefix

	rateLimiter      *backoffLimiter
	ipLimiter        *backoffLimiter
	globalLimiter    *rate.Limiter
	regIPLimiter     *backoffLimiter
	regGlobalLimiter *rate.Limiter

	logger      *slog.Logger
	audit       *auditLogger
	metrics     *authMetrics
	alertFn     AlertFunc
	webhookURL  string
	webhookAuth string

	stopCh    chan struct{}
	closeOnce sync.Once
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithSessionStore replaces the default in-memory refresh-session store.
func WithSessionStore(store SessionStore) Option {
	return func(a *API) {
		a.sessions = store
	}
}

// WithAccessTTL sets the lifetime of access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.accessTTL = d
		}
	}
}

// WithSessionTTL sets the absolute lifetime of refresh sessions.
func WithSessionTTL(d time.Duration) Option {
	return func(a *API) {
		if d > 0 {
			a.sessionTTL = d
		}
	}
}

// WithIdleTimeout sets the idle timeout of the default session store.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *API) {
		a.idleTimeout = d
	}
}

// WithAllowedOrigin allows credentialed cross-origin requests from origin.
func WithAllowedOrigin(origin string) Option {
	return func(a *API) {
		a.allowedOrigin = strings.TrimRight(origin, "/")
	}
}

// WithClock sets the time source for tokens, sessions and rate limits.
func WithClock(c clockwork.Clock) Option {
	return func(a *API) {
		a.clock = c
	}
}

// WithAlertFunc registers a callback for login and refresh failure spikes.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithAuditWebhook forwards every audit entry to url. authHeader, when set,
// is sent as the Authorization header.
func WithAuditWebhook(url, authHeader string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookAuth = authHeader
	}
}

// WithoutMetrics disables the Prometheus counters and the /metrics route
// handler.
func WithoutMetrics() Option {
	return func(a *API) {
		a.metrics = nil
	}
}

// WithTrustedProxies configures the CIDR ranges whose proxy headers are
// honored when extracting the client IP. Bare addresses are treated as
// single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance. signingKey is the server master key; the
// token signing key and the account sealing key are derived from it.
func New(repo storage.Repository, signingKey []byte, opts ...Option) (*API, error) {
	if len(signingKey) < MinSigningKeyLen {
		return nil, fmt.Errorf("signing key must be at least %d bytes, got %d", MinSigningKeyLen, len(signingKey))
	}
	a := &API{
		repo:        repo,
		passwords:   util.DefaultArgon2idParams(),
		clock:       clockwork.NewRealClock(),
		accessTTL:   DefaultAccessTTL,
		sessionTTL:  DefaultSessionTTL,
		idleTimeout: DefaultIdleTimeout,
		metrics:     newAuthMetrics(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}

	tokenKey, err := util.DeriveSubkey(signingKey, "watchtower/access-token")
	if err != nil {
		return nil, fmt.Errorf("deriving token key: %w", err)
	}
	accountKey, err := util.DeriveSubkey(signingKey, "watchtower/account-record")
	if err != nil {
		return nil, fmt.Errorf("deriving account key: %w", err)
	}
	a.tokens = newTokenIssuer(tokenKey, a.accessTTL, a.clock)
	a.accountKey = memguard.NewEnclave(accountKey)

	if a.sessions == nil {
		a.sessions = NewMemorySessionStore(a.idleTimeout)
	}
	a.rateLimiter = newLoginRateLimiter(a.clock)
	a.ipLimiter = newIPRateLimiter(a.clock)
	a.regIPLimiter = newRegistrationIPLimiter(a.clock)
	a.globalLimiter = rate.NewLimiter(globalLoginRate, globalLoginBurst)
	a.regGlobalLimiter = rate.NewLimiter(globalRegistrationRate, globalRegistrationBurst)

	a.audit = newAuditLogger(a.logger)
	if a.alertFn != nil {
		a.audit.metrics = newMetricsCollector(a.alertFn)
	}
	if a.webhookURL != "" {
		a.audit.webhook = newAuditWebhook(a.webhookURL, a.webhookAuth, a.logger)
		a.audit.webhook.start()
	}

	go a.sweepLoop()
	return a, nil
}

// SessionWrappingKey derives the key that seals the persistent session
// store's encryption key from the server master key.
func SessionWrappingKey(signingKey []byte) ([]byte, error) {
	return util.DeriveSubkey(signingKey, "watchtower/session-wrapping")
}

// Close stops background work and flushes the audit webhook.
func (a *API) Close() {
	a.closeOnce.Do(func() {
		if a.stopCh != nil {
			close(a.stopCh)
		}
		if a.audit != nil && a.audit.webhook != nil {
			a.audit.webhook.close()
		}
		if c, ok := a.sessions.(interface{ Close() }); ok {
			c.Close()
		}
	})
}

func (a *API) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

func (a *API) sweep() {
	n := a.rateLimiter.sweep() + a.ipLimiter.sweep() + a.regIPLimiter.sweep()
	if m, ok := a.sessions.(*MemorySessionStore); ok {
		n += m.Sweep()
	}
	if n > 0 {
		a.logger.Debug("swept expired records", slog.Int("count", n))
	}
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.CORS)

	r.Group(func(r chi.Router) {
		r.Use(DocsSecurityHeaders)
		r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
			SpecURL: "/openapi.yaml",
			Path:    "docs",
		}, nil))
		r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
			SpecURL: "/openapi.yaml",
			Path:    "redoc",
		}, nil))
	})

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/yaml")
			w.Write(openapiSpec)
		})

		r.Get("/health", a.Health)
		r.Get("/metrics", a.Metrics)

		r.Post("/auth/register", a.Register)
		r.Post("/auth/login", a.Login)
		r.With(a.AccessMiddleware).Get("/auth/status", a.Status)
		r.With(a.CSRFMiddleware).Post("/auth/refresh", a.Refresh)
		r.Post("/auth/logout", a.Logout)
	})

	return r
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
