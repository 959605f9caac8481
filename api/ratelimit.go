package api

import (
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// backoffPolicy describes when a key is locked out and for how long.
type backoffPolicy struct {
	// threshold is the number of counted attempts before lockout begins.
	threshold int
	// base is the lockout applied when threshold is first reached. Every
	// further attempt doubles it, up to max.
	base time.Duration
	max  time.Duration
	// expiry is how long after the last attempt a record is forgotten.
	expiry time.Duration
}

func (p backoffPolicy) lockout(count int) time.Duration {
	d := p.base
	for i := 0; i < count-p.threshold; i++ {
		d *= 2
		if d >= p.max {
			return p.max
		}
	}
	return d
}

var (
	// Per-account login failures. Keys are account lookup IDs, never raw
	// usernames, so rate-limit state does not leak who is being targeted.
	accountBackoff = backoffPolicy{threshold: 5, base: time.Minute, max: 15 * time.Minute, expiry: time.Hour}
	// Per-IP login failures.
	ipBackoff = backoffPolicy{threshold: 20, base: time.Minute, max: 30 * time.Minute, expiry: time.Hour}
	// Per-IP registrations. Every request counts because each one pays for
	// an Argon2id hash whatever the outcome.
	registrationBackoff = backoffPolicy{threshold: 5, base: 5 * time.Minute, max: time.Hour, expiry: time.Hour}
)

type attemptRecord struct {
	count       int
	lastAttempt time.Time
	lockedUntil time.Time
}

// backoffLimiter counts attempts per key and enforces exponential lockout.
type backoffLimiter struct {
	mu       sync.Mutex
	policy   backoffPolicy
	clock    clockwork.Clock
	attempts map[string]*attemptRecord
}

func newBackoffLimiter(policy backoffPolicy, c clockwork.Clock) *backoffLimiter {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &backoffLimiter{
		policy:   policy,
		clock:    c,
		attempts: make(map[string]*attemptRecord),
	}
}

func newLoginRateLimiter(c clockwork.Clock) *backoffLimiter { return newBackoffLimiter(accountBackoff, c) }
func newIPRateLimiter(c clockwork.Clock) *backoffLimiter    { return newBackoffLimiter(ipBackoff, c) }
func newRegistrationIPLimiter(c clockwork.Clock) *backoffLimiter {
	return newBackoffLimiter(registrationBackoff, c)
}

// check reports whether key is locked out and for how much longer.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.clock.Now()
	if now.Sub(rec.lastAttempt) > rl.policy.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// record counts one attempt against key.
func (rl *backoffLimiter) record(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.clock.Now()
	rec.count++
	rec.lastAttempt = now
	if rec.count >= rl.policy.threshold {
		rec.lockedUntil = now.Add(rl.policy.lockout(rec.count))
	}
}

// reset forgets key, typically after a successful login.
func (rl *backoffLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	n := 0
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastAttempt) > rl.policy.expiry {
			delete(rl.attempts, key)
			n++
		}
	}
	return n
}

// Global limits are token buckets shared by every client.
const (
	// Login attempts across all accounts.
	globalLoginRate  = rate.Limit(20)
	globalLoginBurst = 100
	// Registrations across all IPs: 50 a minute.
	globalRegistrationBurst = 50
)

var globalRegistrationRate = rate.Every(time.Minute / globalRegistrationBurst)

// reserve takes a token from l if one is available now. Otherwise it
// leaves the bucket untouched and returns the wait until the next token.
func reserve(l *rate.Limiter, now time.Time) (blocked bool, retryAfter time.Duration) {
	if l == nil {
		return false, 0
	}
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return true, time.Minute
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return true, d
	}
	return false, 0
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many login attempts; try again later")
}

// writeRegistrationRateLimited sends a 429 response for registration throttling.
func writeRegistrationRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many requests; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting. It delegates to
// extractClientIPWithProxies using the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. This prevents untrusted clients from
// spoofing their source IP via headers.
//
// When trustedProxies is nil or empty (the default), proxy headers are
// never consulted and RemoteAddr is always returned. To trust proxy
// headers the operator must configure trusted proxies.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)

	// Determine whether the direct peer is trusted.
	// Default: trust no proxy headers unless explicitly configured.
	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					raw := strings.TrimSpace(param[4:])
					if ip, ok := parseIPCandidate(raw); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return ""
}

// extractClientIP is the package-level function for use in tests and
// contexts without an API instance. It trusts no proxy headers and
// always returns RemoteAddr (fail-safe default).
func extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, nil)
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	// As a fallback, allow net.ParseIP normalization.
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}
