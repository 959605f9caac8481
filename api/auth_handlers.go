package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jmcleod/watchtower/internal/util"
)

const (
	maxAuthBodySize = 4 << 10

	minPasswordLen = 8
	maxUsernameLen = 64

	defaultRole = "user"

	// loginFailedMessage is the only failure text a client sees, whatever
	// the cause, so responses do not reveal which usernames exist.
	loginFailedMessage = "Invalid username or password"
)

const logoutPage = `<!doctype html>
<html><head><meta charset="utf-8"><title>Signed out</title></head>
<body><p>You have been signed out.</p></body></html>
`

// Register handles POST /auth/register.
func (a *API) Register(w http.ResponseWriter, r *http.Request) {
	// Rate-limit registration before any expensive work.
	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := reserve(a.regGlobalLimiter, a.clock.Now()); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "global rate limited")
		writeRegistrationRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.regIPLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditRegisterRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		writeRegistrationRateLimited(w, retryAfter)
		return
	}

	req, ok := decodeJSON[RegisterRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	username := strings.TrimSpace(req.Username)
	switch {
	case util.NormalizeUsername(username) == "":
		writeError(w, http.StatusBadRequest, "username is required")
		return
	case len(username) > maxUsernameLen:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("username must be at most %d bytes", maxUsernameLen))
		return
	case len([]rune(req.Password)) < minPasswordLen:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("password must be at least %d characters", minPasswordLen))
		return
	}

	// Every request counts against the IP before the KDF runs.
	a.regIPLimiter.record(clientIP)

	hash, err := util.HashPassword(req.Password, a.passwords)
	if err != nil {
		writeInternalError(w, "failed to hash password", err)
		return
	}
	record := accountRecord{
		Username:  username,
		Email:     strings.TrimSpace(req.Email),
		Roles:     normalizeRoles(req.Roles),
		Password:  hash,
		CreatedAt: a.clock.Now().UTC(),
	}
	if err := a.createAccountRecord(record); err != nil {
		if errors.Is(err, errAccountExists) {
			mapError(w, err)
			return
		}
		writeInternalError(w, "failed to persist account", err)
		return
	}

	a.metrics.observeRegistration()
	a.audit.logEvent(AuditRegister, r, accountLookupID(username))
	writeJSON(w, http.StatusCreated, record.user())
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	if len(out) == 0 {
		out = append(out, defaultRole)
	}
	return out
}

// Login handles POST /auth/login. Failures are reported in the body as
// {"success": false, "error": ...} so the dashboard can show them verbatim.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeJSON(w, http.StatusBadRequest, LoginResponse{Error: "Username and password are required"})
		return
	}

	// Keys are hashes, safe for logs and maps.
	accountID := accountLookupID(req.Username)
	clientIP := a.extractClientIP(r)

	// Check rate limits before any expensive work: global, IP, account.
	if blocked, retryAfter := reserve(a.globalLimiter, a.clock.Now()); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "global rate limited")
		a.metrics.observeLogin("rate_limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "ip rate limited",
			slog.String("client_ip", clientIP))
		a.metrics.observeLogin("rate_limited")
		writeRateLimited(w, retryAfter)
		return
	}
	if blocked, retryAfter := a.rateLimiter.check(accountID); blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, "rate limited",
			slog.String("account_id", accountID))
		a.metrics.observeLogin("rate_limited")
		writeRateLimited(w, retryAfter)
		return
	}

	record, err := a.loadAccountRecord(req.Username)
	if err != nil && !errors.Is(err, errAccountNotFound) {
		writeInternalError(w, "failed to load account", err)
		return
	}
	if record == nil || !record.Password.Verify(req.Password) {
		a.rateLimiter.record(accountID)
		a.ipLimiter.record(clientIP)
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
			slog.String("account_id", accountID))
		a.metrics.observeLogin("failure")
		writeJSON(w, http.StatusUnauthorized, LoginResponse{Error: loginFailedMessage})
		return
	}

	a.rateLimiter.reset(accountID)
	a.ipLimiter.reset(clientIP)

	sessionID, err := util.RandomToken(32)
	if err != nil {
		writeInternalError(w, "failed to create session", err)
		return
	}
	now := a.clock.Now()
	expiresAt := now.Add(a.sessionTTL)
	a.sessions.Put(sessionID, AuthSession{
		Username:       record.Username,
		ExpiresAt:      expiresAt,
		LastAccessedAt: now,
	})
	token, tokenExpiry, err := a.tokens.issue(record.Username, sessionID, record.Roles)
	if err != nil {
		a.sessions.Delete(sessionID)
		writeInternalError(w, "failed to issue access token", err)
		return
	}
	writeSessionCookie(w, r, sessionID, expiresAt)
	writeAccessCookie(w, r, token, tokenExpiry)
	writeCSRFCookie(w, r)

	a.metrics.observeLogin("success")
	a.audit.logEvent(AuditLoginSuccess, r, accountID)
	writeJSON(w, http.StatusOK, LoginResponse{Success: true})
}

// Status handles GET /auth/status. AccessMiddleware has already rejected
// requests without a valid access token.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	record, err := a.loadAccountRecord(claims.Subject)
	if err != nil {
		if errors.Is(err, errAccountNotFound) {
			a.metrics.observeStatus(false)
			writeError(w, http.StatusUnauthorized, "account no longer exists")
			return
		}
		writeInternalError(w, "failed to load account", err)
		return
	}

	user := record.user()
	resp := StatusResponse{Authenticated: true, Data: &user}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.UTC().Format(time.RFC3339)
	}
	a.metrics.observeStatus(true)
	writeJSON(w, http.StatusOK, resp)
}

// Refresh handles POST /auth/refresh. It trades a live refresh session for
// a new access token.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		a.refreshFailed(w, r, "missing session cookie")
		return
	}
	sess, ok := a.sessions.Get(cookie.Value)
	if !ok {
		clearSessionCookies(w, r)
		a.refreshFailed(w, r, "session expired")
		return
	}
	record, err := a.loadAccountRecord(sess.Username)
	if err != nil {
		if errors.Is(err, errAccountNotFound) {
			a.sessions.Delete(cookie.Value)
			clearSessionCookies(w, r)
			a.refreshFailed(w, r, "account no longer exists")
			return
		}
		writeInternalError(w, "failed to load account", err)
		return
	}

	sess.LastAccessedAt = a.clock.Now()
	a.sessions.Put(cookie.Value, sess)

	token, expiresAt, err := a.tokens.issue(record.Username, cookie.Value, record.Roles)
	if err != nil {
		writeInternalError(w, "failed to issue access token", err)
		return
	}
	writeAccessCookie(w, r, token, expiresAt)

	a.metrics.observeRefresh(true)
	a.audit.logEvent(AuditTokenRefreshed, r, accountLookupID(record.Username))
	writeJSON(w, http.StatusOK, RefreshResponse{
		Success:   true,
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *API) refreshFailed(w http.ResponseWriter, r *http.Request, reason string) {
	a.metrics.observeRefresh(false)
	a.audit.logFailure(AuditRefreshFailure, r, reason)
	writeError(w, http.StatusUnauthorized, reason)
}

// Logout handles POST /auth/logout. Browsers post it as a plain form, which
// gets a small HTML page back; API clients post JSON and get JSON.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	form := isFormPost(r)
	cookie, err := r.Cookie(sessionCookieName)
	if err == nil && cookie.Value != "" {
		if !a.logoutTokenValid(w, r, form) {
			a.audit.logFailure(AuditCSRFRejected, r, "invalid csrf token on logout")
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}
		if sess, ok := a.sessions.Get(cookie.Value); ok {
			a.audit.logEvent(AuditLogout, r, accountLookupID(sess.Username))
		}
		a.sessions.Delete(cookie.Value)
	}
	clearSessionCookies(w, r)
	clearCSRFCookie(w, r)
	a.metrics.observeLogout()

	if form {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(logoutPage))
		return
	}
	writeJSON(w, http.StatusOK, LogoutResponse{Success: true})
}

// logoutTokenValid checks the double-submit token from the header or, for
// form posts, the csrf_token field. Without a CSRF cookie there is nothing
// to compare and the logout proceeds.
func (a *API) logoutTokenValid(w http.ResponseWriter, r *http.Request, form bool) bool {
	csrf, err := r.Cookie(csrfCookieName)
	if err != nil || csrf.Value == "" {
		return true
	}
	token := r.Header.Get(csrfHeaderName)
	if token == "" && form {
		r.Body = http.MaxBytesReader(w, r.Body, maxAuthBodySize)
		token = r.PostFormValue("csrf_token")
	}
	return subtle.ConstantTimeCompare([]byte(csrf.Value), []byte(token)) == 1
}

func isFormPost(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mt == "application/x-www-form-urlencoded" || mt == "multipart/form-data"
}
