package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/jmcleod/watchtower/internal/uuid"
)

const (
	csrfCookieName = "watchtower_csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection on
// session-authenticated mutating requests. Safe methods (GET, HEAD, OPTIONS)
// and requests without a session cookie are exempt.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Safe methods do not need CSRF protection.
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		// Without a session cookie there is nothing to ride on.
		if _, err := r.Cookie(sessionCookieName); err != nil {
			next.ServeHTTP(w, r)
			return
		}

		// Validate the CSRF token.
		cookie, err := r.Cookie(csrfCookieName)
		if err != nil || cookie.Value == "" {
			a.audit.logFailure(AuditCSRFRejected, r, "missing csrf token")
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}
		header := r.Header.Get(csrfHeaderName)
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
			a.audit.logFailure(AuditCSRFRejected, r, "invalid csrf token")
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeCSRFCookie sets the CSRF double-submit cookie. It is intentionally
// NOT HttpOnly so that the browser-side SPA can read it and include it as a
// request header on mutating requests.
func writeCSRFCookie(w http.ResponseWriter, r *http.Request) {
	token := uuid.New()
	secure := requestIsSecure(r)
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clearCSRFCookie removes the CSRF cookie on logout.
func clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	clearCookie(w, r, csrfCookieName, false)
}
