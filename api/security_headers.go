package api

import "net/http"

const (
	apiCSP = "default-src 'self'; script-src 'self'; style-src 'self' 'unsafe-inline'; " +
		"img-src 'self' data:; connect-src 'self'"

	// Swagger UI and Redoc load their bundles from CDNs; Swagger UI boots
	// from an inline script and Redoc parses the document in a blob worker.
	docsCSP = "default-src 'self'; " +
		"script-src 'self' 'unsafe-inline' https://unpkg.com https://cdn.jsdelivr.net; " +
		"style-src 'self' 'unsafe-inline' https://unpkg.com https://fonts.googleapis.com; " +
		"font-src 'self' data: https://fonts.gstatic.com; " +
		"img-src 'self' data: https:; worker-src 'self' blob:; connect-src 'self'"
)

// SecurityHeaders sets the standard security response headers with the
// strict policy used by the JSON API.
func SecurityHeaders(next http.Handler) http.Handler {
	return securityHeaders(apiCSP, next)
}

// DocsSecurityHeaders is SecurityHeaders for the API documentation pages.
func DocsSecurityHeaders(next http.Handler) http.Handler {
	return securityHeaders(docsCSP, next)
}

func securityHeaders(csp string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
		h.Set("Content-Security-Policy", csp)
		if requestIsSecure(r) {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
