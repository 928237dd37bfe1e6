package server

import "net/http"

const (
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultContentTypeOptions = "nosniff"
)

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", defaultContentTypeOptions)
		headers.Set("X-Frame-Options", defaultFrameOptions)
		headers.Set("Referrer-Policy", defaultReferrerPolicy)
		next.ServeHTTP(w, r)
	})
}
