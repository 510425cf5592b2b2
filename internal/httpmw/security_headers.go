package httpmw

import "net/http"

// SecurityHeaders sets response headers for a JSON API that is never
// rendered or framed by a browser
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cross-Origin-Resource-Policy", "same-origin")
		// limit decisions are per request, never cache them
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
