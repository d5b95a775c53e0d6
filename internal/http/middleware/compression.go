package middleware

import (
	"net/http"
	"strings"
)

// SkipCompressionForStreams applies compress to every request except relay media routes.
// Segments are already compressed media, and follow-mode streams must flush unbuffered.
func SkipCompressionForStreams(compress func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		compressed := compress(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/relay/") {
				next.ServeHTTP(w, r)
				return
			}
			compressed.ServeHTTP(w, r)
		})
	}
}
