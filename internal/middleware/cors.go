// Package middleware carries the relayer's HTTP middleware: CORS and a soft
// per-client rate limit on the proof endpoints.
package middleware

import (
	"net/http"

	"github.com/gorilla/mux"
)

// CORS returns middleware allowing the configured origin. "*" allows all.
func CORS(origin string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := origin
			if origin != "*" {
				if r.Header.Get("Origin") != origin {
					allowed = ""
				}
			}
			if allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
