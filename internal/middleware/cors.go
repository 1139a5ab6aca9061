// Package middleware provides HTTP middleware for the Carat API.
package middleware

import (
	"net/http"
	"strconv"

	"github.com/ashureev/carat-studio/internal/identity"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// CORS returns middleware that handles CORS headers. Credentials are only
// allowed when every origin is explicit; a wildcard echoed with credentials
// enables CSRF.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	credentials := len(allowedOrigins) > 0
	for _, o := range allowedOrigins {
		if o == "*" {
			credentials = false
			break
		}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", identity.SessionHeaderName},
		AllowCredentials: credentials,
		MaxAge:           300,
	})
}

// RequestObserver records one finished HTTP request.
type RequestObserver interface {
	ObserveHTTP(method, code string)
}

// Metrics counts requests by method and status code.
func Metrics(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			obs.ObserveHTTP(r.Method, strconv.Itoa(status))
		})
	}
}
