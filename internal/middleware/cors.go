package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// CORS allows the listed origins. An empty list allows any origin without
// credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	opts := []handlers.CORSOption{
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization", "X-Request-ID"}),
		handlers.ExposedHeaders([]string{"X-Request-ID"}),
	}
	if len(allowedOrigins) > 0 {
		opts = append(opts, handlers.AllowedOrigins(allowedOrigins), handlers.AllowCredentials())
	} else {
		opts = append(opts, handlers.AllowedOrigins([]string{"*"}))
	}
	return handlers.CORS(opts...)
}
