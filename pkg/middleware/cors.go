package middleware

import (
	"net/http"
	"slices"

	"github.com/rs/cors"
)

// CORS allows the dashboard origins to call the report and ingest APIs.
// Credentials are only allowed for an explicit origin list; a "*" entry
// opens the API to any origin without cookies.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := slices.Contains(allowedOrigins, "*")

	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Location"},
		AllowCredentials: !wildcard,
		MaxAge:           300,
	}).Handler
}
