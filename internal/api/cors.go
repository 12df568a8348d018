package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/cors"
)

// CORS lets the listed browser origins call the API with credentials.
// Preflight requests are answered with 204 and never reach next.
func CORS(origins []string) func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           600,
	}).Handler
}

// originHosts converts origin URLs to the host patterns expected by the
// websocket origin check.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			hosts = append(hosts, strings.TrimSuffix(o, "/"))
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
