// Package app wires the HTTP surface of the gateway together.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/velivolant/gateway/internal/adapter/httpserver"
	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/observability"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
// There is no blanket timeout middleware: execute blocks up to the caller's
// own deadline, which the dispatcher enforces.
func BuildRouter(cfg config.Config, srv *httpserver.Server, hub http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api/compute", func(r chi.Router) {
		// Rate limit the mutating endpoints
		r.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/submit", srv.SubmitHandler())
			wr.Post("/execute", srv.ExecuteHandler())
			wr.Post("/bac", srv.BACHandler())
		})
		r.Get("/result/{requestId}", srv.ResultHandler())
		r.Get("/analytics/{eventId}", srv.AnalyticsHandler())
		r.Get("/leaderboard/{eventId}", srv.LeaderboardHandler())
		r.Get("/score/{eventId}/{userId}", srv.ScoreHandler())
		r.Get("/stats", srv.StatsHandler())
	})

	if hub != nil {
		r.Get("/ws", hub.ServeHTTP)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
