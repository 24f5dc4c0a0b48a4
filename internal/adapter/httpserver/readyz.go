package httpserver

import (
	"context"
	"net/http"
	"time"
)

// ReadyzHandler reports readiness of the ledger and the result consumer.
// Any failing dependency yields 503 with per-check detail.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		name string
		fn   func(ctx context.Context) error
	}
	checks := []check{
		{"db", s.DBCheck},
		{"broker", s.BrokerCheck},
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		detail := make(map[string]string, len(checks))
		for _, c := range checks {
			if c.fn == nil {
				detail[c.name] = "not configured"
				status = http.StatusServiceUnavailable
				continue
			}
			if err := c.fn(ctx); err != nil {
				detail[c.name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			detail[c.name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": detail})
	}
}
