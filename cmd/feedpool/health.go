package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rickgao/pricefeed-pool/internal/pool"
)

type statsSource interface {
	Stats() pool.Stats
}

type pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// healthHandler reports healthy with at least one connected link, degraded
// with none, and unhealthy (503) when the archive database is unreachable.
// archive may be nil when archiving is disabled.
func healthHandler(src statsSource, archive pinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		s := src.Stats()
		health.Components["pool"] = map[string]any{
			"id":              s.ID,
			"links":           len(s.Links),
			"links_connected": s.LinksConnected,
			"subscriptions":   s.Subscriptions,
			"closed":          s.Closed,
		}
		if s.LinksConnected == 0 || s.Closed {
			health.Status = "degraded"
		}

		if archive != nil {
			if err := archive.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}
