package handler

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/kueuexec/internal/api/response"
)

// Pinger is anything the health check can probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health that
// pings database, cache and cluster.
func NewHealthHandler(database, cache, cluster Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"cluster":  "ok",
		}

		if err := database.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := cache.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := cluster.Ping(r.Context()); err != nil {
			checks["cluster"] = "degraded"
		}

		for _, v := range checks {
			if v != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
