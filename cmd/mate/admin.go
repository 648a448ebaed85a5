package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mate "github.com/TomasBorquez/mate/pkg"
)

// newAdminServer serves health and metrics apart from the public port. It
// returns nil when address is empty.
func newAdminServer(address string, app *mate.Server, registry *prometheus.Registry) *http.Server {
	if address == "" {
		return nil
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if !app.IsRunning() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"running":              app.IsRunning(),
			"port":                 app.Port(),
			"pending_cache_writes": app.Renderer().PendingCacheWrites(),
		})
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              address,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
