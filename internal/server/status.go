package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/hlsplay/internal/engine"
)

// MountStatus serves the session snapshot at /stats and the metrics in
// gatherer at /metrics.
func (s *Server) MountStatus(stats func() engine.Stats, gatherer prometheus.Gatherer) {
	s.router.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, stats())
	})
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
