// Package http provides the HTTP transport adapter for forensic and
// operational endpoints (health, Prometheus metrics) that sit alongside
// the TCP request server. It never sees capability traffic.
package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsHandler exposes reg in the Prometheus text exposition format.
// The metrics themselves (moltgate_requests_total and friends) are
// registered by service.NewMetrics; this adapter only serves them.
func MetricsHandler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
