// Package metrics collects and exposes Prometheus metrics for the auth and
// export services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the narrow interface the handlers record through, so tests can
// substitute a no-op.
type Recorder interface {
	RecordAuthStep(step, outcome string)
	RecordExport(mode string)
	RecordExportedMessages(count int)
	RecordGatewayLatency(duration time.Duration)
}

// Collector implements Recorder on a Prometheus registry.
type Collector struct {
	authSteps      *prometheus.CounterVec
	exports        *prometheus.CounterVec
	messages       prometheus.Counter
	gatewayLatency prometheus.Histogram
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatexport_auth_steps_total",
			Help: "Auth handshake transitions by step and outcome.",
		}, []string{"step", "outcome"}),
		exports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatexport_exports_total",
			Help: "Completed export runs by mode.",
		}, []string{"mode"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatexport_exported_messages_total",
			Help: "Messages written into export artifacts.",
		}),
		gatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatexport_gateway_latency_seconds",
			Help:    "Latency of calls to the remote platform gateway.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authSteps,
		c.exports,
		c.messages,
		c.gatewayLatency,
	)

	return c
}

// RecordAuthStep counts one handshake transition.
func (c *Collector) RecordAuthStep(step, outcome string) {
	c.authSteps.WithLabelValues(step, outcome).Inc()
}

// RecordExport counts one completed export run.
func (c *Collector) RecordExport(mode string) {
	c.exports.WithLabelValues(mode).Inc()
}

// RecordExportedMessages adds to the exported-message counter.
func (c *Collector) RecordExportedMessages(count int) {
	c.messages.Add(float64(count))
}

// RecordGatewayLatency observes one gateway round trip.
func (c *Collector) RecordGatewayLatency(duration time.Duration) {
	c.gatewayLatency.Observe(duration.Seconds())
}

// Handler returns the HTTP handler Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
