// Package metrics holds the Prometheus collectors of the relay processes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay is the collector set of one relay process, on its own registry.
type Relay struct {
	Connections prometheus.Gauge
	Broadcasts  prometheus.Counter
	// Messages counts tokens received by the client, by kind.
	Messages *prometheus.CounterVec
	// Syncs counts directory pulls, by outcome.
	Syncs *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRelay creates and registers the relay collectors.
func NewRelay() *Relay {
	r := &Relay{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Number of currently open relay client connections",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_broadcast_tokens_total",
			Help: "Number of local signal tokens broadcast to clients",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_messages_total",
			Help: "Number of relay messages received by the client",
		}, []string{"kind"}),
		Syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_client_syncs_total",
			Help: "Number of directory pulls run by the client",
		}, []string{"outcome"}),
		registry: prometheus.NewRegistry(),
	}
	r.registry.MustRegister(
		r.Connections,
		r.Broadcasts,
		r.Messages,
		r.Syncs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Relay) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
