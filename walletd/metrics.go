package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the server's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests   *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	duplicates prometheus.Counter
	payments   *prometheus.CounterVec
	relays     prometheus.Gauge
	state      prometheus.Gauge
}

// NewMetrics registers collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletd_requests_total",
			Help: "Requests answered, by method and result code.",
		}, []string{"method", "code"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletd_events_dropped_total",
			Help: "Inbound events dropped without a response, by reason.",
		}, []string{"reason"}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "walletd_duplicate_requests_total",
			Help: "Request events seen more than once.",
		}),
		payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "walletd_payments_total",
			Help: "Ledger transfers attempted, by outcome.",
		}, []string{"outcome"}),
		relays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletd_relays_connected",
			Help: "Relays with a live connection.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "walletd_server_state",
			Help: "Lifecycle state: 0 stopped, 1 starting, 2 running, 3 stopping.",
		}),
	}
	m.registry.MustRegister(m.requests, m.dropped, m.duplicates, m.payments, m.relays, m.state,
		prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) request(method, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.requests.WithLabelValues(method, code).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) duplicate() {
	if m == nil {
		return
	}
	m.duplicates.Inc()
}

func (m *Metrics) payment(outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setRelays(n int) {
	if m == nil {
		return
	}
	m.relays.Set(float64(n))
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}
