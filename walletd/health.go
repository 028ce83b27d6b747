package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// HealthSource reports server state to the health endpoints.
type HealthSource interface {
	State() State
	Ready() bool
	ConnectedRelays() []string
}

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port    int
	server  *http.Server
	source  HealthSource
	nats    func() bool
	metrics *Metrics
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy       bool     `json:"healthy"`
	State         string   `json:"state"`
	Relays        []string `json:"relays"`
	NATSConnected *bool    `json:"nats_connected,omitempty"`
	Uptime        string   `json:"uptime"`
	Version       string   `json:"version"`
}

var startTime = time.Now()

// NewHealthServer creates a new health server. natsConnected may be nil
// when the control bus is disabled.
func NewHealthServer(port int, source HealthSource, natsConnected func() bool, metrics *Metrics) *HealthServer {
	h := &HealthServer{
		port:    port,
		source:  source,
		nats:    natsConnected,
		metrics: metrics,
	}
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func (h *HealthServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Start serves until Stop is called.
func (h *HealthServer) Start() {
	log.Info().Int("port", h.port).Msg("Starting health server")

	if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Serve is Start on an existing listener.
func (h *HealthServer) Serve(l net.Listener) {
	if err := h.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Health server error")
	}
}

// Stop stops the health server
func (h *HealthServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.server.Shutdown(ctx)
}

func (h *HealthServer) status() HealthStatus {
	st := h.source.State()
	relays := h.source.ConnectedRelays()
	status := HealthStatus{
		// A running server with no relay cannot receive requests.
		Healthy: st == StateStarting || (st == StateRunning && len(relays) > 0),
		State:   st.String(),
		Relays:  relays,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Version: Version,
	}
	if h.nats != nil {
		connected := h.nats()
		status.NATSConnected = &connected
		status.Healthy = status.Healthy && connected
	}
	return status
}

// handleHealth handles the /health endpoint
func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.status()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleReady handles the /ready endpoint: running with at least one relay.
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.source.Ready() {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}
