// Package http runs the service's HTTP surface: health probes, Prometheus
// metrics and the session REST API.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"roomdj/internal/core"
)

type Server struct {
	config  *core.ServerConfig
	logger  *zap.Logger
	server  *http.Server
	metrics *Metrics
}

// Metrics holds the service's Prometheus collectors. Built once and shared
// between the server and the API handlers.
type Metrics struct {
	SessionsActive    prometheus.Gauge
	QueueOpsTotal     *prometheus.CounterVec
	DuplicatesTotal   prometheus.Counter
	ArbiterCallsTotal *prometheus.CounterVec
	CatalogCallsTotal *prometheus.CounterVec
	AuthFlowsTotal    *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "roomdj_sessions_active",
				Help: "Number of live listening sessions",
			},
		),
		QueueOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomdj_queue_ops_total",
				Help: "Total queue operations by kind and outcome",
			},
			[]string{"op", "status"},
		),
		DuplicatesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "roomdj_duplicates_total",
				Help: "Total duplicate track requests rejected",
			},
		),
		ArbiterCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomdj_arbiter_calls_total",
				Help: "Total placement arbiter calls",
			},
			[]string{"provider", "status"},
		),
		CatalogCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomdj_catalog_calls_total",
				Help: "Total remote catalog calls",
			},
			[]string{"op", "status"},
		),
		AuthFlowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomdj_auth_flows_total",
				Help: "Total authorization flows by outcome",
			},
			[]string{"status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomdj_request_duration_seconds",
				Help:    "Time spent handling API requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	prometheus.MustRegister(
		m.SessionsActive,
		m.QueueOpsTotal,
		m.DuplicatesTotal,
		m.ArbiterCallsTotal,
		m.CatalogCallsTotal,
		m.AuthFlowsTotal,
		m.RequestDuration,
	)

	return m
}

func (m *Metrics) RecordQueueOp(op, status string) {
	m.QueueOpsTotal.WithLabelValues(op, status).Inc()
}

func (m *Metrics) RecordDuplicate() {
	m.DuplicatesTotal.Inc()
}

func (m *Metrics) RecordArbiterCall(provider, status string) {
	m.ArbiterCallsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) RecordCatalogCall(op, status string) {
	m.CatalogCallsTotal.WithLabelValues(op, status).Inc()
}

func (m *Metrics) RecordAuthFlow(status string) {
	m.AuthFlowsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordRequestDuration(route string, duration time.Duration) {
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

func (m *Metrics) SetActiveSessions(count int) {
	m.SessionsActive.Set(float64(count))
}

// NewServer builds the HTTP server. The session REST API is mounted under
// /api/v1 next to the operational endpoints.
func NewServer(config *core.ServerConfig, metrics *Metrics, api http.Handler, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"roomdj"}`))
	})

	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"roomdj"}`))
	})

	mux.Handle("/metrics", promhttp.Handler())

	if api != nil {
		mux.Handle("/api/v1/", http.StripPrefix("/api/v1", api))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>RoomDJ</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        .header { color: #333; }
        .endpoint { margin: 10px 0; }
        .endpoint a { text-decoration: none; color: #0066cc; }
        .endpoint a:hover { text-decoration: underline; }
    </style>
</head>
<body>
    <h1 class="header">🎵 RoomDJ</h1>
    <p>Shared listening sessions with a synced Spotify playlist</p>

    <h2>Endpoints</h2>
    <div class="endpoint">🎶 <a href="/api/v1/sessions">Sessions</a> - Session REST API</div>
    <div class="endpoint">📊 <a href="/metrics">Metrics</a> - Prometheus metrics</div>
    <div class="endpoint">💚 <a href="/healthz">Health</a> - Health check</div>
    <div class="endpoint">✅ <a href="/readyz">Ready</a> - Readiness check</div>
</body>
</html>`))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		config:  config,
		logger:  logger,
		server:  server,
		metrics: metrics,
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting HTTP server",
		zap.String("addr", s.server.Addr))

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Failed to shutdown HTTP server gracefully", zap.Error(err))
		}
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

func (s *Server) GetMetrics() *Metrics {
	return s.metrics
}
