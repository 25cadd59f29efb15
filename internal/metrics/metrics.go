package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "viewaudit"

// Metrics groups every collector of one process on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	LogLines           *prometheus.CounterVec
	ReplayResults      *prometheus.CounterVec
	DiffRows           *prometheus.CounterVec
	BackendRequests    *prometheus.CounterVec
	BackendLatency     *prometheus.HistogramVec
	DocumentsSimulated *prometheus.CounterVec
	Matches            *prometheus.CounterVec
	DocumentsInFlight  prometheus.Gauge
}

// New registers a fresh set of collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		LogLines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "extract",
			Name:      "log_lines_total",
		}, []string{"result"}),
		ReplayResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "requests_total",
		}, []string{"view", "result"}),
		DiffRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "diff_rows_total",
		}, []string{"view"}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
		}, []string{"backend", "kind", "result"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"backend", "kind"}),
		DocumentsSimulated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "documents_total",
		}, []string{"view", "result"}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "matches_total",
		}, []string{"field"}),
		DocumentsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlate",
			Name:      "documents_in_flight",
		}),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LogLines,
		m.ReplayResults,
		m.DiffRows,
		m.BackendRequests,
		m.BackendLatency,
		m.DocumentsSimulated,
		m.Matches,
		m.DocumentsInFlight,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RegisterRoutes mounts /metrics on router.
func (m *Metrics) RegisterRoutes(router *mux.Router) {
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	m.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
