// Package metrics exposes an optional, loopback-only Prometheus
// endpoint. It is a side-channel observability listener, separate from
// the unix-socket transport that serves client RPC traffic.
package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gauges is the set of live metrics the daemon keeps updated. The
// gauges are Set by cmd/voxeld's periodic report loop from queue, pool,
// cache, and connection snapshots; RequestsTotal and LockWaitSeconds
// are fed by workers through IncRequest and ObserveLockWait.
type Gauges struct {
	QueueDepth       prometheus.Gauge
	WorkersActive    prometheus.Gauge
	WorkersIdle      prometheus.Gauge
	RenderCacheBytes prometheus.Gauge
	RenderCacheCount prometheus.Gauge
	LockWaitSeconds  prometheus.Histogram
	RequestsTotal    *prometheus.CounterVec
	ConnectionsOpen  prometheus.Gauge
}

// NewGauges registers every metric against a fresh registry so multiple
// daemon instances in the same test binary don't collide on the global
// default registry.
func NewGauges(reg *prometheus.Registry) *Gauges {
	factory := promauto.With(reg)
	return &Gauges{
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_queue_depth", Help: "Current number of requests waiting in the work queue.",
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_workers_active", Help: "Number of workers currently executing a handler.",
		}),
		WorkersIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_workers_idle", Help: "Number of workers currently idle.",
		}),
		RenderCacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_render_cache_bytes", Help: "Total bytes held by live render records.",
		}),
		RenderCacheCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_render_cache_count", Help: "Number of live render records.",
		}),
		LockWaitSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "voxeld_project_lock_wait_seconds", Help: "Time spent waiting to acquire the project lock.",
			Buckets: prometheus.DefBuckets,
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxeld_requests_total", Help: "JSON-RPC requests processed, by method and outcome.",
		}, []string{"method", "outcome"}),
		ConnectionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxeld_connections_open", Help: "Currently registered client connections.",
		}),
	}
}

// Server serves /metrics on a loopback-only listener.
type Server struct {
	httpSrv *http.Server
	ln      net.Listener
	log     *zap.Logger
}

// NewServer builds (but does not start) a metrics HTTP server bound to
// addr, which must be a loopback host ("localhost", 127.0.0.0/8 or ::1),
// routed through gorilla/mux the same way the app server's own
// admin/debug routes are wired.
func NewServer(addr string, reg *prometheus.Registry, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return nil, fmt.Errorf("metrics: %q is not a loopback address", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		httpSrv: &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second},
		ln:      ln,
		log:     log,
	}, nil
}

// Start serves in the background; errors after Shutdown has begun are
// swallowed since http.Server.Shutdown closes the listener itself.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.Serve(s.ln); err != nil && err != http.ErrServerClosed {
			s.log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
}

// IncRequest and ObserveLockWait satisfy workerpool.Recorder structurally
// (metrics does not import workerpool, to keep the dependency one-way),
// so a worker can report per-request outcome and lock-wait latency
// directly at the point they're known instead of through a periodic
// poll of cumulative counters.
func (g *Gauges) IncRequest(method, outcome string) {
	g.RequestsTotal.WithLabelValues(method, outcome).Inc()
}

func (g *Gauges) ObserveLockWait(seconds float64) {
	g.LockWaitSeconds.Observe(seconds)
}

// Addr returns the bound address, useful when addr was "127.0.0.1:0" in tests.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
