// Package metrics exposes Prometheus collectors for the relay.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/codefionn/httprelay/httprelay-srv/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions         prometheus.Gauge
	SessionsTotal          prometheus.Counter
	ConnectsTotal          *prometheus.CounterVec
	ConnectDurationSeconds prometheus.Histogram
	ReuseTotal             prometheus.Counter
	BadGatewayTotal        prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
	BytesTotal             *prometheus.CounterVec
	InterceptDroppedTotal  prometheus.Counter
	RejectedTotal          prometheus.Counter
}

// New registers the relay collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry:               reg,
		ActiveSessions:         f.NewGauge(prometheus.GaugeOpts{Name: "httprelay_active_sessions", Help: "Client connections currently being served"}),
		SessionsTotal:          f.NewCounter(prometheus.CounterOpts{Name: "httprelay_sessions_total", Help: "Client connections accepted"}),
		ConnectsTotal:          f.NewCounterVec(prometheus.CounterOpts{Name: "httprelay_outbound_connects_total", Help: "Outbound connects by result"}, []string{"result"}),
		ConnectDurationSeconds: f.NewHistogram(prometheus.HistogramOpts{Name: "httprelay_outbound_connect_duration_seconds", Help: "Time to establish an outbound connection", Buckets: prometheus.ExponentialBuckets(0.001, 2, 16)}),
		ReuseTotal:             f.NewCounter(prometheus.CounterOpts{Name: "httprelay_outbound_reuse_total", Help: "Requests forwarded on an existing outbound connection"}),
		BadGatewayTotal:        f.NewCounter(prometheus.CounterOpts{Name: "httprelay_bad_gateway_total", Help: "Synthesized 502 responses"}),
		ErrorsTotal:            f.NewCounterVec(prometheus.CounterOpts{Name: "httprelay_errors_total", Help: "Errors by type"}, []string{"type"}),
		BytesTotal:             f.NewCounterVec(prometheus.CounterOpts{Name: "httprelay_bytes_total", Help: "Body bytes relayed by direction"}, []string{"direction"}),
		InterceptDroppedTotal:  f.NewCounter(prometheus.CounterOpts{Name: "httprelay_intercept_dropped_total", Help: "Interception events dropped because the queue was full"}),
		RejectedTotal:          f.NewCounter(prometheus.CounterOpts{Name: "httprelay_rejected_connections_total", Help: "Client connections closed because max-connections was reached"}),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// ConnectFinished records the outcome and duration of an outbound connect.
func (m *Metrics) ConnectFinished(start time.Time, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.ConnectsTotal.WithLabelValues(result).Inc()
	m.ConnectDurationSeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Reused() {
	if m == nil {
		return
	}
	m.ReuseTotal.Inc()
}

func (m *Metrics) BadGateway() {
	if m == nil {
		return
	}
	m.BadGatewayTotal.Inc()
}

// Error counts an error of the given kind (routing, connect, decode, io).
func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}

// Bytes adds n body bytes relayed in direction ("upstream" or "downstream").
func (m *Metrics) Bytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

func (m *Metrics) InterceptDropped() {
	if m == nil {
		return
	}
	m.InterceptDroppedTotal.Inc()
}

func (m *Metrics) Rejected() {
	if m == nil {
		return
	}
	m.RejectedTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics and /healthz.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr and starts serving in the background.
func (m *Metrics) Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s := &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server on %s failed: %v", addr, err)
		}
	}()
	logger.Info("Serving metrics on http://%s/metrics", ln.Addr())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops the metrics server.
func (s *Server) Close(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
