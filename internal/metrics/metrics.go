// Package metrics exposes Prometheus collectors for routing and agent turns.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/aretw0/patchwork/internal/logging"
	"github.com/aretw0/patchwork/pkg/domain"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics satisfies both the router and the session driver observer interfaces.
type Metrics struct {
	registry *prometheus.Registry

	conversations prometheus.Counter
	stackDepth    prometheus.Gauge
	toolCalls     prometheus.Counter
	events        *prometheus.CounterVec
	turnDuration  *prometheus.HistogramVec
	defects       *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchwork_conversations_total",
			Help: "Agent sessions opened for Think nodes.",
		}),
		stackDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "patchwork_conversation_stack_depth",
			Help: "Conversations currently registered with the router.",
		}),
		toolCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "patchwork_tool_calls_total",
			Help: "Callbacks forwarded from the agent to the interpreter.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_router_events_total",
			Help: "Events delivered by the router, by kind.",
		}, []string{"kind"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "patchwork_turn_duration_seconds",
			Help:    "Duration of agent turns, by stop reason.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"stop_reason"}),
		defects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "patchwork_router_defects_total",
			Help: "Stack hygiene violations detected by the router.",
		}, []string{"op"}),
	}
	m.registry.MustRegister(m.conversations, m.stackDepth, m.toolCalls, m.events, m.turnDuration, m.defects)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StackDepth(depth int) {
	m.stackDepth.Set(float64(depth))
}

func (m *Metrics) Delivered(kind domain.EventKind) {
	m.events.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) Defect(op string) {
	m.defects.WithLabelValues(op).Inc()
}

func (m *Metrics) ConversationOpened() {
	m.conversations.Inc()
}

func (m *Metrics) ToolCallForwarded() {
	m.toolCalls.Inc()
}

func (m *Metrics) TurnFinished(reason domain.StopReason, elapsed time.Duration) {
	m.turnDuration.WithLabelValues(string(reason)).Observe(elapsed.Seconds())
}

// Handler serves /metrics and /healthz.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// Server serves the metrics handler until its context is cancelled.
type Server struct {
	metrics  *Metrics
	logger   *slog.Logger
	listener net.Listener
}

// Listen binds addr so that Serve can start without racing the caller.
func Listen(m *Metrics, addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{metrics: m, logger: logger, listener: ln}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is cancelled, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Handler:           s.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("metrics server listening", "addr", s.Addr())
		errCh <- srv.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
