// Package metrics holds the Prometheus collectors for instrumented shells.
//
// All methods are safe on a nil *Metrics, so components can take an
// optional collector without guarding every call.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shell_instrumentation"

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	CommandsSubmitted prometheus.Counter
	PromptsDetected   prometheus.Counter
	MalformedPrompts  prometheus.Counter
	TransportErrors   prometheus.Counter
	HandshakeFailures prometheus.Counter
	SessionsActive    prometheus.Gauge
	ExecuteDuration   *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CommandsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Total number of command lines written to shell streams",
		}),
		PromptsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prompts_detected_total",
			Help:      "Total number of well-formed synthetic prompts observed",
		}),
		MalformedPrompts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_prompts_total",
			Help:      "Total number of prompt candidates rejected by the parser",
		}),
		TransportErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total number of errors reported by shell streams",
		}),
		HandshakeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Total number of shells that never reached the ready state",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open instrumented sessions",
		}),
		ExecuteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_duration_seconds",
			Help:      "Time from command submission to the next ready prompt",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"status"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CommandSubmitted() {
	if m != nil {
		m.CommandsSubmitted.Inc()
	}
}

func (m *Metrics) PromptDetected() {
	if m != nil {
		m.PromptsDetected.Inc()
	}
}

func (m *Metrics) MalformedPrompt() {
	if m != nil {
		m.MalformedPrompts.Inc()
	}
}

func (m *Metrics) TransportError() {
	if m != nil {
		m.TransportErrors.Inc()
	}
}

func (m *Metrics) HandshakeFailed() {
	if m != nil {
		m.HandshakeFailures.Inc()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

// ObserveExecute records one command round trip. status is the result
// status ("completed", "timeout", "awaiting_input") or "error".
func (m *Metrics) ObserveExecute(status string, d time.Duration) {
	if m != nil {
		m.ExecuteDuration.WithLabelValues(status).Observe(d.Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listener started", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
