// Package monitor exposes supervisor activity as Prometheus metrics.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/treykane/frpc-manager/internal/model"
)

// Metrics records tunnel sessions on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted prometheus.Counter
	failures        *prometheus.CounterVec
	timeToSuccess   prometheus.Histogram
	reaped          prometheus.Counter
	outputLines     prometheus.Counter
	state           *prometheus.GaugeVec
	updateChecks    *prometheus.CounterVec
}

// New creates the metric set and registers it, plus Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpcm_sessions_started_total",
			Help: "Tunnel sessions that passed validation and began starting",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpcm_session_failures_total",
			Help: "Tunnel sessions that ended in the failed state, by reason",
		}, []string{"reason"}),
		timeToSuccess: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "frpcm_time_to_success_seconds",
			Help:    "Time from spawn to the first success line",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpcm_reaped_processes_total",
			Help: "Stale frpc processes terminated to free a port",
		}),
		outputLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "frpcm_output_lines_total",
			Help: "Lines read from frpc output",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "frpcm_session_state",
			Help: "1 for the supervisor's current session state, 0 otherwise",
		}, []string{"state"}),
		updateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "frpcm_update_checks_total",
			Help: "Startup update checks, by outcome",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.sessionsStarted,
		m.failures,
		m.timeToSuccess,
		m.reaped,
		m.outputLines,
		m.state,
		m.updateChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m.SetState(model.SessionIdle)
	return m
}

func (m *Metrics) SessionStarted() { m.sessionsStarted.Inc() }

func (m *Metrics) SessionFailed(reason model.FailureReason) {
	m.failures.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) SessionSucceeded(elapsed time.Duration) {
	m.timeToSuccess.Observe(elapsed.Seconds())
}

func (m *Metrics) Reaped(n int) { m.reaped.Add(float64(n)) }

func (m *Metrics) OutputLine() { m.outputLines.Inc() }

// SetState marks s as the only active state.
func (m *Metrics) SetState(s model.SessionState) {
	for _, st := range []model.SessionState{
		model.SessionIdle, model.SessionStarting, model.SessionRunning,
		model.SessionStopping, model.SessionStopped, model.SessionFailed,
	} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) UpdateChecked(outcome string) {
	m.updateChecks.WithLabelValues(outcome).Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
