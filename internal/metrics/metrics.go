// Package metrics exposes Prometheus counters and gauges for the
// market-making client: book sequence gaps, outbound request outcomes,
// fills, quote churn, and the running position.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all collectors registered against one private registry,
// so multiple instances never collide the way package-level globals would.
type Metrics struct {
	registry *prometheus.Registry
	server   *http.Server

	SequenceGaps   prometheus.Counter
	RequestsSent   prometheus.Counter
	RequestsFailed *prometheus.CounterVec
	Fills          *prometheus.CounterVec
	QuoteUpdates   *prometheus.CounterVec
	PositionUSD    prometheus.Gauge
}

// New creates a Metrics instance with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deribitmm_book_sequence_gaps_total",
			Help: "Book updates rejected for a prev_change_id mismatch.",
		}),
		RequestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deribitmm_requests_sent_total",
			Help: "JSON-RPC requests sent to the venue.",
		}),
		RequestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitmm_requests_failed_total",
			Help: "JSON-RPC error responses received, labeled by error code.",
		}, []string{"code"}),
		Fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitmm_fills_total",
			Help: "Personal trade fills, labeled by side.",
		}, []string{"side"}),
		QuoteUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deribitmm_quote_updates_total",
			Help: "Quote placements and edits, labeled by side and action.",
		}, []string{"side", "action"}),
		PositionUSD: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deribitmm_position_usd",
			Help: "Current tracked position, in USD notional.",
		}),
	}

	reg.MustRegister(
		m.SequenceGaps,
		m.RequestsSent,
		m.RequestsFailed,
		m.Fills,
		m.QuoteUpdates,
		m.PositionUSD,
	)
	return m
}

// Serve starts an HTTP server exposing /metrics on addr. It runs until the
// server is shut down via Shutdown or fails to bind.
func (m *Metrics) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	m.server = &http.Server{Addr: addr, Handler: mux}

	if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics: serve: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the metrics server, if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
