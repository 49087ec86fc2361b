// Package metrics exports reconciliation outcomes to Prometheus.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/breez/data-mirror/reconcile"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "data_mirror"

// Collector records scope outcomes and retries. It satisfies
// reconcile.Observer.
type Collector struct {
	records  *prometheus.CounterVec
	failures *prometheus.CounterVec
	retries  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records reconciled, by scope and outcome.",
		}, []string{"scope", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_failures_total",
			Help:      "Records that could not be reconciled, by scope and operation.",
		}, []string{"scope", "op"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_retries_total",
			Help:      "Retried source and sink calls.",
		}, []string{"scope", "op"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scope_runs_total",
			Help:      "Scope runs, by mode and result.",
		}, []string{"scope", "mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scope_duration_seconds",
			Help:      "Wall time of a scope run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"scope"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cursor_advance_timestamp_seconds",
			Help:      "Unix time of the last run that advanced the scope cursor.",
		}, []string{"scope"}),
	}
	for _, col := range []prometheus.Collector{c.records, c.failures, c.retries, c.runs, c.duration, c.lastRun} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return c, nil
}

func (c *Collector) ScopeFinished(r *reconcile.ScopeResult) {
	c.records.WithLabelValues(r.Scope, "created").Add(float64(r.Created))
	c.records.WithLabelValues(r.Scope, "updated").Add(float64(r.Updated))
	c.records.WithLabelValues(r.Scope, "deleted").Add(float64(r.Deleted))
	c.records.WithLabelValues(r.Scope, "skipped").Add(float64(r.Skipped))
	for _, f := range r.Failures {
		c.failures.WithLabelValues(r.Scope, f.Op).Inc()
	}
	c.runs.WithLabelValues(r.Scope, string(r.Mode), result(r)).Inc()
	c.duration.WithLabelValues(r.Scope).Observe(r.Duration.Seconds())
	if r.CursorAdvanced {
		c.lastRun.WithLabelValues(r.Scope).SetToCurrentTime()
	}
}

func (c *Collector) CallRetried(scope, op string, err error) {
	c.retries.WithLabelValues(scope, op).Inc()
}

func result(r *reconcile.ScopeResult) string {
	switch {
	case r.Err != nil:
		return "error"
	case len(r.Failures) > 0:
		return "partial"
	default:
		return "ok"
	}
}

// Push sends everything gathered by g to a Prometheus push gateway.
func Push(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %v: %w", url, err)
	}
	return nil
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServerMetrics registers gRPC server metrics with handling time
// histograms.
func NewServerMetrics(reg prometheus.Registerer) (*grpcprom.ServerMetrics, error) {
	m := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := reg.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register grpc server metrics: %w", err)
	}
	return m, nil
}

func NewClientMetrics(reg prometheus.Registerer) (*grpcprom.ClientMetrics, error) {
	m := grpcprom.NewClientMetrics()
	if err := reg.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register grpc client metrics: %w", err)
	}
	return m, nil
}
