package hooks

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsHook implements Prometheus metrics collection as a pgx.QueryTracer
type MetricsHook struct {
	queryDuration *prometheus.HistogramVec
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
}

var _ pgx.QueryTracer = (*MetricsHook)(nil)

// NewMetricsHook creates a new metrics hook and registers collectors
func NewMetricsHook(registry prometheus.Registerer) (*MetricsHook, error) {
	h := &MetricsHook{
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pgguard_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		queryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgguard_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgguard_query_errors_total",
				Help: "Total number of database query errors",
			},
			[]string{"operation"},
		),
	}

	var err error
	if h.queryDuration, err = RegisterCollector(registry, h.queryDuration); err != nil {
		return nil, err
	}
	if h.queryTotal, err = RegisterCollector(registry, h.queryTotal); err != nil {
		return nil, err
	}
	if h.queryErrors, err = RegisterCollector(registry, h.queryErrors); err != nil {
		return nil, err
	}

	return h, nil
}

// RegisterCollector registers c, reusing an identical collector that is
// already registered so several supervisors can share one registry.
func RegisterCollector[T prometheus.Collector](registry prometheus.Registerer, c T) (T, error) {
	if err := registry.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, err
	}
	return c, nil
}

type metricsStartKey struct{}

// TraceQueryStart is called before a query is executed
func (h *MetricsHook) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, metricsStartKey{}, queryStart{sql: data.SQL, start: time.Now()})
}

// TraceQueryEnd is called after a query is executed
func (h *MetricsHook) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	qs, ok := ctx.Value(metricsStartKey{}).(queryStart)
	if !ok {
		return
	}
	op := OperationType(qs.sql)

	h.queryDuration.WithLabelValues(op).Observe(time.Since(qs.start).Seconds())
	h.queryTotal.WithLabelValues(op).Inc()

	if data.Err != nil {
		h.queryErrors.WithLabelValues(op).Inc()
	}
}
