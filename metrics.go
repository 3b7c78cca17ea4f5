package pgguard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fernandezvara/pgguard/hooks"
)

// supervisorMetrics tracks state transitions. A nil receiver is a no-op.
type supervisorMetrics struct {
	degraded          prometheus.Gauge
	reconnecting      prometheus.Gauge
	poolFailures      *prometheus.CounterVec
	rejected          *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	episodes          prometheus.Counter
}

func newSupervisorMetrics(registry prometheus.Registerer) (*supervisorMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &supervisorMetrics{
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgguard_degraded",
			Help: "1 while the supervisor refuses database calls",
		}),
		reconnecting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgguard_reconnecting",
			Help: "1 while a reconnection run is active",
		}),
		poolFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgguard_pool_failures_total",
			Help: "Pool-fatal errors observed, by category",
		}, []string{"category"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgguard_rejected_total",
			Help: "Calls rejected without a network attempt while degraded",
		}, []string{"op"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgguard_reconnect_attempts_total",
			Help: "Reconnection attempts, by outcome",
		}, []string{"outcome"}),
		episodes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgguard_degradation_episodes_total",
			Help: "Degradation episodes started",
		}),
	}

	var err error
	if m.degraded, err = hooks.RegisterCollector(registry, m.degraded); err != nil {
		return nil, err
	}
	if m.reconnecting, err = hooks.RegisterCollector(registry, m.reconnecting); err != nil {
		return nil, err
	}
	if m.poolFailures, err = hooks.RegisterCollector(registry, m.poolFailures); err != nil {
		return nil, err
	}
	if m.rejected, err = hooks.RegisterCollector(registry, m.rejected); err != nil {
		return nil, err
	}
	if m.reconnectAttempts, err = hooks.RegisterCollector(registry, m.reconnectAttempts); err != nil {
		return nil, err
	}
	if m.episodes, err = hooks.RegisterCollector(registry, m.episodes); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *supervisorMetrics) setDegraded(v bool) {
	if m == nil {
		return
	}
	m.degraded.Set(boolGauge(v))
}

func (m *supervisorMetrics) setReconnecting(v bool) {
	if m == nil {
		return
	}
	m.reconnecting.Set(boolGauge(v))
}

func (m *supervisorMetrics) poolFailure(c Category) {
	if m == nil {
		return
	}
	m.poolFailures.WithLabelValues(c.String()).Inc()
}

func (m *supervisorMetrics) reject(op string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(op).Inc()
}

func (m *supervisorMetrics) attempt(outcome string) {
	if m == nil {
		return
	}
	m.reconnectAttempts.WithLabelValues(outcome).Inc()
}

func (m *supervisorMetrics) episode() {
	if m == nil {
		return
	}
	m.episodes.Inc()
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
