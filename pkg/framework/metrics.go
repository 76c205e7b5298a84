package framework

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "zeus_plugin"

// metrics 记录生命周期指标。每个 Framework 拥有独立的收集器，
// 未设置 Registerer 时只在内存中计数。
type metrics struct {
	transitions   *prometheus.CounterVec
	installs      prometheus.Counter
	updates       prometheus.Counter
	resolveErrors prometheus.Counter
	busyErrors    *prometheus.CounterVec
	startDuration prometheus.Histogram
	stopDuration  prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "state_transitions_total",
			Help:      "Total number of plugin state transitions",
		}, []string{"from", "to"}),
		installs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "installs_total",
			Help:      "Total number of plugin installs",
		}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "updates_total",
			Help:      "Total number of committed plugin updates",
		}),
		resolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolve_errors_total",
			Help:      "Total number of failed top-level resolutions",
		}),
		busyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "busy_errors_total",
			Help:      "Total number of operation token wait timeouts",
		}, []string{"operation"}),
		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "start_duration_seconds",
			Help:      "Duration of plugin activation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "stop_duration_seconds",
			Help:      "Duration of plugin deactivation in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.transitions, m.installs, m.updates, m.resolveErrors, m.busyErrors, m.startDuration, m.stopDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "framework: register metrics")
		}
	}
	return m, nil
}

func (m *metrics) transition(from, to State) {
	m.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (m *metrics) installed()     { m.installs.Inc() }
func (m *metrics) updated()       { m.updates.Inc() }
func (m *metrics) resolveFailed() { m.resolveErrors.Inc() }

func (m *metrics) busy(op Operation) {
	m.busyErrors.WithLabelValues(op.String()).Inc()
}

func (m *metrics) observeStart(d time.Duration) { m.startDuration.Observe(d.Seconds()) }
func (m *metrics) observeStop(d time.Duration)  { m.stopDuration.Observe(d.Seconds()) }
