package invocation

import (
	"fmt"
	"sync"
	"time"

	"github.com/nomis52/thingserver/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records invocation outcomes. A nil *Metrics records nothing.
type Metrics struct {
	total      metrics.CounterVec
	running    metrics.Gauge
	duration   metrics.HistogramVec
	faults     metrics.Counter
	logDropped metrics.Counter

	// mu orders updates of the running gauge with its count.
	mu           sync.Mutex
	runningCount int
}

// NewMetrics registers the invocation metrics with reg.
func NewMetrics(reg metrics.Registry) (*Metrics, error) {
	total, err := reg.NewCounterVec(prometheus.CounterOpts{
		Name: "invocations_total",
		Help: "Number of finished action invocations by outcome",
	}, []string{"thing", "action", "status"})
	if err != nil {
		return nil, fmt.Errorf("creating invocations_total: %w", err)
	}

	running, err := reg.NewGauge(prometheus.GaugeOpts{
		Name: "invocations_running",
		Help: "Number of action invocations currently running",
	})
	if err != nil {
		return nil, fmt.Errorf("creating invocations_running: %w", err)
	}

	duration, err := reg.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invocation_duration_seconds",
		Help:    "Time from start to completion of action invocations",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	}, []string{"thing", "action"})
	if err != nil {
		return nil, fmt.Errorf("creating invocation_duration_seconds: %w", err)
	}

	faults, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "invocation_faults_total",
		Help: "Number of action invocations that ended in error",
	})
	if err != nil {
		return nil, fmt.Errorf("creating invocation_faults_total: %w", err)
	}

	logDropped, err := reg.NewCounter(prometheus.CounterOpts{
		Name: "invocation_log_dropped_total",
		Help: "Number of captured log records evicted from full invocation logs",
	})
	if err != nil {
		return nil, fmt.Errorf("creating invocation_log_dropped_total: %w", err)
	}

	return &Metrics{
		total:      total,
		running:    running,
		duration:   duration,
		faults:     faults,
		logDropped: logDropped,
	}, nil
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.addRunning(1)
}

func (m *Metrics) finished(thingPath, action string, status Status, elapsed time.Duration, dropped int) {
	if m == nil {
		return
	}
	m.addRunning(-1)
	m.total.With(prometheus.Labels{"thing": thingPath, "action": action, "status": status.String()}).Inc()
	m.duration.With(prometheus.Labels{"thing": thingPath, "action": action}).Observe(elapsed.Seconds())
	if dropped > 0 {
		m.logDropped.Add(float64(dropped))
	}
}

func (m *Metrics) addRunning(delta int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runningCount += delta
	m.running.Set(float64(m.runningCount))
}

func (m *Metrics) fault() {
	if m == nil {
		return
	}
	m.faults.Inc()
}
