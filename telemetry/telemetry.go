package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector captures telemetry events emitted by the pool and the
// health-check scheduler.
//
// Implementations must be inexpensive to call because hooks are executed
// inline with probe and sweep paths.
type Collector interface {
	IncPoolHit(protocol string)
	IncPoolMiss(protocol string)
	IncPoolEviction(protocol string)
	IncSweep()
	ObserveProbe(protocol string, success bool, duration time.Duration)
	IncStatusTransition(protocol, newStatus string)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) IncPoolHit(string)                        {}
func (noopCollector) IncPoolMiss(string)                       {}
func (noopCollector) IncPoolEviction(string)                   {}
func (noopCollector) IncSweep()                                {}
func (noopCollector) ObserveProbe(string, bool, time.Duration) {}
func (noopCollector) IncStatusTransition(string, string)       {}

// PrometheusCollector exposes pool and sweep counters via Prometheus.
type PrometheusCollector struct {
	poolOps       *prometheus.CounterVec
	sweeps        prometheus.Counter
	probeDuration *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
}

var (
	poolOpsCounter        *prometheus.CounterVec
	sweepCounter          prometheus.Counter
	probeDurationHist     *prometheus.HistogramVec
	transitionCounter     *prometheus.CounterVec
	collectorRegistryLock sync.Mutex
)

// NewPrometheusCollector registers the required metrics with the provided
// registerer, reusing collectors that are already registered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	collectorRegistryLock.Lock()
	defer collectorRegistryLock.Unlock()

	if poolOpsCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlink_pool_operations_total",
			Help: "Connection pool lookups by protocol and outcome (hit, miss, eviction).",
		}, []string{"protocol", "outcome"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		poolOpsCounter = registered
	}

	if sweepCounter == nil {
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "otlink_health_sweeps_total",
			Help: "Number of completed health-check sweeps.",
		})
		if err := reg.Register(counter); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
					counter = existing
				} else {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		sweepCounter = counter
	}

	if probeDurationHist == nil {
		hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "otlink_probe_duration_seconds",
			Help:    "Connectivity probe latency by protocol and outcome.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"protocol", "outcome"})
		if err := reg.Register(hist); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
					hist = existing
				} else {
					return nil, err
				}
			} else {
				return nil, err
			}
		}
		probeDurationHist = hist
	}

	if transitionCounter == nil {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otlink_status_transitions_total",
			Help: "Connection status transitions by protocol and new status.",
		}, []string{"protocol", "status"})
		registered, err := registerCounterVec(reg, counter)
		if err != nil {
			return nil, err
		}
		transitionCounter = registered
	}

	return &PrometheusCollector{
		poolOps:       poolOpsCounter,
		sweeps:        sweepCounter,
		probeDuration: probeDurationHist,
		transitions:   transitionCounter,
	}, nil
}

func registerCounterVec(reg prometheus.Registerer, counter *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(counter); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return counter, nil
}

// IncPoolHit counts a pooled handle reuse.
func (p *PrometheusCollector) IncPoolHit(protocol string) {
	if p == nil || p.poolOps == nil {
		return
	}
	p.poolOps.WithLabelValues(protocol, "hit").Inc()
}

// IncPoolMiss counts a cache miss requiring a fresh connect.
func (p *PrometheusCollector) IncPoolMiss(protocol string) {
	if p == nil || p.poolOps == nil {
		return
	}
	p.poolOps.WithLabelValues(protocol, "miss").Inc()
}

// IncPoolEviction counts a stale handle eviction.
func (p *PrometheusCollector) IncPoolEviction(protocol string) {
	if p == nil || p.poolOps == nil {
		return
	}
	p.poolOps.WithLabelValues(protocol, "eviction").Inc()
}

// IncSweep counts a completed sweep.
func (p *PrometheusCollector) IncSweep() {
	if p == nil || p.sweeps == nil {
		return
	}
	p.sweeps.Inc()
}

// ObserveProbe records one probe latency sample.
func (p *PrometheusCollector) ObserveProbe(protocol string, success bool, duration time.Duration) {
	if p == nil || p.probeDuration == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	p.probeDuration.WithLabelValues(protocol, outcome).Observe(duration.Seconds())
}

// IncStatusTransition counts a persisted status change.
func (p *PrometheusCollector) IncStatusTransition(protocol, newStatus string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.WithLabelValues(protocol, newStatus).Inc()
}
