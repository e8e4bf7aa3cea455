// Package metrics records Unit of Work activity. The Unit of Work depends on
// the Recorder interface only; Prometheus collectors are one implementation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flush results
const (
	ResultCommitted  = "committed"
	ResultRolledBack = "rolled_back"
	ResultRejected   = "rejected"
	ResultNoop       = "noop"
)

// Recorder receives Unit of Work measurements
type Recorder interface {
	// FlushCompleted records one flush cycle and how it ended
	FlushCompleted(result string, elapsed time.Duration)

	// Primitive records one driver primitive (insert, update, delete, ...)
	Primitive(op string)

	// IdentityMapSize reports the number of managed entities after a flush
	IdentityMapSize(n int)
}

// Nop discards everything
type Nop struct{}

func (Nop) FlushCompleted(string, time.Duration) {}
func (Nop) Primitive(string)                     {}
func (Nop) IdentityMapSize(int)                  {}

// Prometheus records into Prometheus collectors
type Prometheus struct {
	flushes    *prometheus.CounterVec
	primitives *prometheus.CounterVec
	duration   prometheus.Histogram
	identity   prometheus.Gauge
}

// NewPrometheus creates the collectors under namespace and registers them
// with reg. A nil registerer leaves them unregistered.
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	p := &Prometheus{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flush cycles by result.",
		}, []string{"result"}),
		primitives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "primitives_total",
			Help:      "Driver primitives executed during flushes.",
		}, []string{"op"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent in flush.",
			Buckets:   prometheus.DefBuckets,
		}),
		identity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "identity_map_entries",
			Help:      "Entities held by the most recently flushed identity map.",
		}),
	}

	if reg != nil {
		for _, c := range p.Collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// Collectors returns every collector for custom registration
func (p *Prometheus) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.flushes, p.primitives, p.duration, p.identity}
}

// FlushCompleted implements Recorder
func (p *Prometheus) FlushCompleted(result string, elapsed time.Duration) {
	p.flushes.WithLabelValues(result).Inc()
	p.duration.Observe(elapsed.Seconds())
}

// Primitive implements Recorder
func (p *Prometheus) Primitive(op string) {
	p.primitives.WithLabelValues(op).Inc()
}

// IdentityMapSize implements Recorder
func (p *Prometheus) IdentityMapSize(n int) {
	p.identity.Set(float64(n))
}
