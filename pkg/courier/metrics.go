package courier

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for a courier. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	recordsPosted    *prometheus.CounterVec
	recordsDelivered prometheus.Counter
	recordsDropped   *prometheus.CounterVec
	wakes            *prometheus.CounterVec
	drains           prometheus.Counter
	drainDuration    prometheus.Histogram
	mailboxDepth     prometheus.Gauge
}

// NewMetrics creates courier metrics under namespace and registers them
// with reg.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		recordsPosted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "records_posted_total",
				Help:      "Records queued into the mailbox by lane",
			},
			[]string{"lane"},
		),
		recordsDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "records_delivered_total",
				Help:      "Records delivered to a subscription callback",
			},
		),
		recordsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "records_dropped_total",
				Help:      "Records not delivered, by reason",
			},
			[]string{"reason"},
		),
		wakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "wakes_total",
				Help:      "Wake requests, split into signalled and coalesced",
			},
			[]string{"result"},
		),
		drains: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "drains_total",
				Help:      "Completed drain passes",
			},
		),
		drainDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "drain_duration_seconds",
				Help:      "Time spent in one drain pass",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
			},
		),
		mailboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "courier",
				Name:      "mailbox_depth",
				Help:      "Records waiting in the mailbox",
			},
		),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.recordsPosted, m.recordsDelivered, m.recordsDropped,
			m.wakes, m.drains, m.drainDuration, m.mailboxDepth,
		} {
			if err := reg.Register(c); err != nil {
				return nil, fmt.Errorf("failed to register courier metrics: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) posted(expedite bool, depth int) {
	if m == nil {
		return
	}
	lane := "normal"
	if expedite {
		lane = "expedite"
	}
	m.recordsPosted.WithLabelValues(lane).Inc()
	m.mailboxDepth.Set(float64(depth))
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.recordsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) wake(coalesced bool) {
	if m == nil {
		return
	}
	if coalesced {
		m.wakes.WithLabelValues("coalesced").Inc()
	} else {
		m.wakes.WithLabelValues("signalled").Inc()
	}
}

func (m *Metrics) drained(delivered int, d time.Duration, depth int) {
	if m == nil {
		return
	}
	m.drains.Inc()
	m.recordsDelivered.Add(float64(delivered))
	m.drainDuration.Observe(d.Seconds())
	m.mailboxDepth.Set(float64(depth))
}
