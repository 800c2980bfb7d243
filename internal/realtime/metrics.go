package realtime

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "vetsync"
	metricsSubsystem = "realtime"
)

// Metrics exposes Prometheus collectors for the appointment channel. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	connectionsActive prometheus.Gauge
	registrations     *prometheus.CounterVec
	eventsEnqueued    *prometheus.CounterVec
	batchesFlushed    *prometheus.CounterVec
	batchSize         prometheus.Histogram
	messagesSent      *prometheus.CounterVec
	deliveryFailures  *prometheus.CounterVec
	evictions         prometheus.Counter
	snapshots         *prometheus.CounterVec
	inboundDropped    prometheus.Counter
}

// NewMetrics constructs and registers the collectors. Tests should pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metrics := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "connections_active",
			Help:      "Number of registered appointment channel connections.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "registrations_total",
			Help:      "Handshake outcomes by result.",
		}, []string{"result"}),
		eventsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "events_enqueued_total",
			Help:      "Change events accepted by the batcher by kind.",
		}, []string{"kind"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batches_flushed_total",
			Help:      "Tenant batches flushed by trigger.",
		}, []string{"trigger"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "batch_events",
			Help:      "Number of events per flushed batch.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "messages_queued_total",
			Help:      "Messages queued for delivery by type.",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "delivery_failures_total",
			Help:      "Per-connection delivery failures by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "heartbeat_evictions_total",
			Help:      "Connections evicted after missing heartbeat acknowledgements.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "snapshots_total",
			Help:      "Snapshot responses by message type and result.",
		}, []string{"type", "result"}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "inbound_dropped_total",
			Help:      "Client messages dropped by the per-connection rate limit.",
		}),
	}

	collectors := []prometheus.Collector{
		metrics.connectionsActive,
		metrics.registrations,
		metrics.eventsEnqueued,
		metrics.batchesFlushed,
		metrics.batchSize,
		metrics.messagesSent,
		metrics.deliveryFailures,
		metrics.evictions,
		metrics.snapshots,
		metrics.inboundDropped,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("realtime: register metrics: %w", err)
		}
	}
	return metrics, nil
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
	m.registrations.WithLabelValues("accepted").Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

func (m *Metrics) registrationRejected() {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues("rejected").Inc()
}

func (m *Metrics) eventEnqueued(kind string) {
	if m == nil {
		return
	}
	m.eventsEnqueued.WithLabelValues(kind).Inc()
}

func (m *Metrics) batchFlushed(trigger FlushTrigger, size int) {
	if m == nil {
		return
	}
	m.batchesFlushed.WithLabelValues(string(trigger)).Inc()
	m.batchSize.Observe(float64(size))
}

func (m *Metrics) messageQueued(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) deliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) snapshotServed(messageType, result string) {
	if m == nil {
		return
	}
	m.snapshots.WithLabelValues(messageType, result).Inc()
}

func (m *Metrics) inboundRateLimited() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}
