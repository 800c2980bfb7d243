package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	heartbeatTimeoutFactor   = 2
	minSweepDelay            = time.Millisecond
)

// HeartbeatConfig describes the liveness probe schedule.
type HeartbeatConfig struct {
	Registry *Registry
	Interval time.Duration
	// Timeout defaults to twice the interval.
	Timeout time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger
	Metrics *Metrics
}

// HeartbeatMonitor probes every open connection at a fixed interval and
// evicts connections whose last acknowledgement is older than the timeout.
// Liveness is proven at the application layer, independent of transport
// keepalives.
type HeartbeatMonitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
	logger   *zap.Logger
	metrics  *Metrics
}

// NewHeartbeatMonitor constructs a monitor bound to registry.
func NewHeartbeatMonitor(cfg HeartbeatConfig) *HeartbeatMonitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = heartbeatTimeoutFactor * interval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HeartbeatMonitor{
		registry: cfg.Registry,
		interval: interval,
		timeout:  timeout,
		clock:    clock,
		logger:   logger,
		metrics:  cfg.Metrics,
	}
}

// Run probes connections every interval until ctx is cancelled. Staleness is
// swept on its own timer, armed for the earliest ack deadline, so eviction
// does not wait for the next probe tick.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	probes := time.NewTicker(m.interval)
	defer probes.Stop()
	sweep := time.NewTimer(m.maxSweepDelay())
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-probes.C:
			m.Check(m.clock())
		case <-sweep.C:
			_, _, next := m.evictStale(m.clock())
			sweep.Reset(next)
		}
	}
}

// Check evicts stale connections and probes the rest. It returns the ids of
// evicted connections.
func (m *HeartbeatMonitor) Check(now time.Time) []string {
	evicted, alive, _ := m.evictStale(now)
	if len(alive) == 0 {
		return evicted
	}
	probe, err := json.Marshal(syncproto.ControlMessage{
		Type:      syncproto.MessageHeartbeat,
		Timestamp: now.UnixMilli(),
	})
	if err != nil {
		m.logger.Error("failed to encode heartbeat probe", zap.Error(err))
		return evicted
	}
	for _, conn := range alive {
		if m.registry.deliver(conn, syncproto.MessageHeartbeat, probe) {
			conn.markProbed()
		}
	}
	return evicted
}

// evictStale closes every open connection silent for at least the timeout.
// It returns the evicted ids, the surviving connections and the delay until
// the earliest surviving deadline.
func (m *HeartbeatMonitor) evictStale(now time.Time) ([]string, []*Connection, time.Duration) {
	var evicted []string
	var alive []*Connection
	next := m.maxSweepDelay()
	for _, conn := range m.registry.Connections() {
		if !conn.isOpen() {
			continue
		}
		silence := now.Sub(conn.LastHeartbeatAt())
		if silence >= m.timeout {
			if m.registry.evict(conn.id, "heartbeat timeout") {
				m.metrics.evicted()
				evicted = append(evicted, conn.id)
				m.logger.Warn("connection timeout",
					zap.String("connection_id", conn.id),
					zap.String("tenant_id", conn.tenantID),
					zap.Duration("silence", silence))
			}
			continue
		}
		alive = append(alive, conn)
		if remaining := m.timeout - silence; remaining < next {
			next = remaining
		}
	}
	if next < minSweepDelay {
		next = minSweepDelay
	}
	return evicted, alive, next
}

// maxSweepDelay bounds the sweep timer so connections registered while it
// is armed are still checked before their deadline.
func (m *HeartbeatMonitor) maxSweepDelay() time.Duration {
	if m.timeout < m.interval {
		return m.timeout
	}
	return m.interval
}

// Acknowledge records an application-level heartbeat from the connection.
func (m *HeartbeatMonitor) Acknowledge(conn *Connection, now time.Time) {
	conn.acknowledge(now)
}
