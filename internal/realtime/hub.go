package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultInboundRate  = 10
	defaultInboundBurst = 20
)

// HubConfig describes the dependencies and tunables of a Hub.
type HubConfig struct {
	Authorizer        Authorizer
	Source            AppointmentSource
	Timezones         TimezoneResolver
	DefaultLocation   *time.Location
	BatchWindow       time.Duration
	BatchMaxEvents    int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DateDebounce      time.Duration
	SendBuffer        int
	InboundRate       float64
	InboundBurst      int
	Clock             func() time.Time
	Logger            *zap.Logger
	Metrics           *Metrics
}

// Hub wires the registry, batcher, router and heartbeat monitor into the
// per-tenant appointment channel. It is the change-feed entry point.
type Hub struct {
	registry  *Registry
	batcher   *Batcher
	router    *Router
	heartbeat *HeartbeatMonitor

	inboundRate  rate.Limit
	inboundBurst int
	clock        func() time.Time
	logger       *zap.Logger
	metrics      *Metrics
}

// NewHub constructs a hub and its components.
func NewHub(cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	registry, err := NewRegistry(RegistryConfig{
		Authorizer: cfg.Authorizer,
		Logger:     logger,
		Clock:      clock,
		SendBuffer: cfg.SendBuffer,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	router, err := NewRouter(RouterConfig{
		Registry:        registry,
		Source:          cfg.Source,
		Timezones:       cfg.Timezones,
		DefaultLocation: cfg.DefaultLocation,
		Debounce:        cfg.DateDebounce,
		Clock:           clock,
		Logger:          logger,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	batcher, err := NewBatcher(BatcherConfig{
		Window:    cfg.BatchWindow,
		MaxEvents: cfg.BatchMaxEvents,
		Flush: func(tenantID string, events []syncproto.ChangeEvent, _ FlushTrigger) {
			router.Route(tenantID, events)
		},
		Clock:   clock,
		Logger:  logger,
		Metrics: cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	heartbeat := NewHeartbeatMonitor(HeartbeatConfig{
		Registry: registry,
		Interval: cfg.HeartbeatInterval,
		Timeout:  cfg.HeartbeatTimeout,
		Clock:    clock,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})

	inboundRate := cfg.InboundRate
	if inboundRate <= 0 {
		inboundRate = defaultInboundRate
	}
	inboundBurst := cfg.InboundBurst
	if inboundBurst <= 0 {
		inboundBurst = defaultInboundBurst
	}

	return &Hub{
		registry:     registry,
		batcher:      batcher,
		router:       router,
		heartbeat:    heartbeat,
		inboundRate:  rate.Limit(inboundRate),
		inboundBurst: inboundBurst,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Registry exposes the connection registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Batcher exposes the update batcher.
func (h *Hub) Batcher() *Batcher {
	return h.batcher
}

// Heartbeat exposes the heartbeat monitor.
func (h *Hub) Heartbeat() *HeartbeatMonitor {
	return h.heartbeat
}

// Publish accepts a committed appointment change. Invalid events are logged
// and dropped; the caller's write has already succeeded.
func (h *Hub) Publish(event syncproto.ChangeEvent) {
	if err := h.batcher.Enqueue(event); err != nil {
		h.logger.Warn("change event rejected",
			zap.String("tenant_id", event.TenantID),
			zap.String("appointment_id", event.AppointmentID),
			zap.String("kind", string(event.Kind)),
			zap.Error(err))
	}
}

// Run drives the heartbeat monitor until ctx is cancelled, then shuts the hub down.
func (h *Hub) Run(ctx context.Context) error {
	h.heartbeat.Run(ctx)
	h.Shutdown()
	return nil
}

// Shutdown drops pending batches and closes every connection.
func (h *Hub) Shutdown() {
	h.batcher.Stop()
	h.registry.Close()
}

// Serve registers the socket and processes its inbound messages until the
// socket fails or ctx is cancelled. It returns an error wrapping
// ErrAuthRejected when the handshake identity is refused; the socket is then
// closed with a policy-violation code.
func (h *Hub) Serve(ctx context.Context, socket Socket, tenantID, userID string) error {
	conn, err := h.registry.Register(ctx, socket, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrAuthRejected) {
			h.logger.Warn("handshake rejected",
				zap.String("tenant_id", tenantID),
				zap.String("user_id", userID),
				zap.Error(err))
			_ = socket.Close(ClosePolicyViolation, "unauthorized")
		}
		return err
	}
	defer h.registry.unregisterWithCode(conn.id, CloseGoingAway, "connection ended")

	stop := context.AfterFunc(ctx, func() {
		h.registry.unregisterWithCode(conn.id, CloseGoingAway, "server shutdown")
	})
	defer stop()

	if err := h.router.OnInitialConnect(ctx, conn); err != nil {
		h.logger.Warn("initial snapshot failed",
			zap.String("connection_id", conn.id),
			zap.String("tenant_id", conn.tenantID),
			zap.Error(err))
	}

	limiter := rate.NewLimiter(h.inboundRate, h.inboundBurst)
	for {
		data, err := socket.ReadMessage()
		if err != nil {
			h.logger.Debug("socket read ended",
				zap.String("connection_id", conn.id),
				zap.Error(err))
			return nil
		}
		if !limiter.Allow() {
			h.metrics.inboundRateLimited()
			continue
		}
		h.handleMessage(conn, data)
	}
}

func (h *Hub) handleMessage(conn *Connection, data []byte) {
	envelope, err := syncproto.DecodeEnvelope(data)
	if err != nil {
		h.logger.Warn("malformed client message",
			zap.String("connection_id", conn.id),
			zap.Error(err))
		return
	}

	switch envelope.Type {
	case syncproto.MessageHeartbeat:
		now := h.clock()
		h.heartbeat.Acknowledge(conn, now)
		h.sendControl(conn, syncproto.MessageHeartbeatAck, now)
	case syncproto.MessageDateChange:
		if err := h.router.OnDateChange(conn, envelope.Date); err != nil {
			h.logger.Warn("invalid date change",
				zap.String("connection_id", conn.id),
				zap.String("date", envelope.Date),
				zap.Error(err))
		}
	case syncproto.MessageRequestRefresh:
		h.router.RequestRefresh(conn)
	default:
		h.logger.Warn("unsupported client message",
			zap.String("connection_id", conn.id),
			zap.String("type", envelope.Type))
	}
}

func (h *Hub) sendControl(conn *Connection, messageType string, now time.Time) {
	h.registry.Send(conn.id, messageType, syncproto.ControlMessage{Type: messageType, Timestamp: now.UnixMilli()})
}
