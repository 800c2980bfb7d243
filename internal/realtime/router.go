package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
)

const (
	defaultDateDebounce    = 100 * time.Millisecond
	defaultSnapshotTimeout = 10 * time.Second
)

var errMissingSource = errors.New("realtime: appointment source required")

// AppointmentSource returns the current appointment set for a tenant and date.
type AppointmentSource interface {
	ListByDate(ctx context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error)
}

// AppointmentSourceFunc adapts a function into an AppointmentSource. It lets
// the hub be built before the store that publishes into it.
type AppointmentSourceFunc func(ctx context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error)

// ListByDate calls f.
func (f AppointmentSourceFunc) ListByDate(ctx context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error) {
	return f(ctx, tenantID, date)
}

// TimezoneResolver returns the configured location of a tenant.
type TimezoneResolver interface {
	Location(ctx context.Context, tenantID string) (*time.Location, error)
}

// RouterConfig describes the dependencies of a Router.
type RouterConfig struct {
	Registry        *Registry
	Source          AppointmentSource
	Timezones       TimezoneResolver
	DefaultLocation *time.Location
	Debounce        time.Duration
	SnapshotTimeout time.Duration
	Clock           func() time.Time
	Logger          *zap.Logger
	Metrics         *Metrics
}

// Router tracks which date each connection views, serves snapshots and
// filters flushed batches down to date-matching connections.
type Router struct {
	registry        *Registry
	source          AppointmentSource
	timezones       TimezoneResolver
	defaultLocation *time.Location
	debounce        time.Duration
	snapshotTimeout time.Duration
	clock           func() time.Time
	logger          *zap.Logger
	metrics         *Metrics
}

// NewRouter constructs a router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	location := cfg.DefaultLocation
	if location == nil {
		location = time.UTC
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDateDebounce
	}
	snapshotTimeout := cfg.SnapshotTimeout
	if snapshotTimeout <= 0 {
		snapshotTimeout = defaultSnapshotTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		registry:        cfg.Registry,
		source:          cfg.Source,
		timezones:       cfg.Timezones,
		defaultLocation: location,
		debounce:        debounce,
		snapshotTimeout: snapshotTimeout,
		clock:           clock,
		logger:          logger,
		metrics:         cfg.Metrics,
	}, nil
}

// OnInitialConnect subscribes the connection to today in the tenant's
// timezone and sends initial_data.
func (r *Router) OnInitialConnect(ctx context.Context, conn *Connection) error {
	today := syncproto.DateIn(r.clock(), r.location(ctx, conn.tenantID))
	conn.setSubscribedDate(today)
	return r.sendSnapshot(ctx, conn, syncproto.MessageInitialData, today)
}

// OnDateChange debounces a date switch; once it settles the subscription is
// updated and date_data is sent.
func (r *Router) OnDateChange(conn *Connection, rawDate string) error {
	date, err := syncproto.ParseDate(rawDate)
	if err != nil {
		return err
	}
	conn.scheduleDate(date, r.debounce, func(settled string) {
		r.applyDate(conn, settled)
	})
	return nil
}

// RequestRefresh resends a snapshot for the subscribed date, first applying
// any date change still inside its debounce window.
func (r *Router) RequestRefresh(conn *Connection) {
	if pending := conn.takePendingDate(); pending != "" {
		r.applyDate(conn, pending)
		return
	}
	date := conn.SubscribedDate()
	if date == "" {
		return
	}
	go r.snapshotAsync(conn, date)
}

func (r *Router) applyDate(conn *Connection, date string) {
	if !conn.isOpen() {
		return
	}
	conn.setSubscribedDate(date)
	go r.snapshotAsync(conn, date)
}

func (r *Router) snapshotAsync(conn *Connection, date string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.snapshotTimeout)
	defer cancel()
	go func() {
		select {
		case <-conn.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := r.sendSnapshot(ctx, conn, syncproto.MessageDateData, date); err != nil {
		r.logger.Warn("date snapshot failed",
			zap.String("connection_id", conn.id),
			zap.String("tenant_id", conn.tenantID),
			zap.String("date", date),
			zap.Error(err))
	}
}

func (r *Router) sendSnapshot(ctx context.Context, conn *Connection, messageType, date string) error {
	conn.beginSnapshot(date)
	deliver := func(kind string, payload []byte) {
		r.registry.deliver(conn, kind, payload)
	}
	timestamp := r.clock().UnixMilli()
	appointments, err := r.source.ListByDate(ctx, conn.tenantID, date)
	if err != nil {
		conn.finishSnapshot(date, messageType, nil, deliver)
		r.metrics.snapshotServed(messageType, "error")
		return err
	}
	payload, err := json.Marshal(syncproto.NewSnapshotMessage(messageType, date, appointments, timestamp))
	if err != nil {
		conn.finishSnapshot(date, messageType, nil, deliver)
		r.metrics.snapshotServed(messageType, "error")
		return err
	}
	if !conn.finishSnapshot(date, messageType, payload, deliver) {
		// A newer date change superseded this snapshot.
		r.metrics.snapshotServed(messageType, "stale")
		return nil
	}
	r.metrics.snapshotServed(messageType, "ok")
	return nil
}

// Route delivers a flushed tenant batch to every connection whose subscribed
// date intersects the batch, each receiving only its date's subset. A
// connection whose snapshot for that date is still loading gets the batch
// right after the snapshot.
func (r *Router) Route(tenantID string, events []syncproto.ChangeEvent) {
	connections := r.registry.ConnectionsForTenant(tenantID)
	if len(connections) == 0 {
		return
	}
	timestamp := r.clock().UnixMilli()
	encoded := make(map[string][]byte)
	for _, conn := range connections {
		if !conn.isOpen() {
			continue
		}
		date := conn.SubscribedDate()
		if date == "" {
			continue
		}
		payload, cached := encoded[date]
		if !cached {
			subset := syncproto.FilterForDate(events, date)
			if len(subset) > 0 {
				var err error
				payload, err = json.Marshal(syncproto.NewBatchMessage(subset, timestamp))
				if err != nil {
					r.logger.Error("failed to encode batch",
						zap.String("tenant_id", tenantID),
						zap.String("date", date),
						zap.Error(err))
					payload = nil
				}
			}
			encoded[date] = payload
		}
		if payload == nil {
			continue
		}
		conn.queueBatch(date, payload, func(kind string, payload []byte) {
			r.registry.deliver(conn, kind, payload)
		})
	}
}

func (r *Router) location(ctx context.Context, tenantID string) *time.Location {
	if r.timezones == nil {
		return r.defaultLocation
	}
	location, err := r.timezones.Location(ctx, tenantID)
	if err != nil || location == nil {
		if err != nil {
			r.logger.Warn("tenant timezone lookup failed",
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
		return r.defaultLocation
	}
	return location
}
