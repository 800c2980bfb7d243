package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAuthRejected indicates the handshake identity could not be validated.
	ErrAuthRejected = errors.New("realtime: auth rejected")
	// ErrConnectionNotFound indicates the connection is no longer registered.
	ErrConnectionNotFound = errors.New("realtime: connection not found")
	// ErrDeliveryFailed indicates a message could not be queued for a connection.
	ErrDeliveryFailed = errors.New("realtime: delivery failed")

	errMissingAuthorizer = errors.New("realtime: authorizer required")
)

const defaultSendBuffer = 64

// Authorizer validates that userID may attach to tenantID.
type Authorizer interface {
	Authorize(ctx context.Context, tenantID, userID string) error
}

// RegistryConfig describes the dependencies of a Registry.
type RegistryConfig struct {
	Authorizer Authorizer
	Logger     *zap.Logger
	Clock      func() time.Time
	SendBuffer int
	Metrics    *Metrics
}

// Registry owns every live connection and the tenant index used for fan-out.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	byTenant map[string]map[string]*Connection

	authorizer Authorizer
	logger     *zap.Logger
	clock      func() time.Time
	sendBuffer int
	metrics    *Metrics
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Authorizer == nil {
		return nil, errMissingAuthorizer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Registry{
		byID:       make(map[string]*Connection),
		byTenant:   make(map[string]map[string]*Connection),
		authorizer: cfg.Authorizer,
		logger:     logger,
		clock:      clock,
		sendBuffer: sendBuffer,
		metrics:    cfg.Metrics,
	}, nil
}

// Register validates the identity, indexes the connection by tenant and
// starts its writer.
func (r *Registry) Register(ctx context.Context, socket Socket, tenantID, userID string) (*Connection, error) {
	tenantID = strings.TrimSpace(tenantID)
	userID = strings.TrimSpace(userID)
	if socket == nil {
		return nil, errors.New("realtime: socket required")
	}
	if tenantID == "" || userID == "" {
		r.metrics.registrationRejected()
		return nil, fmt.Errorf("%w: tenant and user required", ErrAuthRejected)
	}
	if err := r.authorizer.Authorize(ctx, tenantID, userID); err != nil {
		r.metrics.registrationRejected()
		return nil, fmt.Errorf("%w: %v", ErrAuthRejected, err)
	}

	conn := newConnection(uuid.NewString(), tenantID, userID, socket, r.sendBuffer, r.clock())

	r.mu.Lock()
	r.byID[conn.id] = conn
	tenantConnections, ok := r.byTenant[tenantID]
	if !ok {
		tenantConnections = make(map[string]*Connection)
		r.byTenant[tenantID] = tenantConnections
	}
	tenantConnections[conn.id] = conn
	conn.mu.Lock()
	conn.state = StateOpen
	conn.mu.Unlock()
	r.mu.Unlock()

	r.metrics.connectionOpened()
	go r.writeLoop(conn)

	r.logger.Debug("connection registered",
		zap.String("connection_id", conn.id),
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID))
	return conn, nil
}

// Unregister removes the connection from every index and closes its socket
// with a normal close, which tells the client not to reconnect. Unknown or
// already removed connections are ignored.
func (r *Registry) Unregister(connectionID string) {
	r.remove(connectionID, CloseNormal, "", "")
}

// unregisterWithCode is Unregister for server-side failures, where the client
// is expected to reconnect.
func (r *Registry) unregisterWithCode(connectionID string, code int, reason string) {
	r.remove(connectionID, code, reason, "")
}

func (r *Registry) evict(connectionID, reason string) bool {
	return r.remove(connectionID, CloseGoingAway, reason, HeartbeatEvicted)
}

func (r *Registry) remove(connectionID string, code int, reason string, heartbeat HeartbeatState) bool {
	r.mu.Lock()
	conn, ok := r.byID[connectionID]
	if ok {
		delete(r.byID, connectionID)
		if tenantConnections := r.byTenant[conn.tenantID]; tenantConnections != nil {
			delete(tenantConnections, connectionID)
			if len(tenantConnections) == 0 {
				delete(r.byTenant, conn.tenantID)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if conn.shutdown(heartbeat) {
		r.metrics.connectionClosed()
		if err := conn.socket.Close(code, reason); err != nil {
			r.logger.Debug("socket close failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
		conn.markClosed()
		r.logger.Debug("connection unregistered",
			zap.String("connection_id", connectionID),
			zap.String("tenant_id", conn.tenantID),
			zap.Int("close_code", code))
	}
	return true
}

// Connection returns a registered connection by id.
func (r *Registry) Connection(connectionID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[connectionID]
	return conn, ok
}

// ConnectionsForTenant returns a snapshot of the tenant's connections.
func (r *Registry) ConnectionsForTenant(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tenantConnections := r.byTenant[tenantID]
	if len(tenantConnections) == 0 {
		return nil
	}
	snapshot := make([]*Connection, 0, len(tenantConnections))
	for _, conn := range tenantConnections {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make([]*Connection, 0, len(r.byID))
	for _, conn := range r.byID {
		snapshot = append(snapshot, conn)
	}
	return snapshot
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Send encodes message and queues it for the connection. It is the entry
// point for one-off replies; fan-out paths encode once and share the payload.
// Delivery is best-effort: a missing or saturated connection is logged and
// otherwise ignored.
func (r *Registry) Send(connectionID string, messageType string, message any) {
	conn, ok := r.Connection(connectionID)
	if !ok {
		r.metrics.deliveryFailed("not_found")
		r.logger.Debug("send to unknown connection",
			zap.String("connection_id", connectionID),
			zap.String("type", messageType),
			zap.Error(ErrConnectionNotFound))
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("failed to encode message",
			zap.String("connection_id", connectionID),
			zap.String("type", messageType),
			zap.Error(err))
		return
	}
	r.deliver(conn, messageType, payload)
}

// deliver queues an encoded message without blocking.
func (r *Registry) deliver(conn *Connection, messageType string, payload []byte) bool {
	reason := ""
	select {
	case <-conn.done:
		reason = "closed"
	default:
		select {
		case conn.outbound <- payload:
			r.metrics.messageQueued(messageType)
			return true
		default:
			reason = "buffer_full"
		}
	}
	r.metrics.deliveryFailed(reason)
	r.logger.Warn("message dropped",
		zap.String("connection_id", conn.id),
		zap.String("tenant_id", conn.tenantID),
		zap.String("type", messageType),
		zap.String("reason", reason),
		zap.Error(ErrDeliveryFailed))
	return false
}

func (r *Registry) writeLoop(conn *Connection) {
	for {
		select {
		case <-conn.done:
			return
		case payload := <-conn.outbound:
			if err := conn.socket.WriteMessage(payload); err != nil {
				r.metrics.deliveryFailed("write_error")
				r.logger.Warn("socket write failed",
					zap.String("connection_id", conn.id),
					zap.String("tenant_id", conn.tenantID),
					zap.Error(err))
				r.unregisterWithCode(conn.id, CloseInternalError, "write failed")
				return
			}
		}
	}
}

// Close unregisters every connection. Pending messages are not flushed.
func (r *Registry) Close() {
	for _, conn := range r.Connections() {
		r.remove(conn.id, CloseGoingAway, "server shutdown", "")
	}
}
