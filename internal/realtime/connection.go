package realtime

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
)

// ConnectionState tracks the lifecycle of one socket.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosing    ConnectionState = "closing"
	StateClosed     ConnectionState = "closed"
)

// HeartbeatState tracks the application-level liveness handshake.
type HeartbeatState string

const (
	HeartbeatOpen        HeartbeatState = "open"
	HeartbeatAwaitingAck HeartbeatState = "awaiting_ack"
	HeartbeatEvicted     HeartbeatState = "evicted"
)

// WebSocket close codes used by the registry.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// Socket is the transport behind a connection. WriteMessage is only ever
// called from the connection's writer goroutine; Close may be called
// concurrently with reads and writes.
type Socket interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close(code int, reason string) error
}

// Connection is one live client socket owned by the Registry.
type Connection struct {
	id       string
	tenantID string
	userID   string
	socket   Socket

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	state           ConnectionState
	heartbeat       HeartbeatState
	subscribedDate  string
	pendingDate     string
	dateTimer       *time.Timer
	lastHeartbeatAt time.Time
	connectedAt     time.Time

	// Batches for snapshotDate are held while its snapshot is in flight.
	snapshotDate      string
	snapshotsInFlight int
	heldBatches       [][]byte
}

func newConnection(id, tenantID, userID string, socket Socket, buffer int, now time.Time) *Connection {
	return &Connection{
		id:              id,
		tenantID:        tenantID,
		userID:          userID,
		socket:          socket,
		outbound:        make(chan []byte, buffer),
		done:            make(chan struct{}),
		state:           StateConnecting,
		heartbeat:       HeartbeatOpen,
		lastHeartbeatAt: now,
		connectedAt:     now,
	}
}

// ID returns the opaque connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// TenantID returns the tenant fixed at handshake.
func (c *Connection) TenantID() string {
	return c.tenantID
}

// UserID returns the user attached at handshake.
func (c *Connection) UserID() string {
	return c.userID
}

// State returns the lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HeartbeatState returns the liveness handshake state.
func (c *Connection) HeartbeatState() HeartbeatState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.heartbeat
}

// SubscribedDate returns the date currently being viewed, or "" when unset.
func (c *Connection) SubscribedDate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedDate
}

// LastHeartbeatAt returns the time of the last application-level ack.
func (c *Connection) LastHeartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatAt
}

// Done is closed once the connection has been unregistered.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) isOpen() bool {
	return c.State() == StateOpen
}

func (c *Connection) setSubscribedDate(date string) {
	c.mu.Lock()
	c.subscribedDate = date
	c.mu.Unlock()
}

// scheduleDate replaces any pending debounced date change.
func (c *Connection) scheduleDate(date string, delay time.Duration, apply func(string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return
	}
	if c.dateTimer != nil {
		c.dateTimer.Stop()
	}
	c.pendingDate = date
	c.dateTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		pending := c.pendingDate
		c.pendingDate = ""
		c.dateTimer = nil
		c.mu.Unlock()
		if pending != "" {
			apply(pending)
		}
	})
}

// takePendingDate cancels the debounce timer and returns the date it would have applied.
func (c *Connection) takePendingDate() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dateTimer != nil {
		c.dateTimer.Stop()
		c.dateTimer = nil
	}
	pending := c.pendingDate
	c.pendingDate = ""
	return pending
}

func (c *Connection) beginSnapshot(date string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotDate != date {
		c.snapshotDate = date
		c.snapshotsInFlight = 0
		c.heldBatches = nil
	}
	c.snapshotsInFlight++
}

// finishSnapshot queues the snapshot, when present, and once no snapshot for
// the date remains in flight, the batches held behind it. It reports false
// when the subscription moved to another date and nothing was queued.
func (c *Connection) finishSnapshot(date, messageType string, snapshot []byte, deliver func(messageType string, payload []byte)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotDate != date {
		return false
	}
	c.snapshotsInFlight--
	current := c.subscribedDate == date
	if current && snapshot != nil {
		deliver(messageType, snapshot)
	}
	if c.snapshotsInFlight > 0 {
		return current
	}
	if current {
		for _, batch := range c.heldBatches {
			deliver(syncproto.MessageBatchUpdates, batch)
		}
	}
	c.snapshotDate = ""
	c.heldBatches = nil
	return current
}

// queueBatch delivers a batch for date, or holds it while a snapshot for
// that date is in flight.
func (c *Connection) queueBatch(date string, payload []byte, deliver func(messageType string, payload []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snapshotDate == date && c.snapshotsInFlight > 0 {
		c.heldBatches = append(c.heldBatches, payload)
		return
	}
	deliver(syncproto.MessageBatchUpdates, payload)
}

func (c *Connection) markProbed() {
	c.mu.Lock()
	if c.heartbeat == HeartbeatOpen {
		c.heartbeat = HeartbeatAwaitingAck
	}
	c.mu.Unlock()
}

func (c *Connection) acknowledge(now time.Time) {
	c.mu.Lock()
	if c.heartbeat != HeartbeatEvicted {
		c.heartbeat = HeartbeatOpen
		c.lastHeartbeatAt = now
	}
	c.mu.Unlock()
}

// shutdown cancels per-connection timers and stops the writer. It reports
// whether this call performed the transition.
func (c *Connection) shutdown(heartbeat HeartbeatState) bool {
	transitioned := false
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosing
		if heartbeat != "" {
			c.heartbeat = heartbeat
		}
		if c.dateTimer != nil {
			c.dateTimer.Stop()
			c.dateTimer = nil
		}
		c.pendingDate = ""
		c.mu.Unlock()
		close(c.done)
		transitioned = true
	})
	return transitioned
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
}
