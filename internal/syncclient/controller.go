package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Controller.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateOpen          State = "open"
	StateReconnectWait State = "reconnect_wait"
	StateError         State = "error"
	StateClosed        State = "closed"
)

const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008

	defaultBaseDelay         = 2 * time.Second
	defaultMaxAttempts       = 5
	defaultHeartbeatInterval = 25 * time.Second
	defaultDateDebounce      = 100 * time.Millisecond
)

var (
	// ErrReconnectExhausted is returned once the reconnect budget is spent.
	// The controller stays in StateError until a new one is created.
	ErrReconnectExhausted = errors.New("syncclient: reconnect attempts exhausted")
	// ErrAuthRejected indicates the server refused the identity.
	ErrAuthRejected = errors.New("syncclient: handshake rejected")
	// ErrNotConnected indicates no socket is open.
	ErrNotConnected = errors.New("syncclient: not connected")
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("syncclient: already running")

	errUnknownAppointment = errors.New("syncclient: unknown appointment")
)

// CloseError reports the close frame that ended a connection.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("syncclient: connection closed with code %d %s", e.Code, e.Reason)
}

// Conn is one client socket.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets to the sync endpoint.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config describes a Controller.
type Config struct {
	Dialer            Dialer
	BaseDelay         time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
	DateDebounce      time.Duration
	// Date is the date to subscribe to. Empty accepts the server's default.
	Date          string
	Logger        *zap.Logger
	OnStateChange func(State)
	OnViewChange  func(*View)
}

// Controller owns one logical subscription: it connects, reconnects with
// exponential backoff, resubscribes to the current date and keeps a View in
// step with the server.
type Controller struct {
	dialer            Dialer
	heartbeatInterval time.Duration
	dateDebounce      time.Duration
	logger            *zap.Logger
	onStateChange     func(State)
	onViewChange      func(*View)
	policy            backoff.BackOff
	after             func(time.Duration) <-chan time.Time

	mu          sync.Mutex
	state       State
	running     bool
	conn        Conn
	desiredDate string
	dateTimer   *time.Timer
	lastAckAt   time.Time
	view        *View

	writeMu   sync.Mutex
	closing   chan struct{}
	closeOnce sync.Once
}

// New constructs a controller in StateIdle.
func New(cfg Config) (*Controller, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("syncclient: dialer required")
	}
	desired := ""
	if cfg.Date != "" {
		parsed, err := syncproto.ParseDate(cfg.Date)
		if err != nil {
			return nil, err
		}
		desired = parsed
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	debounce := cfg.DateDebounce
	if debounce <= 0 {
		debounce = defaultDateDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		dialer:            cfg.Dialer,
		heartbeatInterval: heartbeat,
		dateDebounce:      debounce,
		logger:            logger,
		onStateChange:     cfg.OnStateChange,
		onViewChange:      cfg.OnViewChange,
		policy:            reconnectPolicy(baseDelay, maxAttempts),
		after:             time.After,
		state:             StateIdle,
		desiredDate:       desired,
		view:              NewView(logger),
		closing:           make(chan struct{}),
	}, nil
}

// reconnectPolicy yields base, 2*base, 4*base... with no jitter, then Stop
// after maxAttempts delays.
func reconnectPolicy(base time.Duration, maxAttempts int) backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = base
	exponential.Multiplier = 2
	exponential.RandomizationFactor = 0
	exponential.MaxInterval = base << uint(maxAttempts)
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return backoff.WithMaxRetries(exponential, uint64(maxAttempts))
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Date returns the date the controller wants to be subscribed to.
func (c *Controller) Date() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredDate
}

// Snapshot returns a copy of the view's appointments, its date and its last
// applied timestamp.
func (c *Controller) Snapshot() (string, []syncproto.AppointmentRecord, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.Date(), c.view.Records(), c.view.LastAppliedTimestamp()
}

// LastAckAt returns when the server last acknowledged a heartbeat.
func (c *Controller) LastAckAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckAt
}

// Run connects and keeps the subscription alive until ctx is cancelled,
// Close is called, the server closes cleanly, the server rejects the
// identity or the reconnect budget is spent.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	for {
		if c.stopped(ctx) {
			c.setState(StateClosed)
			return nil
		}
		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err == nil {
			c.policy.Reset()
			code := c.session(ctx, conn)
			switch {
			case c.stopped(ctx):
				c.setState(StateClosed)
				return nil
			case code == CloseNormal:
				c.setState(StateClosed)
				return nil
			case code == ClosePolicyViolation:
				c.setState(StateError)
				return ErrAuthRejected
			}
			c.logger.Info("connection lost", zap.Int("close_code", code))
		} else {
			if c.stopped(ctx) {
				c.setState(StateClosed)
				return nil
			}
			if errors.Is(err, ErrAuthRejected) {
				c.setState(StateError)
				return err
			}
			c.logger.Warn("dial failed", zap.Error(err))
		}

		delay := c.policy.NextBackOff()
		if delay == backoff.Stop {
			c.setState(StateError)
			return ErrReconnectExhausted
		}
		c.setState(StateReconnectWait)
		c.logger.Debug("reconnect scheduled", zap.Duration("delay", delay))
		select {
		case <-c.after(delay):
		case <-ctx.Done():
		case <-c.closing:
		}
	}
}

// SetDate changes the subscribed date. Rapid calls are coalesced; only the
// last date is sent once the debounce settles.
func (c *Controller) SetDate(rawDate string) error {
	date, err := syncproto.ParseDate(rawDate)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desiredDate = date
	if c.dateTimer != nil {
		c.dateTimer.Stop()
	}
	c.dateTimer = time.AfterFunc(c.dateDebounce, c.sendDesiredDate)
	return nil
}

// Refresh asks the server to resend the snapshot of the subscribed date.
func (c *Controller) Refresh() error {
	return c.send(syncproto.ControlMessage{Type: syncproto.MessageRequestRefresh, Timestamp: nowMillis()})
}

// Close tears the subscription down with a clean close code and cancels all
// timers. It is safe to call more than once.
func (c *Controller) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		c.mu.Lock()
		if c.dateTimer != nil {
			c.dateTimer.Stop()
		}
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			err = conn.Close(CloseNormal, "client closing")
		}
		c.setState(StateClosed)
	})
	return err
}

func (c *Controller) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

// session drives one socket until it ends and returns its close code.
func (c *Controller) session(ctx context.Context, conn Conn) int {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(StateOpen)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.watch(ctx, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.sendDesiredDate()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return closeCode(err)
		}
		c.handleMessage(data)
	}
}

// watch sends heartbeats and closes the socket when ctx ends or Close is called.
func (c *Controller) watch(ctx context.Context, conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.Close(CloseNormal, "client closing")
			return
		case <-c.closing:
			_ = conn.Close(CloseNormal, "client closing")
			return
		case <-ticker.C:
			if err := c.send(syncproto.ControlMessage{Type: syncproto.MessageHeartbeat, Timestamp: nowMillis()}); err != nil {
				c.logger.Debug("heartbeat send failed", zap.Error(err))
			}
		}
	}
}

func (c *Controller) handleMessage(data []byte) {
	envelope, err := syncproto.DecodeEnvelope(data)
	if err != nil {
		c.logger.Warn("malformed server message", zap.Error(err))
		return
	}

	switch envelope.Type {
	case syncproto.MessageInitialData, syncproto.MessageDateData:
		c.mu.Lock()
		if c.desiredDate != "" && envelope.Date != c.desiredDate {
			c.mu.Unlock()
			c.logger.Debug("ignoring snapshot for superseded date",
				zap.String("date", envelope.Date))
			return
		}
		if c.desiredDate == "" {
			c.desiredDate = envelope.Date
		}
		c.view.Replace(envelope.Date, envelope.Appointments, envelope.Timestamp)
		c.mu.Unlock()
		c.notifyView()
	case syncproto.MessageBatchUpdates:
		c.mu.Lock()
		result := c.view.Apply(envelope.Updates)
		c.mu.Unlock()
		if result.Applied > 0 {
			c.notifyView()
		}
	case syncproto.MessageHeartbeat:
		if err := c.send(syncproto.ControlMessage{Type: syncproto.MessageHeartbeat, Timestamp: nowMillis()}); err != nil {
			c.logger.Debug("heartbeat reply failed", zap.Error(err))
		}
	case syncproto.MessageHeartbeatAck:
		c.mu.Lock()
		c.lastAckAt = time.UnixMilli(envelope.Timestamp)
		c.mu.Unlock()
	default:
		c.logger.Debug("ignoring server message", zap.String("type", envelope.Type))
	}
}

func (c *Controller) sendDesiredDate() {
	date := c.Date()
	if date == "" {
		return
	}
	err := c.send(syncproto.DateChangeMessage{
		Type:      syncproto.MessageDateChange,
		Timestamp: nowMillis(),
		Date:      date,
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		c.logger.Warn("date change send failed", zap.String("date", date), zap.Error(err))
	}
}

func (c *Controller) send(message any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(payload)
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	if c.state == next || (c.state == StateClosed && next != StateClosed) {
		c.mu.Unlock()
		return
	}
	c.state = next
	c.mu.Unlock()
	if c.onStateChange != nil {
		c.onStateChange(next)
	}
}

func (c *Controller) notifyView() {
	if c.onViewChange == nil {
		return
	}
	c.mu.Lock()
	view := c.view
	c.mu.Unlock()
	c.onViewChange(view)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func closeCode(err error) int {
	var closeErr *CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code
	}
	return CloseAbnormal
}
