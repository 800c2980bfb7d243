package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type fakeConn struct {
	mu       sync.Mutex
	written  []syncproto.Envelope
	closeErr error

	incoming chan []byte
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	envelope, err := syncproto.DecodeEnvelope(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		return errors.New("write on closed conn")
	default:
	}
	c.written = append(c.written, envelope)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.shut(code, reason)
	return nil
}

// shut simulates a close frame with the given code.
func (c *fakeConn) shut(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = &CloseError{Code: code, Reason: reason}
		c.mu.Unlock()
		close(c.closed)
	})
}

func (c *fakeConn) push(t *testing.T, message any) {
	t.Helper()
	encoded, err := json.Marshal(message)
	require.NoError(t, err)
	c.incoming <- encoded
}

func (c *fakeConn) sent(messageType string) []syncproto.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matches []syncproto.Envelope
	for _, envelope := range c.written {
		if envelope.Type == messageType {
			matches = append(matches, envelope)
		}
	}
	return matches
}

// fakeDialer hands out queued connections, then fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.conns) == 0 {
		if d.err != nil {
			return nil, d.err
		}
		return nil, errors.New("connection refused")
	}
	next := d.conns[0]
	d.conns = d.conns[1:]
	return next, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) after(delay time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.delays = append(r.delays, delay)
	r.mu.Unlock()
	fired := make(chan time.Time, 1)
	fired <- time.Time{}
	return fired
}

func (r *delayRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) seen() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

type harness struct {
	controller *Controller
	dialer     *fakeDialer
	delays     *delayRecorder
	states     *stateRecorder
	done       chan error
}

func newHarness(t *testing.T, cfg Config, conns ...*fakeConn) *harness {
	t.Helper()
	dialer := &fakeDialer{conns: conns}
	states := &stateRecorder{}
	cfg.Dialer = dialer
	cfg.OnStateChange = states.record
	controller, err := New(cfg)
	require.NoError(t, err)
	delays := &delayRecorder{}
	controller.after = delays.after
	t.Cleanup(func() { _ = controller.Close() })
	return &harness{controller: controller, dialer: dialer, delays: delays, states: states}
}

func (h *harness) start() {
	h.done = make(chan error, 1)
	go func() { h.done <- h.controller.Run(context.Background()) }()
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("controller did not stop")
		return nil
	}
}

func TestNewRequiresDialer(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	_, err = New(Config{Dialer: &fakeDialer{}, Date: "tomorrow"})
	require.Error(t, err)
}

func TestControllerBacksOffExponentiallyThenGivesUp(t *testing.T) {
	h := newHarness(t, Config{})
	h.start()

	require.ErrorIs(t, h.wait(t), ErrReconnectExhausted)
	require.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, h.delays.recorded())
	require.Equal(t, 6, h.dialer.dialCount())
	require.Equal(t, StateError, h.controller.State())
	require.Contains(t, h.states.seen(), StateReconnectWait)
}

func TestControllerHonoursConfiguredBackoff(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: 100 * time.Millisecond, MaxAttempts: 2})
	h.start()

	require.ErrorIs(t, h.wait(t), ErrReconnectExhausted)
	require.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, h.delays.recorded())
	require.Equal(t, 3, h.dialer.dialCount())
}

func TestControllerResubscribesAfterReconnect(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	h := newHarness(t, Config{Date: "2025-08-10", DateDebounce: 5 * time.Millisecond}, first, second)
	h.start()

	require.Eventually(t, func() bool { return len(first.sent(syncproto.MessageDateChange)) == 1 }, waitTimeout, 5*time.Millisecond)
	require.Equal(t, "2025-08-10", first.sent(syncproto.MessageDateChange)[0].Date)

	require.NoError(t, h.controller.SetDate("2025-08-12"))
	require.Eventually(t, func() bool { return len(first.sent(syncproto.MessageDateChange)) == 2 }, waitTimeout, 5*time.Millisecond)

	first.shut(CloseAbnormal, "network")
	require.Eventually(t, func() bool { return len(second.sent(syncproto.MessageDateChange)) == 1 }, waitTimeout, 5*time.Millisecond)
	require.Equal(t, "2025-08-12", second.sent(syncproto.MessageDateChange)[0].Date)
	require.Equal(t, []time.Duration{2 * time.Second}, h.delays.recorded())
	require.Equal(t, StateOpen, h.controller.State())

	require.NoError(t, h.controller.Close())
	require.NoError(t, h.wait(t))
	require.Equal(t, StateClosed, h.controller.State())
}

func TestControllerResetsBackoffAfterSuccessfulOpen(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	h := newHarness(t, Config{MaxAttempts: 1}, first, second)
	h.start()

	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	first.shut(CloseAbnormal, "")
	require.Eventually(t, func() bool { return h.dialer.dialCount() == 2 }, waitTimeout, 5*time.Millisecond)
	second.shut(CloseAbnormal, "")

	require.ErrorIs(t, h.wait(t), ErrReconnectExhausted)
	require.Equal(t, 3, h.dialer.dialCount())
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.delays.recorded())
}

func TestControllerStopsOnCleanServerClose(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{}, conn)
	h.start()

	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	conn.shut(CloseNormal, "bye")

	require.NoError(t, h.wait(t))
	require.Equal(t, StateClosed, h.controller.State())
	require.Equal(t, 1, h.dialer.dialCount())
	require.Empty(t, h.delays.recorded())
}

func TestControllerTreatsPolicyViolationAsTerminal(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{}, conn)
	h.start()

	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	conn.shut(ClosePolicyViolation, "not a member")

	require.ErrorIs(t, h.wait(t), ErrAuthRejected)
	require.Equal(t, StateError, h.controller.State())
	require.Equal(t, 1, h.dialer.dialCount())
}

func TestControllerStopsWhenHandshakeIsRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.dialer.err = fmt.Errorf("%w: status 401", ErrAuthRejected)
	h.start()

	require.ErrorIs(t, h.wait(t), ErrAuthRejected)
	require.Equal(t, 1, h.dialer.dialCount())
	require.Empty(t, h.delays.recorded())
}

func TestControllerStopsWhenContextEnds(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{}, conn)
	ctx, cancel := context.WithCancel(context.Background())
	h.done = make(chan error, 1)
	go func() { h.done <- h.controller.Run(ctx) }()

	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	cancel()

	require.NoError(t, h.wait(t))
	require.Equal(t, StateClosed, h.controller.State())
}

func TestControllerRejectsSecondRun(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{}, conn)
	h.start()
	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)

	require.ErrorIs(t, h.controller.Run(context.Background()), ErrAlreadyRunning)
}

func TestControllerAnswersHeartbeatProbes(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{}, conn)
	h.start()

	conn.push(t, syncproto.ControlMessage{Type: syncproto.MessageHeartbeat, Timestamp: 1})
	require.Eventually(t, func() bool { return len(conn.sent(syncproto.MessageHeartbeat)) == 1 }, waitTimeout, 5*time.Millisecond)

	conn.push(t, syncproto.ControlMessage{Type: syncproto.MessageHeartbeatAck, Timestamp: 1754816400000})
	require.Eventually(t, func() bool {
		return h.controller.LastAckAt().Equal(time.UnixMilli(1754816400000))
	}, waitTimeout, 5*time.Millisecond)
}

func TestControllerSendsPeriodicHeartbeats(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{HeartbeatInterval: 10 * time.Millisecond}, conn)
	h.start()

	require.Eventually(t, func() bool { return len(conn.sent(syncproto.MessageHeartbeat)) >= 2 }, waitTimeout, 5*time.Millisecond)
}

func TestControllerDebouncesDateChanges(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{DateDebounce: 30 * time.Millisecond}, conn)
	h.start()
	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)

	require.NoError(t, h.controller.SetDate("2025-08-11"))
	require.NoError(t, h.controller.SetDate("2025-08-12"))
	require.NoError(t, h.controller.SetDate("2025-08-13"))
	require.Error(t, h.controller.SetDate("08/14/2025"))

	require.Eventually(t, func() bool { return len(conn.sent(syncproto.MessageDateChange)) == 1 }, waitTimeout, 5*time.Millisecond)
	require.Never(t, func() bool { return len(conn.sent(syncproto.MessageDateChange)) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, "2025-08-13", conn.sent(syncproto.MessageDateChange)[0].Date)
	require.Equal(t, "2025-08-13", h.controller.Date())
}

func TestControllerMaintainsViewFromServerMessages(t *testing.T) {
	conn := newFakeConn()
	var viewUpdates int
	var viewMu sync.Mutex
	h := newHarness(t, Config{OnViewChange: func(*View) {
		viewMu.Lock()
		viewUpdates++
		viewMu.Unlock()
	}}, conn)
	h.start()

	conn.push(t, syncproto.NewSnapshotMessage(syncproto.MessageInitialData, viewDate, []syncproto.AppointmentRecord{
		record("a1", viewDate, "scheduled"),
	}, 100))
	conn.push(t, syncproto.NewBatchMessage([]syncproto.ChangeEvent{
		statusEvent(t, "a1", "checked_in", 150),
		newEvent(t, record("a2", viewDate, "scheduled"), 160),
	}, 170))

	require.Eventually(t, func() bool {
		_, records, _ := h.controller.Snapshot()
		return len(records) == 2
	}, waitTimeout, 5*time.Millisecond)
	date, records, lastApplied := h.controller.Snapshot()
	require.Equal(t, viewDate, date)
	require.Equal(t, "checked_in", records[0].Status)
	require.Equal(t, int64(160), lastApplied)
	require.Equal(t, viewDate, h.controller.Date())

	require.Eventually(t, func() bool {
		viewMu.Lock()
		defer viewMu.Unlock()
		return viewUpdates == 2
	}, waitTimeout, 5*time.Millisecond)
}

func TestControllerIgnoresSnapshotsForSupersededDates(t *testing.T) {
	conn := newFakeConn()
	h := newHarness(t, Config{Date: otherDate}, conn)
	h.start()

	conn.push(t, syncproto.NewSnapshotMessage(syncproto.MessageInitialData, viewDate, []syncproto.AppointmentRecord{
		record("a1", viewDate, "scheduled"),
	}, 100))
	conn.push(t, syncproto.NewSnapshotMessage(syncproto.MessageDateData, otherDate, []syncproto.AppointmentRecord{
		record("b1", otherDate, "scheduled"),
		record("b2", otherDate, "scheduled"),
	}, 110))

	require.Eventually(t, func() bool {
		date, _, _ := h.controller.Snapshot()
		return date == otherDate
	}, waitTimeout, 5*time.Millisecond)
	_, records, _ := h.controller.Snapshot()
	require.Equal(t, []string{"b1", "b2"}, ids(records))
}

func TestRefreshRequiresConnection(t *testing.T) {
	h := newHarness(t, Config{})
	require.ErrorIs(t, h.controller.Refresh(), ErrNotConnected)

	conn := newFakeConn()
	h.dialer.conns = []*fakeConn{conn}
	h.start()
	require.Eventually(t, func() bool { return h.controller.State() == StateOpen }, waitTimeout, 5*time.Millisecond)
	require.NoError(t, h.controller.Refresh())
	require.Len(t, conn.sent(syncproto.MessageRequestRefresh), 1)
}
