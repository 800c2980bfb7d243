package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeCode int
	closedAt  time.Time
	writeErr  error

	incoming chan []byte
	closedCh chan struct{}
	once     sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		incoming: make(chan []byte, 16),
		closedCh: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.incoming:
		return data, nil
	case <-s.closedCh:
		return nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.written = append(s.written, append([]byte(nil), payload...))
	return nil
}

func (s *fakeSocket) Close(code int, _ string) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closedAt = time.Now()
	}
	s.mu.Unlock()
	s.once.Do(func() { close(s.closedCh) })
	return nil
}

func (s *fakeSocket) closedTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedAt
}

func (s *fakeSocket) send(t *testing.T, message any) {
	t.Helper()
	encoded, err := json.Marshal(message)
	require.NoError(t, err)
	s.incoming <- encoded
}

func (s *fakeSocket) isClosed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}

// messages decodes every frame written so far, optionally filtered by type.
func (s *fakeSocket) messages(t *testing.T, messageType string) []syncproto.Envelope {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var envelopes []syncproto.Envelope
	for _, frame := range s.written {
		envelope, err := syncproto.DecodeEnvelope(frame)
		require.NoError(t, err)
		if messageType == "" || envelope.Type == messageType {
			envelopes = append(envelopes, envelope)
		}
	}
	return envelopes
}

func (s *fakeSocket) waitFor(t *testing.T, messageType string, count int) []syncproto.Envelope {
	t.Helper()
	var envelopes []syncproto.Envelope
	require.Eventually(t, func() bool {
		envelopes = s.messages(t, messageType)
		return len(envelopes) >= count
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s message(s)", count, messageType)
	return envelopes
}

type allowAuthorizer struct {
	denied map[string]bool
}

func (a allowAuthorizer) Authorize(_ context.Context, tenantID, userID string) error {
	if a.denied[tenantID+"/"+userID] {
		return errors.New("not a member")
	}
	return nil
}

type stubSource struct {
	mu       sync.Mutex
	byDate   map[string][]syncproto.AppointmentRecord
	requests []string
}

func newStubSource() *stubSource {
	return &stubSource{byDate: make(map[string][]syncproto.AppointmentRecord)}
}

func (s *stubSource) put(tenantID, date string, records ...syncproto.AppointmentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byDate[tenantID+"/"+date] = records
}

func (s *stubSource) ListByDate(_ context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, date)
	return append([]syncproto.AppointmentRecord(nil), s.byDate[tenantID+"/"+date]...), nil
}

func (s *stubSource) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{Authorizer: allowAuthorizer{}})
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return registry
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return metrics
}

func statusEvent(eventID, tenantID, appointmentID, date string) syncproto.ChangeEvent {
	payload, _ := json.Marshal(syncproto.StatusPayload{Status: "checked_in"})
	return syncproto.ChangeEvent{
		EventID:       eventID,
		Kind:          syncproto.KindStatusChange,
		TenantID:      tenantID,
		AppointmentID: appointmentID,
		RelevantDate:  date,
		Payload:       payload,
		OccurredAt:    time.Now().UnixMilli(),
	}
}
