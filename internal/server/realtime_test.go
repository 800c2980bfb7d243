package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/appointments"
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func dialURL(server *httptest.Server, tenantID, userID string) string {
	query := url.Values{}
	query.Set(queryTenantID, tenantID)
	query.Set(queryUserID, userID)
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?" + query.Encode()
}

func (f *serverFixture) dial(t *testing.T, server *httptest.Server, tenantID, userID, tokenUser string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	header.Add("Cookie", (&http.Cookie{Name: testCookieName, Value: f.token(t, tokenUser)}).String())
	conn, response, err := websocket.DefaultDialer.Dial(dialURL(server, tenantID, userID), header)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, response, err
}

func readEnvelope(t *testing.T, conn *websocket.Conn) syncproto.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	envelope, err := syncproto.DecodeEnvelope(data)
	require.NoError(t, err)
	return envelope
}

func TestWebSocketStreamsSnapshotAndBatches(t *testing.T) {
	fixture := newServerFixture(t)
	existing, err := fixture.appointments.Create(context.Background(), appointments.NewAppointment{
		TenantID:      testTenantID,
		ScheduledDate: testToday,
		StartTime:     "08:00",
		PetName:       "Mochi",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, pending := fixture.hub.Batcher().Pending(testTenantID)
		return !pending
	}, time.Second, 5*time.Millisecond)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	conn, _, err := fixture.dial(t, server, testTenantID, testMemberID, testMemberID)
	require.NoError(t, err)

	initial := readEnvelope(t, conn)
	require.Equal(t, syncproto.MessageInitialData, initial.Type)
	require.Equal(t, testToday, initial.Date)
	require.Len(t, initial.Appointments, 1)
	require.Equal(t, existing.AppointmentID, initial.Appointments[0].ID)

	_, err = fixture.appointments.UpdateStatus(context.Background(), appointments.StatusUpdate{
		TenantID:      testTenantID,
		AppointmentID: existing.AppointmentID,
		Status:        "in_progress",
	})
	require.NoError(t, err)

	batch := readEnvelope(t, conn)
	require.Equal(t, syncproto.MessageBatchUpdates, batch.Type)
	require.Len(t, batch.Updates, 1)
	require.Equal(t, syncproto.KindStatusChange, batch.Updates[0].Kind)

	require.NoError(t, conn.WriteJSON(syncproto.ControlMessage{Type: syncproto.MessageHeartbeat}))
	ack := readEnvelope(t, conn)
	require.Equal(t, syncproto.MessageHeartbeatAck, ack.Type)

	require.NoError(t, conn.WriteJSON(syncproto.DateChangeMessage{Type: syncproto.MessageDateChange, Date: "2025-08-11"}))
	dateData := readEnvelope(t, conn)
	require.Equal(t, syncproto.MessageDateData, dateData.Type)
	require.Equal(t, "2025-08-11", dateData.Date)
	require.Empty(t, dateData.Appointments)
}

func TestWebSocketRejectsBeforeUpgrade(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	_, response, err := fixture.dial(t, server, testTenantID, testMemberID, "someone-else")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	_, response, err = websocket.DefaultDialer.Dial(dialURL(server, testTenantID, testMemberID), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, response.StatusCode)

	_, response, err = fixture.dial(t, server, "", testMemberID, testMemberID)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusBadRequest, response.StatusCode)
}

func TestWebSocketClosesNonMemberWithPolicyViolation(t *testing.T) {
	fixture := newServerFixture(t)
	server := httptest.NewServer(fixture.handler)
	t.Cleanup(server.Close)

	conn, _, err := fixture.dial(t, server, testTenantID, testOutsiderID, testOutsiderID)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	require.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	require.Zero(t, fixture.hub.Registry().Count())
}
