package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/stretchr/testify/require"
)

type fixedZones struct {
	location *time.Location
	err      error
}

func (z fixedZones) Location(context.Context, string) (*time.Location, error) {
	return z.location, z.err
}

func TestRouterInitialConnectUsesTenantTimezone(t *testing.T) {
	registry := newTestRegistry(t)
	source := newStubSource()
	router, err := NewRouter(RouterConfig{
		Registry:  registry,
		Source:    source,
		Timezones: fixedZones{location: time.FixedZone("NZST", 12*60*60)},
		Clock: func() time.Time {
			return time.Date(2025, 8, 10, 13, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)

	socket := newFakeSocket()
	conn, err := registry.Register(context.Background(), socket, "tenant-a", "user-1")
	require.NoError(t, err)

	require.NoError(t, router.OnInitialConnect(context.Background(), conn))
	require.Equal(t, "2025-08-11", conn.SubscribedDate())
	initial := socket.waitFor(t, syncproto.MessageInitialData, 1)
	require.Equal(t, "2025-08-11", initial[0].Date)
	require.NotNil(t, initial[0].Appointments)
}

func TestRouterFallsBackToDefaultLocation(t *testing.T) {
	registry := newTestRegistry(t)
	router, err := NewRouter(RouterConfig{
		Registry:        registry,
		Source:          newStubSource(),
		Timezones:       fixedZones{err: errors.New("tenant missing")},
		DefaultLocation: time.FixedZone("EST", -5*60*60),
		Clock: func() time.Time {
			return time.Date(2025, 8, 10, 2, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)

	conn, err := registry.Register(context.Background(), newFakeSocket(), "tenant-a", "user-1")
	require.NoError(t, err)
	require.NoError(t, router.OnInitialConnect(context.Background(), conn))
	require.Equal(t, "2025-08-09", conn.SubscribedDate())
}

func TestRouterRejectsInvalidDate(t *testing.T) {
	registry := newTestRegistry(t)
	router, err := NewRouter(RouterConfig{Registry: registry, Source: newStubSource()})
	require.NoError(t, err)

	conn, err := registry.Register(context.Background(), newFakeSocket(), "tenant-a", "user-1")
	require.NoError(t, err)

	require.ErrorIs(t, router.OnDateChange(conn, "tomorrow"), syncproto.ErrInvalidDate)
	require.Empty(t, conn.SubscribedDate())
}

func TestRouterUnregisterCancelsPendingDateChange(t *testing.T) {
	registry := newTestRegistry(t)
	source := newStubSource()
	router, err := NewRouter(RouterConfig{Registry: registry, Source: source, Debounce: 30 * time.Millisecond})
	require.NoError(t, err)

	conn, err := registry.Register(context.Background(), newFakeSocket(), "tenant-a", "user-1")
	require.NoError(t, err)

	require.NoError(t, router.OnDateChange(conn, "2025-08-12"))
	registry.Unregister(conn.ID())
	time.Sleep(80 * time.Millisecond)

	require.Zero(t, source.requestCount(), "teardown must cancel the debounce timer")
	require.Empty(t, conn.SubscribedDate())
}

func TestRouterRouteSkipsUnsubscribedConnections(t *testing.T) {
	registry := newTestRegistry(t)
	router, err := NewRouter(RouterConfig{Registry: registry, Source: newStubSource()})
	require.NoError(t, err)

	subscribed := newFakeSocket()
	subscribedConn, err := registry.Register(context.Background(), subscribed, "tenant-a", "user-1")
	require.NoError(t, err)
	subscribedConn.setSubscribedDate("2025-08-10")

	unsubscribed := newFakeSocket()
	_, err = registry.Register(context.Background(), unsubscribed, "tenant-a", "user-2")
	require.NoError(t, err)

	router.Route("tenant-a", []syncproto.ChangeEvent{statusEvent("evt-1", "tenant-a", "appt-1", "2025-08-10")})

	subscribed.waitFor(t, syncproto.MessageBatchUpdates, 1)
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, unsubscribed.messages(t, ""))
}

type gatedSource struct {
	entered chan struct{}
	release chan struct{}
}

func (s gatedSource) ListByDate(ctx context.Context, _, _ string) ([]syncproto.AppointmentRecord, error) {
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return []syncproto.AppointmentRecord{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRouterHoldsBatchesUntilSnapshotIsQueued(t *testing.T) {
	registry := newTestRegistry(t)
	source := gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	router, err := NewRouter(RouterConfig{
		Registry: registry,
		Source:   source,
		Clock: func() time.Time {
			return time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)

	socket := newFakeSocket()
	conn, err := registry.Register(context.Background(), socket, "tenant-a", "user-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- router.OnInitialConnect(context.Background(), conn) }()
	<-source.entered

	router.Route("tenant-a", []syncproto.ChangeEvent{statusEvent("evt-1", "tenant-a", "appt-1", "2025-08-10")})
	time.Sleep(30 * time.Millisecond)
	require.Empty(t, socket.messages(t, ""), "batch must wait for the snapshot")

	close(source.release)
	require.NoError(t, <-done)

	frames := socket.waitFor(t, "", 2)
	require.Equal(t, syncproto.MessageInitialData, frames[0].Type)
	require.Equal(t, syncproto.MessageBatchUpdates, frames[1].Type)

	router.Route("tenant-a", []syncproto.ChangeEvent{statusEvent("evt-2", "tenant-a", "appt-1", "2025-08-10")})
	socket.waitFor(t, syncproto.MessageBatchUpdates, 2)
}

func TestRouterDropsHeldBatchesWhenDateChanges(t *testing.T) {
	registry := newTestRegistry(t)
	source := gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	router, err := NewRouter(RouterConfig{
		Registry: registry,
		Source:   source,
		Clock: func() time.Time {
			return time.Date(2025, 8, 10, 9, 0, 0, 0, time.UTC)
		},
	})
	require.NoError(t, err)

	socket := newFakeSocket()
	conn, err := registry.Register(context.Background(), socket, "tenant-a", "user-1")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- router.OnInitialConnect(context.Background(), conn) }()
	<-source.entered
	router.Route("tenant-a", []syncproto.ChangeEvent{statusEvent("evt-1", "tenant-a", "appt-1", "2025-08-10")})

	conn.setSubscribedDate("2025-08-12")
	close(source.release)
	require.NoError(t, <-done)

	time.Sleep(30 * time.Millisecond)
	require.Empty(t, socket.messages(t, ""), "a superseded snapshot and its held batches are not sent")
}
