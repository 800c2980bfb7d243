package syncclient

import (
	"testing"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"github.com/stretchr/testify/require"
)

const (
	viewDate  = "2025-08-10"
	otherDate = "2025-08-11"
)

func record(id, date, status string) syncproto.AppointmentRecord {
	return syncproto.AppointmentRecord{ID: id, TenantID: "clinic-1", ScheduledDate: date, Status: status, Version: 1}
}

func mustPayload(t *testing.T, value any) []byte {
	t.Helper()
	payload, err := syncproto.EncodePayload(value)
	require.NoError(t, err)
	return payload
}

func statusEvent(t *testing.T, id, status string, at int64) syncproto.ChangeEvent {
	return syncproto.ChangeEvent{
		EventID:       id + "-status",
		Kind:          syncproto.KindStatusChange,
		TenantID:      "clinic-1",
		AppointmentID: id,
		RelevantDate:  viewDate,
		Payload:       mustPayload(t, syncproto.StatusPayload{Status: status, Version: 2}),
		OccurredAt:    at,
	}
}

func newEvent(t *testing.T, rec syncproto.AppointmentRecord, at int64) syncproto.ChangeEvent {
	return syncproto.ChangeEvent{
		EventID:       rec.ID + "-new",
		Kind:          syncproto.KindNewAppointment,
		TenantID:      "clinic-1",
		AppointmentID: rec.ID,
		RelevantDate:  rec.ScheduledDate,
		Payload:       mustPayload(t, rec),
		OccurredAt:    at,
	}
}

func rescheduleEvent(t *testing.T, rec syncproto.AppointmentRecord, from string, at int64) syncproto.ChangeEvent {
	return syncproto.ChangeEvent{
		EventID:       rec.ID + "-moved",
		Kind:          syncproto.KindRescheduled,
		TenantID:      "clinic-1",
		AppointmentID: rec.ID,
		RelevantDate:  rec.ScheduledDate,
		PreviousDate:  from,
		Payload:       mustPayload(t, rec),
		OccurredAt:    at,
	}
}

func seededView() *View {
	view := NewView(nil)
	view.Replace(viewDate, []syncproto.AppointmentRecord{
		record("a1", viewDate, "scheduled"),
		record("a2", viewDate, "scheduled"),
	}, 100)
	return view
}

func TestViewReplaceKeepsOrderAndTimestamp(t *testing.T) {
	view := seededView()
	require.Equal(t, viewDate, view.Date())
	require.Equal(t, int64(100), view.LastAppliedTimestamp())
	require.Equal(t, []string{"a1", "a2"}, ids(view.Records()))

	view.Replace(otherDate, []syncproto.AppointmentRecord{record("b1", otherDate, "scheduled")}, 50)
	require.Equal(t, otherDate, view.Date())
	require.Equal(t, 1, view.Len())
	require.Equal(t, int64(100), view.LastAppliedTimestamp())
}

func TestViewAppliesStatusChangeOnce(t *testing.T) {
	view := seededView()
	event := statusEvent(t, "a1", "checked_in", 200)

	first := view.Apply([]syncproto.ChangeEvent{event})
	require.Equal(t, ApplyResult{Applied: 1}, first)
	updated, ok := view.Record("a1")
	require.True(t, ok)
	require.Equal(t, "checked_in", updated.Status)
	require.Equal(t, int64(2), updated.Version)

	second := view.Apply([]syncproto.ChangeEvent{event})
	require.Equal(t, 1, second.Applied)
	again, _ := view.Record("a1")
	require.Equal(t, updated, again)
	require.Equal(t, int64(200), view.LastAppliedTimestamp())
}

func TestViewIgnoresEventsOlderThanLastApplied(t *testing.T) {
	view := seededView()
	result := view.Apply([]syncproto.ChangeEvent{statusEvent(t, "a1", "completed", 99)})
	require.Equal(t, ApplyResult{Ignored: 1}, result)
	unchanged, _ := view.Record("a1")
	require.Equal(t, "scheduled", unchanged.Status)
}

func TestViewSkipsUnknownAppointments(t *testing.T) {
	view := seededView()
	deleted := syncproto.ChangeEvent{
		EventID:       "gone",
		Kind:          syncproto.KindDeletedAppointment,
		TenantID:      "clinic-1",
		AppointmentID: "missing",
		RelevantDate:  viewDate,
		OccurredAt:    150,
	}
	result := view.Apply([]syncproto.ChangeEvent{
		statusEvent(t, "missing", "completed", 150),
		deleted,
		statusEvent(t, "a2", "completed", 160),
	})
	require.Equal(t, ApplyResult{Applied: 1, Skipped: 2}, result)
	require.Equal(t, 2, view.Len())
}

func TestViewAddsNewAppointmentsOnlyForItsDate(t *testing.T) {
	view := seededView()
	result := view.Apply([]syncproto.ChangeEvent{
		newEvent(t, record("a3", viewDate, "scheduled"), 200),
		newEvent(t, record("x1", otherDate, "scheduled"), 201),
		newEvent(t, record("a3", viewDate, "scheduled"), 202),
	})
	require.Equal(t, ApplyResult{Applied: 1, Ignored: 2}, result)
	require.Equal(t, []string{"a1", "a2", "a3"}, ids(view.Records()))
}

func TestViewDeletesAppointments(t *testing.T) {
	view := seededView()
	result := view.Apply([]syncproto.ChangeEvent{{
		EventID:       "del",
		Kind:          syncproto.KindDeletedAppointment,
		TenantID:      "clinic-1",
		AppointmentID: "a1",
		RelevantDate:  viewDate,
		OccurredAt:    200,
	}})
	require.Equal(t, 1, result.Applied)
	require.Equal(t, []string{"a2"}, ids(view.Records()))
}

func TestViewHandlesReschedules(t *testing.T) {
	view := seededView()

	leaving := record("a1", otherDate, "scheduled")
	result := view.Apply([]syncproto.ChangeEvent{rescheduleEvent(t, leaving, viewDate, 200)})
	require.Equal(t, 1, result.Applied)
	_, present := view.Record("a1")
	require.False(t, present)

	arriving := record("z9", viewDate, "scheduled")
	result = view.Apply([]syncproto.ChangeEvent{rescheduleEvent(t, arriving, otherDate, 210)})
	require.Equal(t, 1, result.Applied)
	_, present = view.Record("z9")
	require.True(t, present)

	sameDay := record("a2", viewDate, "scheduled")
	sameDay.StartTime = "15:30"
	result = view.Apply([]syncproto.ChangeEvent{rescheduleEvent(t, sameDay, viewDate, 220)})
	require.Equal(t, 1, result.Applied)
	moved, _ := view.Record("a2")
	require.Equal(t, "15:30", moved.StartTime)

	elsewhere := record("q1", "2025-08-20", "scheduled")
	result = view.Apply([]syncproto.ChangeEvent{rescheduleEvent(t, elsewhere, otherDate, 230)})
	require.Equal(t, ApplyResult{Ignored: 1}, result)
}

func TestViewSkipsMalformedEvents(t *testing.T) {
	view := seededView()
	result := view.Apply([]syncproto.ChangeEvent{{
		EventID:       "bad",
		Kind:          syncproto.KindStatusChange,
		TenantID:      "clinic-1",
		AppointmentID: "a1",
		RelevantDate:  viewDate,
		OccurredAt:    200,
	}, {
		EventID:       "weird",
		Kind:          "merged",
		TenantID:      "clinic-1",
		AppointmentID: "a1",
		RelevantDate:  viewDate,
		OccurredAt:    201,
	}})
	require.Equal(t, ApplyResult{Skipped: 2}, result)
}

func ids(records []syncproto.AppointmentRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
