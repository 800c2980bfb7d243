package appointments

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
)

// mutation is a validated change request ready to be resolved against the
// stored row.
type mutation struct {
	kind            syncproto.ChangeKind
	tenantID        string
	appointmentID   string
	expectedVersion int64
	actorID         string

	created       *Appointment
	status        Status
	scheduledDate string
	startTime     string
}

// mutationOutcome carries the row to save, its audit record and the change
// event to publish once the transaction commits. Identifiers are assigned by
// the service.
type mutationOutcome struct {
	Updated *Appointment
	Audit   *AppointmentChange
	Event   syncproto.ChangeEvent
}

func resolveMutation(existing *Appointment, change mutation, appliedAt time.Time) (mutationOutcome, error) {
	var stored Appointment
	if change.kind == syncproto.KindNewAppointment {
		if existing != nil {
			return mutationOutcome{}, fmt.Errorf("%w: appointment %s already exists", ErrVersionConflict, change.appointmentID)
		}
		stored = *change.created
		stored.CreatedAtSeconds = appliedAt.Unix()
	} else {
		if existing == nil || existing.IsDeleted {
			return mutationOutcome{}, ErrNotFound
		}
		if change.expectedVersion > 0 && existing.Version != change.expectedVersion {
			return mutationOutcome{}, fmt.Errorf("%w: expected version %d, stored %d", ErrVersionConflict, change.expectedVersion, existing.Version)
		}
		stored = *existing
	}

	updated := stored
	previousDate := ""
	switch change.kind {
	case syncproto.KindStatusChange:
		updated.Status = change.status
	case syncproto.KindRescheduled:
		previousDate = stored.ScheduledDate
		updated.ScheduledDate = change.scheduledDate
		if change.startTime != "" {
			updated.StartTime = change.startTime
		}
	case syncproto.KindDeletedAppointment:
		updated.IsDeleted = true
	}

	updated.UpdatedAtSeconds = appliedAt.Unix()
	if updated.UpdatedAtSeconds < updated.CreatedAtSeconds {
		updated.CreatedAtSeconds = updated.UpdatedAtSeconds
	}
	nextVersion := stored.Version + 1
	if change.kind == syncproto.KindNewAppointment || nextVersion <= 0 {
		nextVersion = 1
	}
	updated.Version = nextVersion

	payload, err := eventPayload(change.kind, updated)
	if err != nil {
		return mutationOutcome{}, err
	}

	audit := &AppointmentChange{
		TenantID:         updated.TenantID,
		AppointmentID:    updated.AppointmentID,
		AppliedAtSeconds: appliedAt.Unix(),
		ActorID:          change.actorID,
		Kind:             change.kind,
		PreviousDate:     previousDate,
		ScheduledDate:    updated.ScheduledDate,
		PayloadJSON:      string(payload),
		NewVersion:       pointerTo(updated.Version),
	}
	if change.kind != syncproto.KindNewAppointment {
		audit.PreviousVersion = pointerTo(stored.Version)
	}

	return mutationOutcome{
		Updated: &updated,
		Audit:   audit,
		Event: syncproto.ChangeEvent{
			Kind:          change.kind,
			TenantID:      updated.TenantID,
			AppointmentID: updated.AppointmentID,
			RelevantDate:  updated.ScheduledDate,
			PreviousDate:  previousDate,
			Payload:       payload,
		},
	}, nil
}

func eventPayload(kind syncproto.ChangeKind, updated Appointment) ([]byte, error) {
	switch kind {
	case syncproto.KindStatusChange:
		return syncproto.EncodePayload(syncproto.StatusPayload{Status: string(updated.Status), Version: updated.Version})
	case syncproto.KindDeletedAppointment:
		return nil, nil
	default:
		return syncproto.EncodePayload(updated.Record())
	}
}

func pointerTo(value int64) *int64 {
	v := value
	return &v
}
