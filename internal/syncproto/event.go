package syncproto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ChangeKind enumerates appointment mutations carried by the change feed.
type ChangeKind string

const (
	KindStatusChange       ChangeKind = "status_change"
	KindNewAppointment     ChangeKind = "new_appointment"
	KindDeletedAppointment ChangeKind = "deleted_appointment"
	KindRescheduled        ChangeKind = "rescheduled"
)

// ErrInvalidChangeEvent indicates that a change event cannot be routed.
var ErrInvalidChangeEvent = errors.New("syncproto: invalid change event")

// Valid reports whether the kind is one of the supported mutations.
func (k ChangeKind) Valid() bool {
	switch k {
	case KindStatusChange, KindNewAppointment, KindDeletedAppointment, KindRescheduled:
		return true
	default:
		return false
	}
}

// ChangeEvent is a single appointment mutation notification.
// RelevantDate is the date the appointment lives on after the change;
// PreviousDate is only populated for reschedules.
type ChangeEvent struct {
	EventID       string          `json:"eventId"`
	Kind          ChangeKind      `json:"kind"`
	TenantID      string          `json:"tenantId"`
	AppointmentID string          `json:"appointmentId"`
	RelevantDate  string          `json:"relevantDate"`
	PreviousDate  string          `json:"previousDate,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	OccurredAt    int64           `json:"occurredAt"`
}

// Validate checks the routing fields of the event.
func (e ChangeEvent) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidChangeEvent, e.Kind)
	}
	if strings.TrimSpace(e.TenantID) == "" {
		return fmt.Errorf("%w: tenant id required", ErrInvalidChangeEvent)
	}
	if strings.TrimSpace(e.AppointmentID) == "" {
		return fmt.Errorf("%w: appointment id required", ErrInvalidChangeEvent)
	}
	if _, err := ParseDate(e.RelevantDate); err != nil {
		return fmt.Errorf("%w: relevant date: %v", ErrInvalidChangeEvent, err)
	}
	if e.Kind == KindRescheduled {
		if _, err := ParseDate(e.PreviousDate); err != nil {
			return fmt.Errorf("%w: previous date: %v", ErrInvalidChangeEvent, err)
		}
	}
	return nil
}

// RelevantDates lists every calendar date affected by the event.
func (e ChangeEvent) RelevantDates() []string {
	if e.Kind == KindRescheduled && e.PreviousDate != "" && e.PreviousDate != e.RelevantDate {
		return []string{e.PreviousDate, e.RelevantDate}
	}
	return []string{e.RelevantDate}
}

// AppointmentRecord is the appointment shape exchanged with clients. Fields
// beyond id, tenant and date are carried for display only.
type AppointmentRecord struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenantId"`
	ScheduledDate string          `json:"scheduledDate"`
	StartTime     string          `json:"startTime,omitempty"`
	Status        string          `json:"status,omitempty"`
	PetName       string          `json:"petName,omitempty"`
	ClientName    string          `json:"clientName,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	Version       int64           `json:"version"`
}

// StatusPayload is the payload of a status_change event.
type StatusPayload struct {
	Status  string `json:"status"`
	Version int64  `json:"version,omitempty"`
}

// EncodePayload marshals an event payload, returning nil for nil values.
func EncodePayload(value any) (json.RawMessage, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// DecodeRecord extracts the appointment record carried by new_appointment and rescheduled events.
func (e ChangeEvent) DecodeRecord() (AppointmentRecord, error) {
	var record AppointmentRecord
	if len(e.Payload) == 0 {
		return record, fmt.Errorf("%w: %s event without record payload", ErrInvalidChangeEvent, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, &record); err != nil {
		return record, fmt.Errorf("%w: %v", ErrInvalidChangeEvent, err)
	}
	if record.ID == "" {
		record.ID = e.AppointmentID
	}
	if record.ID != e.AppointmentID {
		return record, fmt.Errorf("%w: payload id %q does not match %q", ErrInvalidChangeEvent, record.ID, e.AppointmentID)
	}
	return record, nil
}

// DecodeStatus extracts the payload of a status_change event.
func (e ChangeEvent) DecodeStatus() (StatusPayload, error) {
	var payload StatusPayload
	if len(e.Payload) == 0 {
		return payload, fmt.Errorf("%w: status change without payload", ErrInvalidChangeEvent)
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrInvalidChangeEvent, err)
	}
	if strings.TrimSpace(payload.Status) == "" {
		return payload, fmt.Errorf("%w: empty status", ErrInvalidChangeEvent)
	}
	return payload, nil
}
