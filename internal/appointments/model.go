package appointments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
)

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusCheckedIn  Status = "checked_in"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusNoShow     Status = "no_show"
)

const (
	maxIdentifierLength = 190
	startTimeLayout     = "15:04"
)

var (
	// ErrInvalidTenantID indicates that a tenant identifier is empty or exceeds storage bounds.
	ErrInvalidTenantID = errors.New("appointments: invalid tenant id")
	// ErrInvalidAppointmentID indicates that an appointment identifier is empty or exceeds storage bounds.
	ErrInvalidAppointmentID = errors.New("appointments: invalid appointment id")
	// ErrInvalidStatus indicates an unknown appointment status.
	ErrInvalidStatus = errors.New("appointments: invalid status")
	// ErrInvalidStartTime indicates a start time that is not HH:MM.
	ErrInvalidStartTime = errors.New("appointments: invalid start time")
	// ErrInvalidDetails indicates that the details document is not valid JSON.
	ErrInvalidDetails = errors.New("appointments: invalid details")
	// ErrNotFound indicates the appointment does not exist or was deleted.
	ErrNotFound = errors.New("appointments: appointment not found")
	// ErrVersionConflict indicates the caller's expected version is stale.
	ErrVersionConflict = errors.New("appointments: version conflict")
)

var statusAliases = map[string]Status{
	"scheduled":   StatusScheduled,
	"booked":      StatusScheduled,
	"checked_in":  StatusCheckedIn,
	"checkedin":   StatusCheckedIn,
	"arrived":     StatusCheckedIn,
	"in_progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"completed":   StatusCompleted,
	"done":        StatusCompleted,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"no_show":     StatusNoShow,
	"noshow":      StatusNoShow,
}

// NormalizeStatus maps raw input, including legacy spellings such as
// "Checked In" or "canceled", onto a canonical Status.
func NormalizeStatus(rawInput string) (Status, error) {
	key := strings.ToLower(strings.TrimSpace(rawInput))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	status, ok := statusAliases[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rawInput)
	}
	return status, nil
}

func validateIdentifier(rawInput string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

func validateStartTime(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", nil
	}
	parsed, err := time.Parse(startTimeLayout, trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidStartTime, trimmed)
	}
	return parsed.Format(startTimeLayout), nil
}

// Appointment models a persisted appointment.
type Appointment struct {
	TenantID         string `gorm:"column:tenant_id;primaryKey;size:190;not null;index:idx_appointments_tenant_date,priority:1"`
	AppointmentID    string `gorm:"column:appointment_id;primaryKey;size:190;not null"`
	ScheduledDate    string `gorm:"column:scheduled_date;size:10;not null;index:idx_appointments_tenant_date,priority:2"`
	StartTime        string `gorm:"column:start_time;size:5;not null;default:''"`
	Status           Status `gorm:"column:status;size:32;not null;default:'scheduled'"`
	PetName          string `gorm:"column:pet_name;size:320;not null;default:''"`
	ClientName       string `gorm:"column:client_name;size:320;not null;default:''"`
	DetailsJSON      string `gorm:"column:details_json;type:text;not null;default:''"`
	Version          int64  `gorm:"column:version;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	IsDeleted        bool   `gorm:"column:is_deleted;not null;default:false;index:idx_appointments_tenant_date,priority:3"`
}

// TableName provides the explicit table binding for GORM.
func (Appointment) TableName() string {
	return "appointments"
}

// Record converts the row into its wire representation.
func (a Appointment) Record() syncproto.AppointmentRecord {
	record := syncproto.AppointmentRecord{
		ID:            a.AppointmentID,
		TenantID:      a.TenantID,
		ScheduledDate: a.ScheduledDate,
		StartTime:     a.StartTime,
		Status:        string(a.Status),
		PetName:       a.PetName,
		ClientName:    a.ClientName,
		Version:       a.Version,
	}
	if a.DetailsJSON != "" {
		record.Details = json.RawMessage(a.DetailsJSON)
	}
	return record
}

// AppointmentChange is the append-only audit trail of appointment mutations.
type AppointmentChange struct {
	ChangeID         string               `gorm:"column:change_id;primaryKey;size:190;not null"`
	TenantID         string               `gorm:"column:tenant_id;size:190;not null;index:idx_appointment_changes_tenant_time,priority:1"`
	AppointmentID    string               `gorm:"column:appointment_id;size:190;not null;index"`
	AppliedAtSeconds int64                `gorm:"column:applied_at_s;not null;index:idx_appointment_changes_tenant_time,priority:2"`
	ActorID          string               `gorm:"column:actor_id;size:190;not null;default:''"`
	Kind             syncproto.ChangeKind `gorm:"column:kind;size:32;not null"`
	PreviousDate     string               `gorm:"column:previous_date;size:10;not null;default:''"`
	ScheduledDate    string               `gorm:"column:scheduled_date;size:10;not null"`
	PayloadJSON      string               `gorm:"column:payload_json;type:text;not null;default:''"`
	PreviousVersion  *int64               `gorm:"column:prev_version"`
	NewVersion       *int64               `gorm:"column:new_version"`
}

// TableName provides the explicit table binding for GORM.
func (AppointmentChange) TableName() string {
	return "appointment_changes"
}

// NewAppointment describes an appointment to create.
type NewAppointment struct {
	TenantID      string
	ScheduledDate string
	StartTime     string
	Status        string
	PetName       string
	ClientName    string
	Details       json.RawMessage
	ActorID       string
}

// StatusUpdate changes the status of an appointment. ExpectedVersion of zero
// skips the optimistic concurrency check.
type StatusUpdate struct {
	TenantID        string
	AppointmentID   string
	Status          string
	ExpectedVersion int64
	ActorID         string
}

// RescheduleRequest moves an appointment to another date and optionally time.
type RescheduleRequest struct {
	TenantID        string
	AppointmentID   string
	ScheduledDate   string
	StartTime       string
	ExpectedVersion int64
	ActorID         string
}

// DeleteRequest soft-deletes an appointment.
type DeleteRequest struct {
	TenantID        string
	AppointmentID   string
	ExpectedVersion int64
	ActorID         string
}
