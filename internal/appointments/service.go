package appointments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "appointments.service.new"
	opListByDate    = "appointments.list_by_date"
	opGet           = "appointments.get"
	opCreate        = "appointments.create"
	opUpdateStatus  = "appointments.update_status"
	opReschedule    = "appointments.reschedule"
	opDelete        = "appointments.delete"
	reasonInvalid   = "invalid_input"
	reasonNotFound  = "not_found"
	reasonConflict  = "version_conflict"
	reasonQuery     = "query_failed"
	reasonIDFailure = "id_generation_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ChangeSink receives committed appointment changes. The realtime hub is the
// production sink.
type ChangeSink interface {
	Publish(event syncproto.ChangeEvent)
}

type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Sink       ChangeSink
	Logger     *zap.Logger
}

// Service persists appointments and feeds committed mutations to the change
// sink. It is also the snapshot source for the realtime router.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	sink       ChangeSink
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		sink:       cfg.Sink,
		logger:     logger,
	}, nil
}

// ListByDate returns the live appointments of a tenant on a date ordered by
// start time. The result is never nil.
func (s *Service) ListByDate(ctx context.Context, tenantID, date string) ([]syncproto.AppointmentRecord, error) {
	tenant, err := validateIdentifier(tenantID, ErrInvalidTenantID)
	if err != nil {
		return nil, newServiceError(opListByDate, reasonInvalid, err)
	}
	day, err := syncproto.ParseDate(date)
	if err != nil {
		return nil, newServiceError(opListByDate, reasonInvalid, err)
	}

	var rows []Appointment
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND scheduled_date = ? AND is_deleted = ?", tenant, day, false).
		Order("start_time ASC").
		Order("appointment_id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListByDate, reasonQuery, err, zap.String("tenant_id", tenant), zap.String("date", day))
		return nil, newServiceError(opListByDate, reasonQuery, err)
	}

	records := make([]syncproto.AppointmentRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.Record())
	}
	return records, nil
}

// Get loads a live appointment.
func (s *Service) Get(ctx context.Context, tenantID, appointmentID string) (Appointment, error) {
	var row Appointment
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND appointment_id = ? AND is_deleted = ?", strings.TrimSpace(tenantID), strings.TrimSpace(appointmentID), false).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Appointment{}, newServiceError(opGet, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, reasonQuery, err, zap.String("tenant_id", tenantID), zap.String("appointment_id", appointmentID))
		return Appointment{}, newServiceError(opGet, reasonQuery, err)
	}
	return row, nil
}

// Create inserts a new appointment and publishes new_appointment.
func (s *Service) Create(ctx context.Context, request NewAppointment) (Appointment, error) {
	tenant, err := validateIdentifier(request.TenantID, ErrInvalidTenantID)
	if err != nil {
		return Appointment{}, newServiceError(opCreate, reasonInvalid, err)
	}
	day, err := syncproto.ParseDate(request.ScheduledDate)
	if err != nil {
		return Appointment{}, newServiceError(opCreate, reasonInvalid, err)
	}
	startTime, err := validateStartTime(request.StartTime)
	if err != nil {
		return Appointment{}, newServiceError(opCreate, reasonInvalid, err)
	}
	status := StatusScheduled
	if strings.TrimSpace(request.Status) != "" {
		if status, err = NormalizeStatus(request.Status); err != nil {
			return Appointment{}, newServiceError(opCreate, reasonInvalid, err)
		}
	}
	details := ""
	if len(request.Details) > 0 {
		if !json.Valid(request.Details) {
			return Appointment{}, newServiceError(opCreate, reasonInvalid, ErrInvalidDetails)
		}
		details = string(request.Details)
	}
	appointmentID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, reasonIDFailure, err, zap.String("tenant_id", tenant))
		return Appointment{}, newServiceError(opCreate, reasonIDFailure, err)
	}

	return s.apply(ctx, opCreate, mutation{
		kind:          syncproto.KindNewAppointment,
		tenantID:      tenant,
		appointmentID: appointmentID,
		actorID:       strings.TrimSpace(request.ActorID),
		created: &Appointment{
			TenantID:      tenant,
			AppointmentID: appointmentID,
			ScheduledDate: day,
			StartTime:     startTime,
			Status:        status,
			PetName:       strings.TrimSpace(request.PetName),
			ClientName:    strings.TrimSpace(request.ClientName),
			DetailsJSON:   details,
		},
	})
}

// UpdateStatus changes the status of an appointment and publishes status_change.
func (s *Service) UpdateStatus(ctx context.Context, request StatusUpdate) (Appointment, error) {
	change, err := s.targetMutation(syncproto.KindStatusChange, request.TenantID, request.AppointmentID, request.ExpectedVersion, request.ActorID)
	if err != nil {
		return Appointment{}, newServiceError(opUpdateStatus, reasonInvalid, err)
	}
	if change.status, err = NormalizeStatus(request.Status); err != nil {
		return Appointment{}, newServiceError(opUpdateStatus, reasonInvalid, err)
	}
	return s.apply(ctx, opUpdateStatus, change)
}

// Reschedule moves an appointment and publishes rescheduled carrying both dates.
func (s *Service) Reschedule(ctx context.Context, request RescheduleRequest) (Appointment, error) {
	change, err := s.targetMutation(syncproto.KindRescheduled, request.TenantID, request.AppointmentID, request.ExpectedVersion, request.ActorID)
	if err != nil {
		return Appointment{}, newServiceError(opReschedule, reasonInvalid, err)
	}
	if change.scheduledDate, err = syncproto.ParseDate(request.ScheduledDate); err != nil {
		return Appointment{}, newServiceError(opReschedule, reasonInvalid, err)
	}
	if change.startTime, err = validateStartTime(request.StartTime); err != nil {
		return Appointment{}, newServiceError(opReschedule, reasonInvalid, err)
	}
	return s.apply(ctx, opReschedule, change)
}

// Delete soft-deletes an appointment and publishes deleted_appointment.
func (s *Service) Delete(ctx context.Context, request DeleteRequest) error {
	change, err := s.targetMutation(syncproto.KindDeletedAppointment, request.TenantID, request.AppointmentID, request.ExpectedVersion, request.ActorID)
	if err != nil {
		return newServiceError(opDelete, reasonInvalid, err)
	}
	_, err = s.apply(ctx, opDelete, change)
	return err
}

func (s *Service) targetMutation(kind syncproto.ChangeKind, tenantID, appointmentID string, expectedVersion int64, actorID string) (mutation, error) {
	tenant, err := validateIdentifier(tenantID, ErrInvalidTenantID)
	if err != nil {
		return mutation{}, err
	}
	appointment, err := validateIdentifier(appointmentID, ErrInvalidAppointmentID)
	if err != nil {
		return mutation{}, err
	}
	return mutation{
		kind:            kind,
		tenantID:        tenant,
		appointmentID:   appointment,
		expectedVersion: expectedVersion,
		actorID:         strings.TrimSpace(actorID),
	}, nil
}

// apply resolves and persists a mutation in one transaction, then hands the
// resulting event to the sink. The sink only sees committed changes.
func (s *Service) apply(ctx context.Context, operation string, change mutation) (Appointment, error) {
	fields := []zap.Field{
		zap.String("tenant_id", change.tenantID),
		zap.String("appointment_id", change.appointmentID),
	}

	var outcome mutationOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Appointment
		var existingPtr *Appointment
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND appointment_id = ?", change.tenantID, change.appointmentID).
			Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			existingPtr = nil
		} else if err != nil {
			s.logError(operation, "appointment_select_failed", err, fields...)
			return newServiceError(operation, "appointment_select_failed", err)
		} else {
			existingPtr = &existing
		}

		outcome, err = resolveMutation(existingPtr, change, s.clock().UTC())
		switch {
		case errors.Is(err, ErrNotFound):
			return newServiceError(operation, reasonNotFound, err)
		case errors.Is(err, ErrVersionConflict):
			return newServiceError(operation, reasonConflict, err)
		case err != nil:
			s.logError(operation, "resolve_failed", err, fields...)
			return newServiceError(operation, "resolve_failed", err)
		}

		if err := tx.Save(outcome.Updated).Error; err != nil {
			s.logError(operation, "appointment_save_failed", err, fields...)
			return newServiceError(operation, "appointment_save_failed", err)
		}

		changeID, err := s.idProvider.NewID()
		if err != nil {
			s.logError(operation, reasonIDFailure, err, fields...)
			return newServiceError(operation, reasonIDFailure, err)
		}
		outcome.Audit.ChangeID = changeID
		outcome.Event.EventID = changeID
		if err := tx.Create(outcome.Audit).Error; err != nil {
			s.logError(operation, "audit_insert_failed", err, fields...)
			return newServiceError(operation, "audit_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Appointment{}, txErr
	}
	// Stamped after commit: a snapshot timestamped later than this event was
	// queried after the change became visible.
	outcome.Event.OccurredAt = s.clock().UnixMilli()

	if s.sink != nil {
		s.sink.Publish(outcome.Event)
	}
	return *outcome.Updated, nil
}

// Changes returns the audit trail of an appointment, oldest first.
func (s *Service) Changes(ctx context.Context, tenantID, appointmentID string) ([]AppointmentChange, error) {
	var changes []AppointmentChange
	if err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND appointment_id = ?", strings.TrimSpace(tenantID), strings.TrimSpace(appointmentID)).
		Order("applied_at_s ASC").
		Order("change_id ASC").
		Find(&changes).Error; err != nil {
		return nil, err
	}
	return changes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("appointments service error", attrs...)
}
