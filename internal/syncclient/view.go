package syncclient

import (
	"github.com/MarcoPoloResearchLab/vetsync/backend/internal/syncproto"
	"go.uber.org/zap"
)

// ApplyResult counts how a batch was applied to a view.
type ApplyResult struct {
	Applied int
	Ignored int
	Skipped int
}

// View is the client's working set for one date. It is not safe for
// concurrent use; the Controller serialises access.
type View struct {
	date        string
	order       []string
	records     map[string]syncproto.AppointmentRecord
	lastApplied int64
	logger      *zap.Logger
}

// NewView returns an empty view.
func NewView(logger *zap.Logger) *View {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &View{records: make(map[string]syncproto.AppointmentRecord), logger: logger}
}

// Date returns the date the view holds.
func (v *View) Date() string {
	return v.date
}

// LastAppliedTimestamp returns the newest snapshot or event time applied.
func (v *View) LastAppliedTimestamp() int64 {
	return v.lastApplied
}

// Len returns the number of appointments held.
func (v *View) Len() int {
	return len(v.order)
}

// Record returns the appointment with the given id.
func (v *View) Record(id string) (syncproto.AppointmentRecord, bool) {
	record, ok := v.records[id]
	return record, ok
}

// Records returns the appointments in view order.
func (v *View) Records() []syncproto.AppointmentRecord {
	records := make([]syncproto.AppointmentRecord, 0, len(v.order))
	for _, id := range v.order {
		records = append(records, v.records[id])
	}
	return records
}

// Replace swaps in a full snapshot. The last-applied timestamp never moves
// backwards.
func (v *View) Replace(date string, records []syncproto.AppointmentRecord, timestamp int64) {
	v.date = date
	v.order = make([]string, 0, len(records))
	v.records = make(map[string]syncproto.AppointmentRecord, len(records))
	for _, record := range records {
		if _, duplicate := v.records[record.ID]; duplicate {
			continue
		}
		v.order = append(v.order, record.ID)
		v.records[record.ID] = record
	}
	v.advance(timestamp)
}

// Apply folds a batch of events into the view in order. Events older than
// the last applied timestamp are ignored; events that cannot be applied are
// skipped with a warning.
func (v *View) Apply(events []syncproto.ChangeEvent) ApplyResult {
	var result ApplyResult
	for _, event := range events {
		if event.OccurredAt < v.lastApplied {
			result.Ignored++
			continue
		}
		applied, err := v.applyOne(event)
		switch {
		case err != nil:
			result.Skipped++
			v.logger.Warn("skipping change event",
				zap.String("event_id", event.EventID),
				zap.String("kind", string(event.Kind)),
				zap.String("appointment_id", event.AppointmentID),
				zap.Error(err))
		case applied:
			result.Applied++
		default:
			result.Ignored++
		}
		v.advance(event.OccurredAt)
	}
	return result
}

func (v *View) applyOne(event syncproto.ChangeEvent) (bool, error) {
	switch event.Kind {
	case syncproto.KindStatusChange:
		record, ok := v.records[event.AppointmentID]
		if !ok {
			return false, errUnknownAppointment
		}
		payload, err := event.DecodeStatus()
		if err != nil {
			return false, err
		}
		record.Status = payload.Status
		if payload.Version > 0 {
			record.Version = payload.Version
		}
		v.records[event.AppointmentID] = record
		return true, nil
	case syncproto.KindNewAppointment:
		if event.RelevantDate != v.date {
			return false, nil
		}
		return v.insert(event)
	case syncproto.KindDeletedAppointment:
		if !v.remove(event.AppointmentID) {
			return false, errUnknownAppointment
		}
		return true, nil
	case syncproto.KindRescheduled:
		switch {
		case event.RelevantDate == v.date && event.PreviousDate == v.date:
			record, err := event.DecodeRecord()
			if err != nil {
				return false, err
			}
			if _, ok := v.records[record.ID]; !ok {
				return false, errUnknownAppointment
			}
			v.records[record.ID] = record
			return true, nil
		case event.RelevantDate == v.date:
			return v.insert(event)
		case event.PreviousDate == v.date:
			if !v.remove(event.AppointmentID) {
				return false, errUnknownAppointment
			}
			return true, nil
		default:
			return false, nil
		}
	default:
		return false, syncproto.ErrInvalidChangeEvent
	}
}

func (v *View) insert(event syncproto.ChangeEvent) (bool, error) {
	if _, exists := v.records[event.AppointmentID]; exists {
		return false, nil
	}
	record, err := event.DecodeRecord()
	if err != nil {
		return false, err
	}
	v.order = append(v.order, record.ID)
	v.records[record.ID] = record
	return true, nil
}

func (v *View) remove(id string) bool {
	if _, ok := v.records[id]; !ok {
		return false
	}
	delete(v.records, id)
	for index, candidate := range v.order {
		if candidate == id {
			v.order = append(v.order[:index], v.order[index+1:]...)
			break
		}
	}
	return true
}

func (v *View) advance(timestamp int64) {
	if timestamp > v.lastApplied {
		v.lastApplied = timestamp
	}
}
