package syncproto

// FilterForDate returns the subset of events a viewer of date should see, in
// their original order. Reschedules that cross dates are split: the origin
// date sees a deleted_appointment and the destination date sees a
// new_appointment carrying the moved record.
func FilterForDate(events []ChangeEvent, date string) []ChangeEvent {
	if date == "" || len(events) == 0 {
		return nil
	}
	var filtered []ChangeEvent
	for _, event := range events {
		if event.Kind != KindRescheduled {
			if event.RelevantDate == date {
				filtered = append(filtered, event)
			}
			continue
		}
		switch {
		case event.PreviousDate == date && event.RelevantDate == date:
			filtered = append(filtered, event)
		case event.PreviousDate == date:
			removal := event
			removal.Kind = KindDeletedAppointment
			removal.RelevantDate = date
			removal.PreviousDate = ""
			removal.Payload = nil
			filtered = append(filtered, removal)
		case event.RelevantDate == date:
			insertion := event
			insertion.Kind = KindNewAppointment
			insertion.PreviousDate = ""
			filtered = append(filtered, insertion)
		}
	}
	return filtered
}
