package appointment

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// ConflictFunc reports whether [start, end) is already taken for the doctor.
type ConflictFunc func(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error)

// SlotRequest describes one window expansion. Today and Now are the
// caller's clock readings in the clinic timezone.
type SlotRequest struct {
	Window   AvailabilityWindow
	Date     Date
	Duration time.Duration
	Location *time.Location
	Today    Date
	Now      time.Time
}

// GenerateSlots lazily walks the window in steps of req.Duration and yields
// every slot that fits entirely inside it, has not started yet when the date
// is today, and is not reported taken by conflicts. A trailing remainder
// shorter than the duration is never yielded. An error from conflicts is
// yielded once and ends the sequence.
//
// Every slot lasts exactly req.Duration of real time and starts at or after
// the end of the previous candidate, so on DST transition days wall-clock
// times that resolve backwards or into an earlier slot are skipped.
func GenerateSlots(ctx context.Context, req SlotRequest, conflicts ConflictFunc) iter.Seq2[Slot, error] {
	return func(yield func(Slot, error) bool) {
		if !req.Window.expandable() || req.Duration <= 0 {
			return
		}

		loc := req.Location
		if loc == nil {
			loc = time.UTC
		}
		step := TimeOfDay(req.Duration)
		isToday := req.Date == req.Today

		var prevEnd time.Time
		for pointer := req.Window.StartTime; pointer+step <= req.Window.EndTime; pointer += step {
			start := req.Date.At(pointer, loc)
			end := start.Add(req.Duration)

			if !end.After(start) || start.Before(prevEnd) {
				continue
			}
			prevEnd = end

			if isToday && start.Before(req.Now) {
				continue
			}

			taken, err := conflicts(ctx, req.Window.DoctorID, start, end)
			if err != nil {
				yield(Slot{}, err)
				return
			}
			if taken {
				continue
			}

			if !yield(Slot{DoctorID: req.Window.DoctorID, Start: start, End: end}, nil) {
				return
			}
		}
	}
}
