package appointment

import "time"

// SlotAlignment is the minute step every slot start must land on:
// gcd(slotMinutes, 60), at least 1. Granularities that do not divide an
// hour (20, 45, 90 minutes) still anchor to a small set of minute marks.
func SlotAlignment(slotMinutes int) int {
	a := gcd(slotMinutes, 60)
	if a < 1 {
		return 1
	}
	return a
}

func gcd(a, b int) int {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// ValidateSlotAlignment checks that start is a legal slot boundary for the
// clinic: a whole minute whose minute-of-hour in loc is a multiple of
// SlotAlignment(slotMinutes).
func ValidateSlotAlignment(start time.Time, slotMinutes int, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	local := start.In(loc)

	if local.Second() != 0 || local.Nanosecond() != 0 {
		return badRequest("slots must start at exact minutes")
	}
	if local.Minute()%SlotAlignment(slotMinutes) != 0 {
		return badRequest("slot start must align with configured interval")
	}
	return nil
}

// windowsContain reports whether [start, start+duration) on date lies fully
// inside one of windows, comparing clinic wall-clock times.
func windowsContain(windows []AvailabilityWindow, date Date, start time.Time, duration time.Duration, loc *time.Location) bool {
	local := start.In(loc)
	if DateOf(local) != date {
		return false
	}
	from := timeOfDayOf(local)
	to := from + TimeOfDay(duration)

	for _, w := range windows {
		if !w.expandable() {
			continue
		}
		if w.StartTime <= from && w.EndTime >= to {
			return true
		}
	}
	return false
}
