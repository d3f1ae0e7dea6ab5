package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusConfirmed  Status = "CONFIRMED"
	StatusCheckedIn  Status = "CHECKED_IN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
	StatusNoShow     Status = "NO_SHOW"
)

var statusSpellings = map[string]Status{
	"scheduled":   StatusScheduled,
	"booked":      StatusScheduled,
	"confirmed":   StatusConfirmed,
	"checked_in":  StatusCheckedIn,
	"checkedin":   StatusCheckedIn,
	"arrived":     StatusCheckedIn,
	"in_progress": StatusInProgress,
	"inprogress":  StatusInProgress,
	"completed":   StatusCompleted,
	"complete":    StatusCompleted,
	"done":        StatusCompleted,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"no_show":     StatusNoShow,
	"noshow":      StatusNoShow,
}

// ParseStatus normalizes the many stored and client spellings of a status.
func ParseStatus(raw string) (Status, error) {
	if s, ok := statusSpellings[normalizeToken(raw)]; ok {
		return s, nil
	}
	return "", badRequest("unknown appointment status %q", raw)
}

type BookingMode string

const (
	ModeInPerson BookingMode = "IN_PERSON"
	ModeVirtual  BookingMode = "VIRTUAL"
)

var modeSpellings = map[string]BookingMode{
	"in_person":  ModeInPerson,
	"inperson":   ModeInPerson,
	"person":     ModeInPerson,
	"clinic":     ModeInPerson,
	"offline":    ModeInPerson,
	"physical":   ModeInPerson,
	"virtual":    ModeVirtual,
	"online":     ModeVirtual,
	"video":      ModeVirtual,
	"telehealth": ModeVirtual,
	"remote":     ModeVirtual,
}

// ParseBookingMode accepts the booking mode or consultation type supplied by
// a client. An empty value means in person.
func ParseBookingMode(raw string) (BookingMode, error) {
	token := normalizeToken(raw)
	if token == "" {
		return ModeInPerson, nil
	}
	if m, ok := modeSpellings[token]; ok {
		return m, nil
	}
	return "", badRequest("unknown booking mode %q", raw)
}

func normalizeToken(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return s
}

// TimeOfDay is a wall-clock offset from midnight.
type TimeOfDay time.Duration

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

// ParseTimeOfDay parses "15:04" or "15:04:05". "24:00" is accepted as end of day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if s == "24:00" || s == "24:00:00" {
		return TimeOfDay(24 * time.Hour), nil
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return timeOfDayOf(t), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func timeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay(time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second +
		time.Duration(t.Nanosecond()))
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Date is a calendar day with no time zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "2006-01-02"

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// At combines the day with a wall-clock time in loc. A wall-clock time that
// falls in a DST gap resolves the way time.Date resolves it.
func (d Date) At(tod TimeOfDay, loc *time.Location) time.Time {
	rest := time.Duration(tod)
	h := rest / time.Hour
	rest -= h * time.Hour
	m := rest / time.Minute
	rest -= m * time.Minute
	sec := rest / time.Second
	rest -= sec * time.Second
	return time.Date(d.Year, d.Month, d.Day, int(h), int(m), int(sec), int(rest), loc)
}

func (d Date) Weekday() time.Weekday {
	return d.midnightUTC().Weekday()
}

func (d Date) String() string {
	return d.midnightUTC().Format(dateLayout)
}

func (d Date) midnightUTC() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// AvailabilityWindow is a doctor's declared open interval, either on one
// specific date or on a weekday every week.
type AvailabilityWindow struct {
	ID              uuid.UUID
	TenantID        uuid.UUID
	DoctorID        uuid.UUID
	StartTime       TimeOfDay
	EndTime         TimeOfDay
	SpecificDate    *Date
	RecurringWeekly bool
	DayOfWeek       *time.Weekday
}

// expandable reports whether the window names a date or a weekday at all.
func (w AvailabilityWindow) expandable() bool {
	if w.SpecificDate != nil {
		return true
	}
	return w.RecurringWeekly && w.DayOfWeek != nil
}

type Appointment struct {
	ID                  uuid.UUID
	TenantID            uuid.UUID
	DoctorID            uuid.UUID
	PatientID           uuid.UUID
	ServiceID           uuid.UUID
	ScheduledAt         time.Time
	SlotDurationMinutes int
	Status              Status
	Mode                BookingMode
	Notes               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a Appointment) EndsAt() time.Time {
	return a.ScheduledAt.Add(time.Duration(a.SlotDurationMinutes) * time.Minute)
}

const (
	DefaultSlotDurationMinutes = 30
	MinSlotDurationMinutes     = 5
	MaxSlotDurationMinutes     = 240
)

type ClinicSlotConfig struct {
	TenantID            uuid.UUID `json:"tenant_id"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	Timezone            string    `json:"timezone"`
}

// EffectiveDurationMinutes falls back to the default when the config is
// absent or outside the supported range.
func (c *ClinicSlotConfig) EffectiveDurationMinutes() int {
	if c == nil || c.SlotDurationMinutes < MinSlotDurationMinutes || c.SlotDurationMinutes > MaxSlotDurationMinutes {
		return DefaultSlotDurationMinutes
	}
	return c.SlotDurationMinutes
}

// Location resolves the clinic timezone, falling back when it is missing or unknown.
func (c *ClinicSlotConfig) Location(fallback *time.Location) *time.Location {
	if c == nil || c.Timezone == "" {
		return fallback
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fallback
	}
	return loc
}

type Doctor struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
	Active   bool
}

// ClinicService is a bookable offering such as a consultation type.
type ClinicService struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Slug     string
	Name     string
}

type Patient struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	FirstName string
	LastName  string
	Email     string
	Phone     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Patient) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Slot is one bookable interval [Start, End) for a doctor.
type Slot struct {
	DoctorID   uuid.UUID
	DoctorName string
	Start      time.Time
	End        time.Time
}

type BookingEvent struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
