package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clinic is a tenant with one service, two doctors and a fixed clock.
type clinic struct {
	store    *memStore
	tenantID uuid.UUID
	service  ClinicService
	alice    Doctor
	bob      Doctor
	loc      *time.Location
	now      time.Time
}

// 2025-03-10 is a Monday.
var bookingDate = Date{Year: 2025, Month: time.March, Day: 10}

func newClinic(t *testing.T, slotMinutes int) *clinic {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	store := newMemStore()
	tenantID := uuid.New()
	store.setConfig(ClinicSlotConfig{TenantID: tenantID, SlotDurationMinutes: slotMinutes, Timezone: "America/New_York"})

	svc := store.addService(tenantID, "consultation")
	c := &clinic{
		store:    store,
		tenantID: tenantID,
		service:  svc,
		alice:    store.addDoctor(tenantID, "Alice Adams", svc),
		bob:      store.addDoctor(tenantID, "Bob Brown", svc),
		loc:      loc,
		now:      Date{Year: 2025, Month: time.March, Day: 9}.At(NewTimeOfDay(12, 0), loc),
	}
	store.addDateWindow(c.alice, bookingDate, NewTimeOfDay(9, 0), NewTimeOfDay(11, 0))
	store.addWeeklyWindow(c.bob, time.Monday, NewTimeOfDay(14, 0), NewTimeOfDay(15, 0))
	return c
}

func (c *clinic) scheduler(locker Locker, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return c.now }
	}
	opts.Logger = zerolog.Nop()
	return NewService(c.store, c.store, locker, opts)
}

func (c *clinic) slot(h, m int) string {
	return bookingDate.At(NewTimeOfDay(h, m), c.loc).Format(time.RFC3339)
}

func (c *clinic) guest(doctor Doctor, h, m int) GuestBookingRequest {
	id := doctor.ID
	return GuestBookingRequest{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		SlotStart:   c.slot(h, m),
		Phone:       "+1 555 010 2030",
		Name:        "jane doe",
	}
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []BookingNotice
	err     error
}

func (n *recordingNotifier) AppointmentBooked(_ context.Context, notice BookingNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return n.err
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes []string
	slots    []int
}

func (m *recordingMetrics) ObserveAvailability(slots int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots = append(m.slots, slots)
}

func (m *recordingMetrics) ObserveBooking(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func TestComputeAvailabilityGroupsByDoctor(t *testing.T) {
	c := newClinic(t, 30)
	metrics := &recordingMetrics{}
	svc := c.scheduler(nil, Options{Metrics: metrics})

	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		Date:        "2025-03-10",
	})
	require.NoError(t, err)
	require.Len(t, slots, 6)

	for i, s := range slots[:4] {
		assert.Equal(t, c.alice.ID, s.DoctorID)
		assert.Equal(t, "Alice Adams", s.DoctorName)
		assert.Equal(t, bookingDate.At(NewTimeOfDay(9, 30*i), c.loc).UTC(), s.Start.UTC())
	}
	for _, s := range slots[4:] {
		assert.Equal(t, c.bob.ID, s.DoctorID)
	}
	assert.Equal(t, bookingDate.At(NewTimeOfDay(14, 0), c.loc).UTC(), slots[4].Start.UTC())
	assert.Equal(t, []int{6}, metrics.slots)
}

func TestComputeAvailabilityForOneDoctor(t *testing.T) {
	c := newClinic(t, 60)
	svc := c.scheduler(nil, Options{})
	id := c.bob.ID

	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		Date:        "2025-03-10",
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, c.bob.ID, slots[0].DoctorID)
}

func TestComputeAvailabilityDedupesOverlappingWindows(t *testing.T) {
	c := newClinic(t, 30)
	c.store.addWeeklyWindow(c.alice, time.Monday, NewTimeOfDay(10, 0), NewTimeOfDay(12, 0))
	svc := c.scheduler(nil, Options{})
	id := c.alice.ID

	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		Date:        "2025-03-10",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30"}, startsIn(slots, c.loc))
}

func TestComputeAvailabilityAcrossSpringForward(t *testing.T) {
	c := newClinic(t, 30)
	springForward := Date{Year: 2025, Month: time.March, Day: 9}
	c.now = Date{Year: 2025, Month: time.March, Day: 8}.At(NewTimeOfDay(12, 0), c.loc)
	c.store.addDateWindow(c.alice, springForward, NewTimeOfDay(1, 0), NewTimeOfDay(4, 0))
	svc := c.scheduler(nil, Options{})
	id := c.alice.ID
	query := AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		Date:        "2025-03-09",
	}

	slots, err := svc.ComputeAvailability(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, []string{"01:00", "01:30", "03:00", "03:30"}, startsIn(slots, c.loc))
	for i, s := range slots {
		assert.Equal(t, 30*time.Minute, s.End.Sub(s.Start), "slot %d", i)
		if i > 0 {
			assert.True(t, s.Start.After(slots[i-1].Start), "slot %d", i)
		}
	}
	assert.Equal(t, time.Date(2025, time.March, 9, 6, 30, 0, 0, time.UTC), slots[1].Start.UTC())
	assert.Equal(t, time.Date(2025, time.March, 9, 7, 0, 0, 0, time.UTC), slots[1].End.UTC())

	req := c.guest(c.alice, 0, 0)
	req.SlotStart = "2025-03-09T01:30:00-05:00"
	_, err = svc.CreateGuestBooking(context.Background(), req)
	require.NoError(t, err)

	slots, err = svc.ComputeAvailability(context.Background(), query)
	require.NoError(t, err)
	assert.Equal(t, []string{"01:00", "03:00", "03:30"}, startsIn(slots, c.loc))
}

func TestComputeAvailabilityHidesBookedSlots(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(nil, Options{})

	_, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 30))
	require.NoError(t, err)

	id := c.alice.ID
	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		Date:        "2025-03-10",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "10:00", "10:30"}, startsIn(slots, c.loc))
}

func TestComputeAvailabilityDefaultsToClinicToday(t *testing.T) {
	c := newClinic(t, 30)
	c.now = bookingDate.At(NewTimeOfDay(10, 5), c.loc)
	svc := c.scheduler(nil, Options{})
	id := c.alice.ID

	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"10:30"}, startsIn(slots, c.loc))
}

func TestComputeAvailabilityErrors(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(nil, Options{})
	ctx := context.Background()

	_, err := svc.ComputeAvailability(ctx, AvailabilityQuery{TenantID: c.tenantID, ServiceSlug: "surgery", Date: "2025-03-10"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ComputeAvailability(ctx, AvailabilityQuery{TenantID: uuid.New(), ServiceSlug: "consultation", Date: "2025-03-10"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.ComputeAvailability(ctx, AvailabilityQuery{TenantID: c.tenantID, ServiceSlug: "consultation", Date: "10/03/2025"})
	assert.ErrorIs(t, err, ErrBadRequest)

	unknown := uuid.New()
	_, err = svc.ComputeAvailability(ctx, AvailabilityQuery{TenantID: c.tenantID, ServiceSlug: "consultation", DoctorID: &unknown, Date: "2025-03-10"})
	assert.ErrorIs(t, err, ErrNotFound)

	other := c.store.addDoctor(c.tenantID, "Carol Clark")
	_, err = svc.ComputeAvailability(ctx, AvailabilityQuery{TenantID: c.tenantID, ServiceSlug: "consultation", DoctorID: &other.ID, Date: "2025-03-10"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestComputeAvailabilityPropagatesLedgerFailure(t *testing.T) {
	c := newClinic(t, 30)
	c.store.conflictErr = errors.New("connection reset")
	svc := c.scheduler(nil, Options{})

	_, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID: c.tenantID, ServiceSlug: "consultation", Date: "2025-03-10",
	})
	require.Error(t, err)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestComputeAvailabilityFallsBackWithoutConfig(t *testing.T) {
	c := newClinic(t, 30)
	delete(c.store.configs, c.tenantID)
	svc := c.scheduler(nil, Options{DefaultLocation: c.loc})
	id := c.alice.ID

	slots, err := svc.ComputeAvailability(context.Background(), AvailabilityQuery{
		TenantID: c.tenantID, ServiceSlug: "consultation", DoctorID: &id, Date: "2025-03-10",
	})
	require.NoError(t, err)
	assert.Len(t, slots, 4)
}

func startsIn(slots []Slot, loc *time.Location) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.In(loc).Format("15:04"))
	}
	return out
}

func TestCreateGuestBooking(t *testing.T) {
	c := newClinic(t, 30)
	notifier := &recordingNotifier{}
	metrics := &recordingMetrics{}
	locker := newMutexLocker()
	svc := c.scheduler(locker, Options{Notifier: notifier, Metrics: metrics})

	req := c.guest(c.alice, 9, 0)
	req.ConsultationType = "video"
	req.Notes = "  follow-up  "

	res, err := svc.CreateGuestBooking(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, c.alice.ID, res.DoctorID)
	assert.Equal(t, 30, res.DurationMinutes)
	assert.Equal(t, bookingDate.At(NewTimeOfDay(9, 0), c.loc).UTC(), res.ScheduledAt)

	appt, err := svc.GetAppointment(context.Background(), c.tenantID, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, ModeVirtual, appt.Mode)
	assert.Equal(t, "follow-up", appt.Notes)
	assert.Equal(t, c.service.ID, appt.ServiceID)
	assert.Equal(t, res.PatientID, appt.PatientID)

	patient, err := c.store.GetPatient(context.Background(), c.tenantID, res.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "Jane", patient.FirstName)
	assert.Equal(t, "+15550102030", patient.Phone)
	assert.Equal(t, PlaceholderEmail("+15550102030"), patient.Email)

	require.Len(t, c.store.events, 1)
	assert.Equal(t, EventAppointmentBooked, c.store.events[0].EventType)
	assert.Equal(t, res.AppointmentID, *c.store.events[0].AppointmentID)
	var payload bookedEventPayload
	require.NoError(t, json.Unmarshal(c.store.events[0].Payload, &payload))
	assert.True(t, payload.Guest)
	assert.Equal(t, c.tenantID, payload.TenantID)
	assert.Equal(t, c.alice.ID, payload.DoctorID)
	assert.Equal(t, res.PatientID, payload.PatientID)
	assert.Equal(t, c.service.ID, payload.ServiceID)
	assert.True(t, payload.ScheduledAt.Equal(res.ScheduledAt))
	assert.Equal(t, 30, payload.SlotDurationMinutes)

	require.Len(t, notifier.notices, 1)
	assert.True(t, notifier.notices[0].Guest)
	assert.Equal(t, "Alice Adams", notifier.notices[0].DoctorName)
	assert.Equal(t, []string{"booked"}, metrics.outcomes)
	assert.Equal(t, 1, locker.calls)
}

func TestCreateGuestBookingAssignsFirstOfferingDoctor(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(nil, Options{})

	req := c.guest(c.alice, 9, 0)
	req.DoctorID = nil

	res, err := svc.CreateGuestBooking(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, c.alice.ID, res.DoctorID)
}

func TestCreateGuestBookingRejectsDoubleBooking(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(newMutexLocker(), Options{})
	ctx := context.Background()

	_, err := svc.CreateGuestBooking(ctx, c.guest(c.alice, 9, 0))
	require.NoError(t, err)

	_, err = svc.CreateGuestBooking(ctx, c.guest(c.alice, 9, 0))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, c.store.bookedCount())
}

func TestCreateGuestBookingRejectsOverlapAcrossGranularityChange(t *testing.T) {
	c := newClinic(t, 30)
	ctx := context.Background()

	_, err := c.scheduler(nil, Options{}).CreateGuestBooking(ctx, c.guest(c.alice, 9, 0))
	require.NoError(t, err)

	c.store.setConfig(ClinicSlotConfig{TenantID: c.tenantID, SlotDurationMinutes: 15, Timezone: "America/New_York"})
	svc := c.scheduler(nil, Options{})

	_, err = svc.CreateGuestBooking(ctx, c.guest(c.alice, 9, 15))
	assert.ErrorIs(t, err, ErrConflict)

	_, err = svc.CreateGuestBooking(ctx, c.guest(c.alice, 9, 30))
	assert.NoError(t, err)
}

func TestCreateGuestBookingValidation(t *testing.T) {
	c := newClinic(t, 20)
	svc := c.scheduler(nil, Options{})
	ctx := context.Background()

	cases := map[string]struct {
		mutate func(*GuestBookingRequest)
		want   error
	}{
		"misaligned start": {
			mutate: func(r *GuestBookingRequest) { r.SlotStart = c.slot(9, 30) },
			want:   ErrBadRequest,
		},
		"outside window": {
			mutate: func(r *GuestBookingRequest) { r.SlotStart = c.slot(11, 0) },
			want:   ErrBadRequest,
		},
		"crosses window end": {
			mutate: func(r *GuestBookingRequest) { r.SlotStart = c.slot(10, 50) },
			want:   ErrBadRequest,
		},
		"unparseable start": {
			mutate: func(r *GuestBookingRequest) { r.SlotStart = "tomorrow at nine" },
			want:   ErrBadRequest,
		},
		"short phone": {
			mutate: func(r *GuestBookingRequest) { r.Phone = "123" },
			want:   ErrBadRequest,
		},
		"bad email": {
			mutate: func(r *GuestBookingRequest) { r.Email = "jane@" },
			want:   ErrBadRequest,
		},
		"unknown consultation type": {
			mutate: func(r *GuestBookingRequest) { r.ConsultationType = "carrier pigeon" },
			want:   ErrBadRequest,
		},
		"unknown service": {
			mutate: func(r *GuestBookingRequest) { r.ServiceSlug = "surgery" },
			want:   ErrNotFound,
		},
		"unknown doctor": {
			mutate: func(r *GuestBookingRequest) { id := uuid.New(); r.DoctorID = &id },
			want:   ErrNotFound,
		},
		"other tenant": {
			mutate: func(r *GuestBookingRequest) { r.TenantID = uuid.New() },
			want:   ErrNotFound,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			req := c.guest(c.alice, 9, 20)
			tc.mutate(&req)
			_, err := svc.CreateGuestBooking(ctx, req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Zero(t, c.store.bookedCount())
}

func TestCreateGuestBookingRejectsDoctorNotOfferingService(t *testing.T) {
	c := newClinic(t, 30)
	carol := c.store.addDoctor(c.tenantID, "Carol Clark")
	c.store.addDateWindow(carol, bookingDate, NewTimeOfDay(9, 0), NewTimeOfDay(11, 0))
	svc := c.scheduler(nil, Options{})

	_, err := svc.CreateGuestBooking(context.Background(), c.guest(carol, 9, 0))
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCreateGuestBookingRejectsPastSlot(t *testing.T) {
	c := newClinic(t, 30)
	c.now = bookingDate.At(NewTimeOfDay(10, 5), c.loc)
	svc := c.scheduler(nil, Options{})

	_, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 30))
	assert.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 10, 30))
	assert.NoError(t, err)
}

func TestCreateGuestBookingWithoutOfferingDoctors(t *testing.T) {
	c := newClinic(t, 30)
	c.store.addService(c.tenantID, "dermatology")
	svc := c.scheduler(nil, Options{})

	req := c.guest(c.alice, 9, 0)
	req.ServiceSlug = "dermatology"
	req.DoctorID = nil

	_, err := svc.CreateGuestBooking(context.Background(), req)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestCreateGuestBookingLockContention(t *testing.T) {
	c := newClinic(t, 30)
	metrics := &recordingMetrics{}
	svc := c.scheduler(busyLocker{}, Options{Metrics: metrics})

	_, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 0))
	assert.ErrorIs(t, err, ErrConflict)
	assert.ErrorIs(t, err, ErrLockContended)
	assert.Equal(t, []string{"conflict"}, metrics.outcomes)
	assert.Zero(t, c.store.bookedCount())
}

func TestCreateGuestBookingWithoutLockBackend(t *testing.T) {
	c := newClinic(t, 30)
	locker := &downLocker{}
	metrics := &recordingMetrics{}
	svc := c.scheduler(locker, Options{Metrics: metrics})

	res, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 0))
	require.NoError(t, err)
	assert.Equal(t, c.alice.ID, res.DoctorID)
	assert.Equal(t, 1, c.store.bookedCount())

	_, err = svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 0))
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, c.store.bookedCount())
	assert.Equal(t, 2, locker.calls)
	assert.Equal(t, []string{"booked", "conflict"}, metrics.outcomes)
}

func TestCreateGuestBookingSurvivesNotifierFailure(t *testing.T) {
	c := newClinic(t, 30)
	notifier := &recordingNotifier{err: errors.New("smtp down")}
	svc := c.scheduler(nil, Options{Notifier: notifier})

	res, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 0))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, res.AppointmentID)
	assert.Len(t, notifier.notices, 1)
}

func TestCreateBooking(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(nil, Options{})
	patient := c.store.addPatient(Patient{TenantID: c.tenantID, FirstName: "Ann", LastName: "Lee", Email: "ann@example.com", Phone: "5550001111"})
	id := c.bob.ID

	res, err := svc.CreateBooking(context.Background(), BookingRequest{
		TenantID:    c.tenantID,
		ServiceSlug: "consultation",
		DoctorID:    &id,
		SlotStart:   c.slot(14, 30),
		PatientID:   &patient.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, patient.ID, res.PatientID)

	appt, err := svc.GetAppointment(context.Background(), c.tenantID, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, ModeInPerson, appt.Mode)
}

func TestCreateBookingRequiresPatient(t *testing.T) {
	c := newClinic(t, 30)
	svc := c.scheduler(nil, Options{})

	_, err := svc.CreateBooking(context.Background(), BookingRequest{
		TenantID: c.tenantID, ServiceSlug: "consultation", SlotStart: c.slot(9, 0),
	})
	assert.ErrorIs(t, err, ErrUnauthorized)

	unknown := uuid.New()
	_, err = svc.CreateBooking(context.Background(), BookingRequest{
		TenantID: c.tenantID, ServiceSlug: "consultation", SlotStart: c.slot(9, 0), PatientID: &unknown,
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetAppointmentNotFound(t *testing.T) {
	c := newClinic(t, 30)
	_, err := c.scheduler(nil, Options{}).GetAppointment(context.Background(), c.tenantID, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentIdenticalBookingsAtMostOneSucceeds(t *testing.T) {
	cases := map[string]Locker{
		"doctor-day lock":    newMutexLocker(),
		"storage constraint": nil,
	}

	for name, locker := range cases {
		t.Run(name, func(t *testing.T) {
			c := newClinic(t, 30)
			c.store.overlapCheckDelay = 20 * time.Millisecond
			svc := c.scheduler(locker, Options{})

			const attempts = 8
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				succeeded int
				conflicts int
			)
			start := make(chan struct{})
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := svc.CreateGuestBooking(context.Background(), c.guest(c.alice, 9, 0))
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err == nil:
						succeeded++
					case errors.Is(err, ErrConflict):
						conflicts++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, 1, succeeded)
			assert.Equal(t, attempts-1, conflicts)
			assert.Equal(t, 1, c.store.bookedCount())
		})
	}
}
