package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("clinic.internal.appointment")

const EventAppointmentBooked = "APPOINTMENT_BOOKED"

// Notifier receives committed bookings for best-effort side effects.
type Notifier interface {
	AppointmentBooked(ctx context.Context, n BookingNotice) error
}

// BookingNotice is what side effects know about a committed booking.
type BookingNotice struct {
	TenantID        uuid.UUID
	AppointmentID   uuid.UUID
	DoctorID        uuid.UUID
	DoctorName      string
	ServiceName     string
	PatientID       uuid.UUID
	PatientName     string
	PatientEmail    string
	ScheduledAt     time.Time
	DurationMinutes int
	Location        *time.Location
	Mode            BookingMode
	Guest           bool
}

// Recorder observes scheduling outcomes, typically as prometheus metrics.
type Recorder interface {
	ObserveAvailability(slots int, elapsed time.Duration)
	ObserveBooking(outcome string, elapsed time.Duration)
}

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// DefaultLocation is used for clinics without a valid timezone.
	DefaultLocation *time.Location
	Logger          zerolog.Logger
	Notifier        Notifier
	Metrics         Recorder
	// SideEffectTimeout bounds the notifier call after commit.
	SideEffectTimeout time.Duration
}

type Service struct {
	store   TxStore
	configs ClinicConfigStore
	locker  Locker

	now               func() time.Time
	defaultLoc        *time.Location
	logger            zerolog.Logger
	notifier          Notifier
	metrics           Recorder
	sideEffectTimeout time.Duration
}

// NewService wires the scheduler. A nil locker leaves the storage exclusion
// constraint as the only double-booking guard.
func NewService(store TxStore, configs ClinicConfigStore, locker Locker, opts Options) *Service {
	if store == nil {
		panic("appointment: store required")
	}
	if configs == nil {
		panic("appointment: clinic config store required")
	}

	s := &Service{
		store:             store,
		configs:           configs,
		locker:            locker,
		now:               opts.Now,
		defaultLoc:        opts.DefaultLocation,
		logger:            opts.Logger,
		notifier:          opts.Notifier,
		metrics:           opts.Metrics,
		sideEffectTimeout: opts.SideEffectTimeout,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaultLoc == nil {
		s.defaultLoc = time.UTC
	}
	if s.sideEffectTimeout <= 0 {
		s.sideEffectTimeout = 5 * time.Second
	}
	return s
}

// clinicSettings is the effective slot configuration of a tenant.
type clinicSettings struct {
	minutes  int
	location *time.Location
}

func (c clinicSettings) duration() time.Duration {
	return time.Duration(c.minutes) * time.Minute
}

func (s *Service) clinicSettings(ctx context.Context, tenantID uuid.UUID) (clinicSettings, error) {
	cfg, err := s.configs.FindClinicSlotConfig(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrClinicConfigNotFound) {
		return clinicSettings{}, fmt.Errorf("load clinic slot config: %w", err)
	}
	return clinicSettings{
		minutes:  cfg.EffectiveDurationMinutes(),
		location: cfg.Location(s.defaultLoc),
	}, nil
}

func (s *Service) resolveService(ctx context.Context, store Directory, tenantID uuid.UUID, slug string) (*ClinicService, error) {
	svc, err := store.GetServiceBySlug(ctx, tenantID, slug)
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			return nil, notFound("service %q not found", slug)
		}
		return nil, fmt.Errorf("load service: %w", err)
	}
	return svc, nil
}

// resolveDoctors returns the explicitly requested doctor, or every doctor
// offering the service when doctorID is nil.
func (s *Service) resolveDoctors(ctx context.Context, store Directory, tenantID uuid.UUID, svc *ClinicService, doctorID *uuid.UUID) ([]Doctor, error) {
	offering, err := store.FindDoctorsOfferingService(ctx, tenantID, svc.ID)
	if err != nil {
		return nil, fmt.Errorf("load doctors offering service: %w", err)
	}
	if doctorID == nil {
		return offering, nil
	}

	doctor, err := store.GetDoctor(ctx, tenantID, *doctorID)
	if err != nil {
		if errors.Is(err, ErrDoctorNotFound) {
			return nil, notFound("doctor %s not found", *doctorID)
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	for _, d := range offering {
		if d.ID == doctor.ID {
			return []Doctor{d}, nil
		}
	}
	return nil, badRequest("doctor %s does not offer service %q", doctor.ID, svc.Slug)
}

// windowsFor loads the date-specific and the weekly windows of a doctor for date.
func windowsFor(ctx context.Context, store WindowStore, tenantID, doctorID uuid.UUID, date Date) ([]AvailabilityWindow, error) {
	specific, err := store.FindWindowsByDoctorAndDate(ctx, tenantID, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load date windows: %w", err)
	}
	weekly, err := store.FindWindowsByDoctorAndWeekday(ctx, tenantID, doctorID, date.Weekday())
	if err != nil {
		return nil, fmt.Errorf("load weekly windows: %w", err)
	}
	return append(specific, weekly...), nil
}

// GetAppointment returns a booked appointment of the tenant.
func (s *Service) GetAppointment(ctx context.Context, tenantID, id uuid.UUID) (*Appointment, error) {
	appt, err := s.store.GetAppointment(ctx, tenantID, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, notFound("appointment %s not found", id)
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}
