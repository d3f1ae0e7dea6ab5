package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrServiceNotFound      = errors.New("service not found")
	ErrDoctorNotFound       = errors.New("doctor not found")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")
	ErrClinicConfigNotFound = errors.New("clinic slot config not found")

	// ErrOverlap is returned by InsertAppointment when the storage layer
	// rejects a range that overlaps another non-cancelled appointment.
	ErrOverlap = errors.New("appointment overlaps an existing booking")

	// ErrDuplicatePatient is returned when a patient with the same
	// tenant, phone and email already exists.
	ErrDuplicatePatient = errors.New("patient already exists")

	// ErrLockContended is wrapped by Locker implementations that gave up
	// waiting for a doctor-day lock.
	ErrLockContended = errors.New("doctor schedule is locked by another booking")

	// ErrLockUnavailable is wrapped by Locker implementations that could not
	// reach their lock backend. The callback has not run.
	ErrLockUnavailable = errors.New("doctor-day lock backend unavailable")
)

// WindowStore reads doctor availability windows.
type WindowStore interface {
	FindWindowsByDoctorAndDate(ctx context.Context, tenantID, doctorID uuid.UUID, date Date) ([]AvailabilityWindow, error)
	FindWindowsByDoctorAndWeekday(ctx context.Context, tenantID, doctorID uuid.UUID, weekday time.Weekday) ([]AvailabilityWindow, error)
}

// Ledger persists appointments.
type Ledger interface {
	// ExistsOverlappingAppointment reports whether a non-cancelled appointment
	// of the doctor intersects [start, end).
	ExistsOverlappingAppointment(ctx context.Context, tenantID, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	GetAppointment(ctx context.Context, tenantID, id uuid.UUID) (*Appointment, error)
}

// Directory resolves services and the doctors who offer them.
type Directory interface {
	GetServiceBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*ClinicService, error)
	GetDoctor(ctx context.Context, tenantID, doctorID uuid.UUID) (*Doctor, error)
	// FindDoctorsOfferingService returns active doctors ordered by name.
	FindDoctorsOfferingService(ctx context.Context, tenantID, serviceID uuid.UUID) ([]Doctor, error)
}

type PatientStore interface {
	GetPatient(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error)
	FindPatientByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Patient, error)
	FindPatientByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*Patient, error)
	CreatePatient(ctx context.Context, p *Patient) error
	UpdatePatient(ctx context.Context, p *Patient) error
}

type EventLog interface {
	InsertEvent(ctx context.Context, ev BookingEvent) error
}

type ClinicConfigStore interface {
	FindClinicSlotConfig(ctx context.Context, tenantID uuid.UUID) (*ClinicSlotConfig, error)
}

// Store is every contract the scheduler needs inside one transaction.
type Store interface {
	WindowStore
	Ledger
	Directory
	PatientStore
	EventLog
}

// TxStore runs fn against a Store bound to a single transaction. The
// transaction commits only when fn returns nil.
type TxStore interface {
	Store
	InTx(ctx context.Context, fn func(tx Store) error) error
}

// DoctorDay identifies one doctor's schedule on one clinic-local date.
type DoctorDay struct {
	TenantID uuid.UUID
	DoctorID uuid.UUID
	Date     Date
}

func (k DoctorDay) String() string {
	return k.TenantID.String() + ":" + k.DoctorID.String() + ":" + k.Date.String()
}

// Locker serializes bookings for the same doctor-day across processes.
type Locker interface {
	WithDoctorDayLock(ctx context.Context, key DoctorDay, fn func(ctx context.Context) error) error
}
