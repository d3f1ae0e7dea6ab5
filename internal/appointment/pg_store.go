package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/hackgods/clinic-scheduling/internal/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type beginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PgStore implements the scheduling store contracts on Postgres. It is
// satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type PgStore struct {
	db   querier
	pool beginner
}

func NewPgStore(pool beginner) *PgStore {
	return &PgStore{db: pool, pool: pool}
}

// InTx runs fn in a transaction. Inside a transaction it just calls fn.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&PgStore{db: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Helpers

const windowColumns = `id, tenant_id, doctor_id, start_time, end_time, specific_date, recurring_weekly, day_of_week`

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var (
		w            AvailabilityWindow
		start, end   pgtype.Time
		specificDate pgtype.Date
		dayOfWeek    *int16
	)

	err := row.Scan(
		&w.ID,
		&w.TenantID,
		&w.DoctorID,
		&start,
		&end,
		&specificDate,
		&w.RecurringWeekly,
		&dayOfWeek,
	)
	if err != nil {
		return nil, err
	}

	w.StartTime = TimeOfDay(time.Duration(start.Microseconds) * time.Microsecond)
	w.EndTime = TimeOfDay(time.Duration(end.Microseconds) * time.Microsecond)
	if specificDate.Valid {
		d := DateOf(specificDate.Time)
		w.SpecificDate = &d
	}
	if dayOfWeek != nil {
		wd := time.Weekday(*dayOfWeek)
		w.DayOfWeek = &wd
	}
	return &w, nil
}

func collectWindows(rows pgx.Rows) ([]AvailabilityWindow, error) {
	defer rows.Close()

	var result []AvailabilityWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const appointmentColumns = `id, tenant_id, doctor_id, patient_id, service_id, scheduled_at, slot_duration_minutes, status, booking_mode, notes, created_at, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a            Appointment
		status, mode string
	)

	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.DoctorID,
		&a.PatientID,
		&a.ServiceID,
		&a.ScheduledAt,
		&a.SlotDurationMinutes,
		&status,
		&mode,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	if a.Status, err = ParseStatus(status); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	if a.Mode, err = ParseBookingMode(mode); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	return &a, nil
}

const patientColumns = `id, tenant_id, first_name, last_name, email, phone, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&p.FirstName,
		&p.LastName,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}
	return &d, nil
}

func dateParam(d Date) time.Time {
	return d.midnightUTC()
}

// Windows

func (s *PgStore) FindWindowsByDoctorAndDate(ctx context.Context, tenantID, doctorID uuid.UUID, date Date) ([]AvailabilityWindow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+windowColumns+`
		FROM availability_windows
		WHERE tenant_id = $1
		  AND doctor_id = $2
		  AND specific_date = $3
		ORDER BY start_time
	`, tenantID, doctorID, dateParam(date))
	if err != nil {
		return nil, fmt.Errorf("query windows by date: %w", err)
	}
	return collectWindows(rows)
}

func (s *PgStore) FindWindowsByDoctorAndWeekday(ctx context.Context, tenantID, doctorID uuid.UUID, weekday time.Weekday) ([]AvailabilityWindow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+windowColumns+`
		FROM availability_windows
		WHERE tenant_id = $1
		  AND doctor_id = $2
		  AND recurring_weekly
		  AND day_of_week = $3
		ORDER BY start_time
	`, tenantID, doctorID, int16(weekday))
	if err != nil {
		return nil, fmt.Errorf("query windows by weekday: %w", err)
	}
	return collectWindows(rows)
}

// Appointments

func (s *PgStore) ExistsOverlappingAppointment(ctx context.Context, tenantID, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE tenant_id = $1
			  AND doctor_id = $2
			  AND status <> 'CANCELLED'
			  AND scheduled_at < $4
			  AND ends_at > $3
			  AND ($5::uuid IS NULL OR id <> $5)
		)
	`, tenantID, doctorID, start, end, exclude).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check overlapping appointment: %w", err)
	}
	return exists, nil
}

func (s *PgStore) InsertAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO appointments (id, tenant_id, doctor_id, patient_id, service_id, scheduled_at,
		                          slot_duration_minutes, ends_at, status, booking_mode, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, a.ID, a.TenantID, a.DoctorID, a.PatientID, a.ServiceID, a.ScheduledAt,
		a.SlotDurationMinutes, a.EndsAt(), string(a.Status), string(a.Mode), a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if db.IsExclusionViolation(err) {
			return ErrOverlap
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *PgStore) GetAppointment(ctx context.Context, tenantID, id uuid.UUID) (*Appointment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanAppointment(row)
}

// Directory

func (s *PgStore) GetServiceBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*ClinicService, error) {
	var svc ClinicService
	err := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, slug, name
		FROM services
		WHERE tenant_id = $1 AND slug = $2
	`, tenantID, slug).Scan(&svc.ID, &svc.TenantID, &svc.Slug, &svc.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("load service: %w", err)
	}
	return &svc, nil
}

func (s *PgStore) GetDoctor(ctx context.Context, tenantID, doctorID uuid.UUID) (*Doctor, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, tenant_id, name, active
		FROM doctors
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, doctorID)
	return scanDoctor(row)
}

func (s *PgStore) FindDoctorsOfferingService(ctx context.Context, tenantID, serviceID uuid.UUID) ([]Doctor, error) {
	rows, err := s.db.Query(ctx, `
		SELECT d.id, d.tenant_id, d.name, d.active
		FROM doctors d
		JOIN doctor_services ds ON ds.doctor_id = d.id
		WHERE d.tenant_id = $1
		  AND ds.service_id = $2
		  AND d.active
		ORDER BY d.name, d.id
	`, tenantID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("query doctors offering service: %w", err)
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Patients

func (s *PgStore) GetPatient(ctx context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, id)
	return scanPatient(row)
}

func (s *PgStore) FindPatientByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*Patient, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND email = $2
		ORDER BY created_at
		LIMIT 1
	`, tenantID, email)
	return scanPatient(row)
}

func (s *PgStore) FindPatientByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*Patient, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND phone = $2
		ORDER BY created_at
		LIMIT 1
	`, tenantID, phone)
	return scanPatient(row)
}

// CreatePatient inserts p. A concurrent insert of the same tenant/phone/email
// yields ErrDuplicatePatient without aborting the surrounding transaction.
func (s *PgStore) CreatePatient(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	err := s.db.QueryRow(ctx, `
		INSERT INTO patients (id, tenant_id, first_name, last_name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (tenant_id, phone, email) DO NOTHING
		RETURNING created_at, updated_at
	`, p.ID, p.TenantID, p.FirstName, p.LastName, p.Email, p.Phone).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDuplicatePatient
		}
		return fmt.Errorf("insert patient: %w", err)
	}
	return nil
}

func (s *PgStore) UpdatePatient(ctx context.Context, p *Patient) error {
	err := s.db.QueryRow(ctx, `
		UPDATE patients
		SET first_name = $3,
		    last_name = $4,
		    email = $5,
		    phone = $6,
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING updated_at
	`, p.TenantID, p.ID, p.FirstName, p.LastName, p.Email, p.Phone).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPatientNotFound
		}
		if db.IsUniqueViolation(err) {
			return ErrDuplicatePatient
		}
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

// Clinic config

func (s *PgStore) FindClinicSlotConfig(ctx context.Context, tenantID uuid.UUID) (*ClinicSlotConfig, error) {
	var c ClinicSlotConfig
	err := s.db.QueryRow(ctx, `
		SELECT tenant_id, default_slot_duration_minutes, timezone
		FROM clinic_slot_configs
		WHERE tenant_id = $1
	`, tenantID).Scan(&c.TenantID, &c.SlotDurationMinutes, &c.Timezone)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicConfigNotFound
		}
		return nil, fmt.Errorf("load clinic slot config: %w", err)
	}
	return &c, nil
}

// Event logging

func (s *PgStore) InsertEvent(ctx context.Context, ev BookingEvent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO booking_events (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
