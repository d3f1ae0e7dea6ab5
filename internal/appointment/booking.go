package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// BookingRequest is a booking by an authenticated patient.
type BookingRequest struct {
	TenantID    uuid.UUID
	ServiceSlug string
	DoctorID    *uuid.UUID
	SlotStart   string // RFC 3339 instant
	Mode        string
	Notes       string
	PatientID   *uuid.UUID
}

// GuestBookingRequest is a booking by an unauthenticated caller who is
// identified by phone and optionally email.
type GuestBookingRequest struct {
	TenantID         uuid.UUID
	ServiceSlug      string
	DoctorID         *uuid.UUID
	SlotStart        string
	ConsultationType string
	Notes            string
	Phone            string
	Email            string
	Name             string
}

type BookingResult struct {
	AppointmentID   uuid.UUID
	ScheduledAt     time.Time
	DoctorID        uuid.UUID
	PatientID       uuid.UUID
	DurationMinutes int
}

// patientResolver finds the patient inside the booking transaction.
type patientResolver func(ctx context.Context, tx Store) (*Patient, error)

type bookingPlan struct {
	tenantID    uuid.UUID
	serviceSlug string
	doctorID    *uuid.UUID
	slotStart   string
	mode        BookingMode
	notes       string
	guest       bool
}

// CreateBooking books a slot for the authenticated patient.
func (s *Service) CreateBooking(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if req.PatientID == nil || *req.PatientID == uuid.Nil {
		return nil, s.finish(unauthorized("booking requires an authenticated patient"), time.Now())
	}
	mode, err := ParseBookingMode(req.Mode)
	if err != nil {
		return nil, s.finish(err, time.Now())
	}

	patientID := *req.PatientID
	plan := bookingPlan{
		tenantID:    req.TenantID,
		serviceSlug: req.ServiceSlug,
		doctorID:    req.DoctorID,
		slotStart:   req.SlotStart,
		mode:        mode,
		notes:       req.Notes,
	}
	return s.book(ctx, plan, func(ctx context.Context, tx Store) (*Patient, error) {
		p, err := tx.GetPatient(ctx, req.TenantID, patientID)
		if err != nil {
			if errors.Is(err, ErrPatientNotFound) {
				return nil, notFound("patient %s not found", patientID)
			}
			return nil, fmt.Errorf("load patient: %w", err)
		}
		return p, nil
	})
}

// CreateGuestBooking books a slot for a caller identified by phone, finding,
// creating or refreshing their patient record.
func (s *Service) CreateGuestBooking(ctx context.Context, req GuestBookingRequest) (*BookingResult, error) {
	started := time.Now()
	mode, err := ParseBookingMode(req.ConsultationType)
	if err != nil {
		return nil, s.finish(err, started)
	}
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, s.finish(err, started)
	}
	email, err := NormalizeEmail(req.Email)
	if err != nil {
		return nil, s.finish(err, started)
	}

	identity := GuestIdentity{Phone: phone, Email: email, Name: req.Name}
	plan := bookingPlan{
		tenantID:    req.TenantID,
		serviceSlug: req.ServiceSlug,
		doctorID:    req.DoctorID,
		slotStart:   req.SlotStart,
		mode:        mode,
		notes:       req.Notes,
		guest:       true,
	}
	return s.book(ctx, plan, func(ctx context.Context, tx Store) (*Patient, error) {
		return ResolveGuestPatient(ctx, tx, req.TenantID, identity)
	})
}

// book runs validate, resolve, align, contain, lock, check, resolve patient,
// insert, then fires side effects. Nothing is written before the insert.
func (s *Service) book(ctx context.Context, plan bookingPlan, resolvePatient patientResolver) (*BookingResult, error) {
	ctx, span := tracer.Start(ctx, "appointment.book")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", plan.tenantID.String()),
		attribute.String("clinic.service", plan.serviceSlug),
		attribute.Bool("clinic.guest", plan.guest),
	)
	started := time.Now()

	svc, err := s.resolveService(ctx, s.store, plan.tenantID, plan.serviceSlug)
	if err != nil {
		return nil, s.finish(err, started)
	}

	doctor, err := s.assignDoctor(ctx, plan.tenantID, svc, plan.doctorID)
	if err != nil {
		return nil, s.finish(err, started)
	}

	start, err := parseSlotStart(plan.slotStart)
	if err != nil {
		return nil, s.finish(err, started)
	}

	settings, err := s.clinicSettings(ctx, plan.tenantID)
	if err != nil {
		return nil, s.finish(err, started)
	}

	if err := ValidateSlotAlignment(start, settings.minutes, settings.location); err != nil {
		return nil, s.finish(err, started)
	}
	if start.Before(s.now()) {
		return nil, s.finish(badRequest("selected slot has already started"), started)
	}

	end := start.Add(settings.duration())
	date := DateOf(start.In(settings.location))

	windows, err := windowsFor(ctx, s.store, plan.tenantID, doctor.ID, date)
	if err != nil {
		return nil, s.finish(err, started)
	}
	if !windowsContain(windows, date, start, settings.duration(), settings.location) {
		return nil, s.finish(badRequest("doctor is not available for the selected slot"), started)
	}

	appt := &Appointment{
		ID:                  uuid.New(),
		TenantID:            plan.tenantID,
		DoctorID:            doctor.ID,
		ServiceID:           svc.ID,
		ScheduledAt:         start.UTC(),
		SlotDurationMinutes: settings.minutes,
		Status:              StatusScheduled,
		Mode:                plan.mode,
		Notes:               strings.TrimSpace(plan.notes),
	}

	var patient *Patient
	commit := func(ctx context.Context) error {
		return s.store.InTx(ctx, func(tx Store) error {
			taken, err := tx.ExistsOverlappingAppointment(ctx, plan.tenantID, doctor.ID, start, end, nil)
			if err != nil {
				return fmt.Errorf("check conflict: %w", err)
			}
			if taken {
				return conflict(nil, "selected slot is already booked")
			}

			patient, err = resolvePatient(ctx, tx)
			if err != nil {
				return err
			}
			appt.PatientID = patient.ID

			if err := tx.InsertAppointment(ctx, appt); err != nil {
				if errors.Is(err, ErrOverlap) {
					return conflict(err, "selected slot is already booked")
				}
				return fmt.Errorf("insert appointment: %w", err)
			}

			ev, err := bookedEvent(appt, plan.guest)
			if err != nil {
				return err
			}
			return tx.InsertEvent(ctx, ev)
		})
	}

	if s.locker != nil {
		key := DoctorDay{TenantID: plan.tenantID, DoctorID: doctor.ID, Date: date}
		err = s.locker.WithDoctorDayLock(ctx, key, commit)
		switch {
		case errors.Is(err, ErrLockContended):
			err = conflict(err, "slot is currently being booked, please retry")
		case errors.Is(err, ErrLockUnavailable):
			// The exclusion constraint still rejects overlapping inserts.
			s.logger.Warn().
				Err(err).
				Str("tenant_id", plan.tenantID.String()).
				Str("doctor_day", key.String()).
				Msg("doctor-day lock unavailable, booking without it")
			err = commit(ctx)
		}
	} else {
		err = commit(ctx)
	}
	if err != nil {
		span.RecordError(err)
		return nil, s.finish(err, started)
	}

	s.logger.Info().
		Str("tenant_id", plan.tenantID.String()).
		Str("appointment_id", appt.ID.String()).
		Str("doctor_id", doctor.ID.String()).
		Str("patient_id", patient.ID.String()).
		Time("scheduled_at", appt.ScheduledAt).
		Bool("guest", plan.guest).
		Msg("appointment booked")

	s.fireSideEffects(ctx, BookingNotice{
		TenantID:        plan.tenantID,
		AppointmentID:   appt.ID,
		DoctorID:        doctor.ID,
		DoctorName:      doctor.Name,
		ServiceName:     svc.Name,
		PatientID:       patient.ID,
		PatientName:     patient.FullName(),
		PatientEmail:    patient.Email,
		ScheduledAt:     appt.ScheduledAt,
		DurationMinutes: appt.SlotDurationMinutes,
		Location:        settings.location,
		Mode:            appt.Mode,
		Guest:           plan.guest,
	})

	s.finish(nil, started)
	return &BookingResult{
		AppointmentID:   appt.ID,
		ScheduledAt:     appt.ScheduledAt,
		DoctorID:        doctor.ID,
		PatientID:       patient.ID,
		DurationMinutes: appt.SlotDurationMinutes,
	}, nil
}

// assignDoctor validates an explicit doctor or picks the first doctor
// offering the service.
func (s *Service) assignDoctor(ctx context.Context, tenantID uuid.UUID, svc *ClinicService, doctorID *uuid.UUID) (*Doctor, error) {
	doctors, err := s.resolveDoctors(ctx, s.store, tenantID, svc, doctorID)
	if err != nil {
		return nil, err
	}
	if len(doctors) == 0 {
		return nil, badRequest("no doctor is available for service %q", svc.Slug)
	}
	return &doctors[0], nil
}

func parseSlotStart(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, badRequest("invalid slot timestamp %q, expected an ISO-8601 instant", raw)
	}
	return t, nil
}

// bookedEventPayload is the booking_events payload of EventAppointmentBooked.
type bookedEventPayload struct {
	TenantID            uuid.UUID `json:"tenant_id"`
	DoctorID            uuid.UUID `json:"doctor_id"`
	PatientID           uuid.UUID `json:"patient_id"`
	ServiceID           uuid.UUID `json:"service_id"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	Guest               bool      `json:"guest"`
}

func bookedEvent(a *Appointment, guest bool) (BookingEvent, error) {
	payload, err := json.Marshal(bookedEventPayload{
		TenantID:            a.TenantID,
		DoctorID:            a.DoctorID,
		PatientID:           a.PatientID,
		ServiceID:           a.ServiceID,
		ScheduledAt:         a.ScheduledAt,
		SlotDurationMinutes: a.SlotDurationMinutes,
		Guest:               guest,
	})
	if err != nil {
		return BookingEvent{}, fmt.Errorf("encode booking event: %w", err)
	}
	id := a.ID
	return BookingEvent{
		EventType:     EventAppointmentBooked,
		AppointmentID: &id,
		Payload:       payload,
	}, nil
}

// fireSideEffects never fails the booking; the appointment is already committed.
func (s *Service) fireSideEffects(ctx context.Context, n BookingNotice) {
	if s.notifier == nil {
		return
	}
	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.sideEffectTimeout)
	defer cancel()

	if err := s.notifier.AppointmentBooked(sideCtx, n); err != nil {
		s.logger.Warn().
			Err(err).
			Str("appointment_id", n.AppointmentID.String()).
			Msg("booking side effects failed")
	}
}

// finish records the booking outcome and passes err through.
func (s *Service) finish(err error, started time.Time) error {
	if s.metrics != nil {
		outcome := "booked"
		if err != nil {
			outcome = KindOf(err).String()
		}
		s.metrics.ObserveBooking(outcome, time.Since(started))
	}
	return err
}
