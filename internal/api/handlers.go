package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/tenancy"
)

// Scheduler is the part of appointment.Service the HTTP layer calls.
type Scheduler interface {
	ComputeAvailability(ctx context.Context, q appointment.AvailabilityQuery) ([]appointment.Slot, error)
	CreateBooking(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingResult, error)
	CreateGuestBooking(ctx context.Context, req appointment.GuestBookingRequest) (*appointment.BookingResult, error)
	GetAppointment(ctx context.Context, tenantID, id uuid.UUID) (*appointment.Appointment, error)
}

const maxBodyBytes = 64 << 10

func availabilityHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, _ := tenancy.TenantIDFromContext(r.Context())
		slug := chi.URLParam(r, "slug")

		doctorID, ok := optionalUUID(w, r.URL.Query().Get("doctor_id"), "doctor_id")
		if !ok {
			return
		}

		date := r.URL.Query().Get("date")
		slots, err := svc.ComputeAvailability(r.Context(), appointment.AvailabilityQuery{
			TenantID:    tenantID,
			ServiceSlug: slug,
			DoctorID:    doctorID,
			Date:        date,
		})
		if err != nil {
			handleSchedulingError(w, r, err)
			return
		}

		resp := AvailabilityResponse{
			Service: slug,
			Date:    date,
			Slots:   make([]SlotResponse, 0, len(slots)),
		}
		for _, s := range slots {
			resp.Slots = append(resp.Slots, SlotResponse{
				DoctorID:   s.DoctorID,
				DoctorName: s.DoctorName,
				Start:      s.Start,
				End:        s.End,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createBookingHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		doctorID, ok := optionalUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		tenantID, _ := tenancy.TenantIDFromContext(r.Context())
		var patientID *uuid.UUID
		if id, ok := PatientIDFromContext(r.Context()); ok {
			patientID = &id
		}

		res, err := svc.CreateBooking(r.Context(), appointment.BookingRequest{
			TenantID:    tenantID,
			ServiceSlug: req.Service,
			DoctorID:    doctorID,
			SlotStart:   req.SlotStart,
			Mode:        req.Mode,
			Notes:       req.Notes,
			PatientID:   patientID,
		})
		if err != nil {
			handleSchedulingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, bookingResponse(res))
	}
}

func createGuestBookingHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GuestBookingRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		doctorID, ok := optionalUUID(w, req.DoctorID, "doctor_id")
		if !ok {
			return
		}

		tenantID, _ := tenancy.TenantIDFromContext(r.Context())
		res, err := svc.CreateGuestBooking(r.Context(), appointment.GuestBookingRequest{
			TenantID:         tenantID,
			ServiceSlug:      req.Service,
			DoctorID:         doctorID,
			SlotStart:        req.SlotStart,
			ConsultationType: req.ConsultationType,
			Notes:            req.Notes,
			Phone:            req.Phone,
			Email:            req.Email,
			Name:             req.Name,
		})
		if err != nil {
			handleSchedulingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, bookingResponse(res))
	}
}

// getAppointmentHandler only shows a patient their own appointments.
func getAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		tenantID, _ := tenancy.TenantIDFromContext(r.Context())
		appt, err := svc.GetAppointment(r.Context(), tenantID, id)
		if err != nil {
			handleSchedulingError(w, r, err)
			return
		}

		patientID, _ := PatientIDFromContext(r.Context())
		if appt.PatientID != patientID {
			writeError(w, http.StatusNotFound, "not_found", "appointment "+id.String()+" not found")
			return
		}

		writeJSON(w, http.StatusOK, AppointmentResponse{
			ID:                  appt.ID,
			DoctorID:            appt.DoctorID,
			PatientID:           appt.PatientID,
			ServiceID:           appt.ServiceID,
			ScheduledAt:         appt.ScheduledAt,
			EndsAt:              appt.EndsAt(),
			SlotDurationMinutes: appt.SlotDurationMinutes,
			Status:              string(appt.Status),
			Mode:                string(appt.Mode),
			Notes:               appt.Notes,
			CreatedAt:           appt.CreatedAt,
		})
	}
}

func bookingResponse(res *appointment.BookingResult) BookingResponse {
	return BookingResponse{
		AppointmentID:   res.AppointmentID,
		ScheduledAt:     res.ScheduledAt,
		DoctorID:        res.DoctorID,
		PatientID:       res.PatientID,
		DurationMinutes: res.DurationMinutes,
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return true
}

func optionalUUID(w http.ResponseWriter, raw, field string) (*uuid.UUID, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+field, field+" must be a valid UUID")
		return nil, false
	}
	return &id, true
}

func handleSchedulingError(w http.ResponseWriter, r *http.Request, err error) {
	kind := appointment.KindOf(err)
	switch kind {
	case appointment.KindNotFound:
		writeError(w, http.StatusNotFound, kind.String(), err.Error())
	case appointment.KindBadRequest:
		writeError(w, http.StatusBadRequest, kind.String(), err.Error())
	case appointment.KindConflict:
		writeError(w, http.StatusConflict, kind.String(), err.Error())
	case appointment.KindUnauthorized:
		writeError(w, http.StatusUnauthorized, kind.String(), err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
