package api

import (
	"time"

	"github.com/google/uuid"
)

type BookingRequest struct {
	Service   string `json:"service"`
	DoctorID  string `json:"doctor_id,omitempty"`
	SlotStart string `json:"slot_start"`
	Mode      string `json:"mode,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type GuestBookingRequest struct {
	Service          string `json:"service"`
	DoctorID         string `json:"doctor_id,omitempty"`
	SlotStart        string `json:"slot_start"`
	ConsultationType string `json:"consultation_type,omitempty"`
	Notes            string `json:"notes,omitempty"`
	Phone            string `json:"phone"`
	Email            string `json:"email,omitempty"`
	Name             string `json:"name,omitempty"`
}

type BookingResponse struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	PatientID       uuid.UUID `json:"patient_id"`
	DurationMinutes int       `json:"duration_minutes"`
}

type SlotResponse struct {
	DoctorID   uuid.UUID `json:"doctor_id"`
	DoctorName string    `json:"doctor_name"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

type AvailabilityResponse struct {
	Service string         `json:"service"`
	Date    string         `json:"date,omitempty"`
	Slots   []SlotResponse `json:"slots"`
}

type AppointmentResponse struct {
	ID                  uuid.UUID `json:"id"`
	DoctorID            uuid.UUID `json:"doctor_id"`
	PatientID           uuid.UUID `json:"patient_id"`
	ServiceID           uuid.UUID `json:"service_id"`
	ScheduledAt         time.Time `json:"scheduled_at"`
	EndsAt              time.Time `json:"ends_at"`
	SlotDurationMinutes int       `json:"slot_duration_minutes"`
	Status              string    `json:"status"`
	Mode                string    `json:"mode"`
	Notes               string    `json:"notes,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
