package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// EmailNotifier sends the booking confirmation to the patient. Guests who
// gave no email only have a placeholder address and get nothing.
type EmailNotifier struct {
	sender EmailSender
}

func NewEmailNotifier(sender EmailSender) *EmailNotifier {
	return &EmailNotifier{sender: sender}
}

func (n *EmailNotifier) AppointmentBooked(ctx context.Context, b appointment.BookingNotice) error {
	if b.PatientEmail == "" || appointment.IsPlaceholderEmail(b.PatientEmail) {
		return nil
	}
	return n.sender.Send(ctx, confirmationEmail(b))
}

func confirmationEmail(b appointment.BookingNotice) EmailMessage {
	loc := b.Location
	if loc == nil {
		loc = time.UTC
	}
	when := b.ScheduledAt.In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST")

	mode := "in person"
	if b.Mode == appointment.ModeVirtual {
		mode = "as a video visit"
	}

	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", greetingName(b.PatientName))
	fmt.Fprintf(&body, "Your %s with %s is booked for %s (%d minutes), %s.\n\n",
		serviceLabel(b.ServiceName), b.DoctorName, when, b.DurationMinutes, mode)
	fmt.Fprintf(&body, "Reference: %s\n", b.AppointmentID)

	return EmailMessage{
		To:      b.PatientEmail,
		ToName:  b.PatientName,
		Subject: "Your appointment is confirmed",
		Body:    body.String(),
	}
}

func greetingName(name string) string {
	if name == "" || name == appointment.GuestFirstName {
		return "there"
	}
	return name
}

func serviceLabel(name string) string {
	if name == "" {
		return "appointment"
	}
	return name
}

// Multi runs every notifier and joins their errors.
type Multi []appointment.Notifier

func (m Multi) AppointmentBooked(ctx context.Context, b appointment.BookingNotice) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.AppointmentBooked(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
