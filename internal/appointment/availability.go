package appointment

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

type AvailabilityQuery struct {
	TenantID    uuid.UUID
	ServiceSlug string
	DoctorID    *uuid.UUID
	// Date is YYYY-MM-DD in the clinic timezone; empty means today.
	Date string
}

// ComputeAvailability returns the bookable slots of every candidate doctor on
// the requested date, grouped by doctor and chronological within a doctor.
func (s *Service) ComputeAvailability(ctx context.Context, q AvailabilityQuery) ([]Slot, error) {
	ctx, span := tracer.Start(ctx, "appointment.compute_availability")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", q.TenantID.String()),
		attribute.String("clinic.service", q.ServiceSlug),
	)
	started := time.Now()

	settings, err := s.clinicSettings(ctx, q.TenantID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	svc, err := s.resolveService(ctx, s.store, q.TenantID, q.ServiceSlug)
	if err != nil {
		return nil, err
	}

	now := s.now().In(settings.location)
	today := DateOf(now)
	date := today
	if strings.TrimSpace(q.Date) != "" {
		if date, err = ParseDate(q.Date); err != nil {
			return nil, badRequest("invalid date %q, expected YYYY-MM-DD", q.Date)
		}
	}

	doctors, err := s.resolveDoctors(ctx, s.store, q.TenantID, svc, q.DoctorID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(doctors, func(i, j int) bool {
		if doctors[i].Name != doctors[j].Name {
			return doctors[i].Name < doctors[j].Name
		}
		return doctors[i].ID.String() < doctors[j].ID.String()
	})

	conflicts := s.conflictCheck(s.store, q.TenantID)
	var slots []Slot
	for _, doctor := range doctors {
		windows, err := windowsFor(ctx, s.store, q.TenantID, doctor.ID, date)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		doctorSlots, err := s.doctorSlots(ctx, windows, date, today, now, settings, conflicts)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		for i := range doctorSlots {
			doctorSlots[i].DoctorName = doctor.Name
		}
		slots = append(slots, doctorSlots...)
	}

	if s.metrics != nil {
		s.metrics.ObserveAvailability(len(slots), time.Since(started))
	}
	s.logger.Debug().
		Str("tenant_id", q.TenantID.String()).
		Str("service", q.ServiceSlug).
		Str("date", date.String()).
		Int("doctors", len(doctors)).
		Int("slots", len(slots)).
		Msg("availability computed")

	return slots, nil
}

// doctorSlots expands every window of one doctor. Overlapping windows yield
// each start once.
func (s *Service) doctorSlots(ctx context.Context, windows []AvailabilityWindow, date, today Date, now time.Time, settings clinicSettings, conflicts ConflictFunc) ([]Slot, error) {
	seen := make(map[time.Time]struct{})
	var result []Slot

	for _, w := range windows {
		req := SlotRequest{
			Window:   w,
			Date:     date,
			Duration: settings.duration(),
			Location: settings.location,
			Today:    today,
			Now:      now,
		}
		for slot, err := range GenerateSlots(ctx, req, conflicts) {
			if err != nil {
				return nil, err
			}
			key := slot.Start.UTC()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, slot)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].Start.Before(result[j].Start)
	})
	return result, nil
}

// conflictCheck binds the overlap query of ledger to one tenant.
func (s *Service) conflictCheck(ledger Ledger, tenantID uuid.UUID) ConflictFunc {
	return func(ctx context.Context, doctorID uuid.UUID, start, end time.Time) (bool, error) {
		return ledger.ExistsOverlappingAppointment(ctx, tenantID, doctorID, start, end, nil)
	}
}
