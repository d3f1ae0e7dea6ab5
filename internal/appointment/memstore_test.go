package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memStore is an in-memory TxStore. Writes are not rolled back when an
// InTx callback fails; tests that care assert on what was written.
type memStore struct {
	mu sync.Mutex

	services     map[uuid.UUID]ClinicService
	doctors      map[uuid.UUID]Doctor
	offers       map[uuid.UUID][]uuid.UUID // service -> doctors
	windows      []AvailabilityWindow
	appointments map[uuid.UUID]Appointment
	patients     map[uuid.UUID]Patient
	events       []BookingEvent
	configs      map[uuid.UUID]ClinicSlotConfig

	// overlapCheckDelay widens the race between check and insert.
	overlapCheckDelay time.Duration
	conflictErr       error
	creates           int
	updates           int
}

func newMemStore() *memStore {
	return &memStore{
		services:     make(map[uuid.UUID]ClinicService),
		doctors:      make(map[uuid.UUID]Doctor),
		offers:       make(map[uuid.UUID][]uuid.UUID),
		appointments: make(map[uuid.UUID]Appointment),
		patients:     make(map[uuid.UUID]Patient),
		configs:      make(map[uuid.UUID]ClinicSlotConfig),
	}
}

func (m *memStore) addService(tenantID uuid.UUID, slug string) ClinicService {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc := ClinicService{ID: uuid.New(), TenantID: tenantID, Slug: slug, Name: strings.ToUpper(slug[:1]) + slug[1:]}
	m.services[svc.ID] = svc
	return svc
}

func (m *memStore) addDoctor(tenantID uuid.UUID, name string, offers ...ClinicService) Doctor {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Doctor{ID: uuid.New(), TenantID: tenantID, Name: name, Active: true}
	m.doctors[d.ID] = d
	for _, svc := range offers {
		m.offers[svc.ID] = append(m.offers[svc.ID], d.ID)
	}
	return d
}

func (m *memStore) addDateWindow(d Doctor, date Date, from, to TimeOfDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, AvailabilityWindow{
		ID: uuid.New(), TenantID: d.TenantID, DoctorID: d.ID,
		StartTime: from, EndTime: to, SpecificDate: &date,
	})
}

func (m *memStore) addWeeklyWindow(d Doctor, day time.Weekday, from, to TimeOfDay) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windows = append(m.windows, AvailabilityWindow{
		ID: uuid.New(), TenantID: d.TenantID, DoctorID: d.ID,
		StartTime: from, EndTime: to, RecurringWeekly: true, DayOfWeek: &day,
	})
}

func (m *memStore) setConfig(cfg ClinicSlotConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.TenantID] = cfg
}

func (m *memStore) addPatient(p Patient) Patient {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	m.patients[p.ID] = p
	return p
}

func (m *memStore) bookedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appointments)
}

func (m *memStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return fn(m)
}

func (m *memStore) FindWindowsByDoctorAndDate(_ context.Context, tenantID, doctorID uuid.UUID, date Date) ([]AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AvailabilityWindow
	for _, w := range m.windows {
		if w.TenantID == tenantID && w.DoctorID == doctorID && w.SpecificDate != nil && *w.SpecificDate == date {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) FindWindowsByDoctorAndWeekday(_ context.Context, tenantID, doctorID uuid.UUID, weekday time.Weekday) ([]AvailabilityWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AvailabilityWindow
	for _, w := range m.windows {
		if w.TenantID == tenantID && w.DoctorID == doctorID && w.RecurringWeekly && w.DayOfWeek != nil && *w.DayOfWeek == weekday {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *memStore) ExistsOverlappingAppointment(_ context.Context, tenantID, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	if m.conflictErr != nil {
		return false, m.conflictErr
	}
	m.mu.Lock()
	taken := m.overlapsLocked(tenantID, doctorID, start, end, exclude)
	m.mu.Unlock()

	if m.overlapCheckDelay > 0 {
		time.Sleep(m.overlapCheckDelay)
	}
	return taken, nil
}

func (m *memStore) overlapsLocked(tenantID, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) bool {
	for _, a := range m.appointments {
		if a.TenantID != tenantID || a.DoctorID != doctorID || a.Status == StatusCancelled {
			continue
		}
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.ScheduledAt.Before(end) && a.EndsAt().After(start) {
			return true
		}
	}
	return false
}

// InsertAppointment enforces overlap like the storage exclusion constraint.
func (m *memStore) InsertAppointment(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overlapsLocked(a.TenantID, a.DoctorID, a.ScheduledAt, a.EndsAt(), nil) {
		return ErrOverlap
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	m.appointments[a.ID] = *a
	return nil
}

func (m *memStore) GetAppointment(_ context.Context, tenantID, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appointments[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *memStore) GetServiceBySlug(_ context.Context, tenantID uuid.UUID, slug string) (*ClinicService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, svc := range m.services {
		if svc.TenantID == tenantID && svc.Slug == slug {
			return &svc, nil
		}
	}
	return nil, ErrServiceNotFound
}

func (m *memStore) GetDoctor(_ context.Context, tenantID, doctorID uuid.UUID) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.doctors[doctorID]
	if !ok || d.TenantID != tenantID {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (m *memStore) FindDoctorsOfferingService(_ context.Context, tenantID, serviceID uuid.UUID) ([]Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Doctor
	for _, id := range m.offers[serviceID] {
		d := m.doctors[id]
		if d.TenantID == tenantID && d.Active {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) GetPatient(_ context.Context, tenantID, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok || p.TenantID != tenantID {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *memStore) findPatient(tenantID uuid.UUID, match func(Patient) bool) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Patient
	for _, p := range m.patients {
		if p.TenantID != tenantID || !match(p) {
			continue
		}
		if best == nil || p.CreatedAt.Before(best.CreatedAt) {
			p := p
			best = &p
		}
	}
	if best == nil {
		return nil, ErrPatientNotFound
	}
	return best, nil
}

func (m *memStore) FindPatientByEmail(_ context.Context, tenantID uuid.UUID, email string) (*Patient, error) {
	return m.findPatient(tenantID, func(p Patient) bool { return p.Email == email })
}

func (m *memStore) FindPatientByPhone(_ context.Context, tenantID uuid.UUID, phone string) (*Patient, error) {
	return m.findPatient(tenantID, func(p Patient) bool { return p.Phone == phone })
}

func (m *memStore) CreatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.patients {
		if existing.TenantID == p.TenantID && existing.Phone == p.Phone && existing.Email == p.Email {
			return ErrDuplicatePatient
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = *p
	m.creates++
	return nil
}

func (m *memStore) UpdatePatient(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.patients[p.ID]; !ok {
		return ErrPatientNotFound
	}
	for id, existing := range m.patients {
		if id != p.ID && existing.TenantID == p.TenantID && existing.Phone == p.Phone && existing.Email == p.Email {
			return ErrDuplicatePatient
		}
	}
	p.UpdatedAt = time.Now()
	m.patients[p.ID] = *p
	m.updates++
	return nil
}

func (m *memStore) InsertEvent(_ context.Context, ev BookingEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) FindClinicSlotConfig(_ context.Context, tenantID uuid.UUID) (*ClinicSlotConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return nil, ErrClinicConfigNotFound
	}
	return &cfg, nil
}

// mutexLocker is a single-process Locker keyed by doctor-day.
type mutexLocker struct {
	mu    sync.Mutex
	locks map[DoctorDay]*sync.Mutex
	calls int
}

func newMutexLocker() *mutexLocker {
	return &mutexLocker{locks: make(map[DoctorDay]*sync.Mutex)}
}

func (l *mutexLocker) WithDoctorDayLock(ctx context.Context, key DoctorDay, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	l.calls++
	l.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx)
}

// busyLocker always reports contention.
type busyLocker struct{}

func (busyLocker) WithDoctorDayLock(context.Context, DoctorDay, func(context.Context) error) error {
	return ErrLockContended
}

// downLocker behaves like a locker whose backend cannot be reached.
type downLocker struct{ calls int }

func (l *downLocker) WithDoctorDayLock(context.Context, DoctorDay, func(context.Context) error) error {
	l.calls++
	return fmt.Errorf("acquire doctor-day lock: %w", errors.Join(ErrLockUnavailable, errors.New("dial tcp: connection refused")))
}
