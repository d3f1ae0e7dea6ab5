package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PgStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgStore(mock), mock
}

func TestPgStoreExistsOverlappingAppointment(t *testing.T) {
	store, mock := newMockStore(t)
	tenantID, doctorID := uuid.New(), uuid.New()
	start := time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(tenantID, doctorID, start, end, (*uuid.UUID)(nil)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	taken, err := store.ExistsOverlappingAppointment(context.Background(), tenantID, doctorID, start, end, nil)
	require.NoError(t, err)
	assert.True(t, taken)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInsertAppointmentMapsExclusionViolation(t *testing.T) {
	store, mock := newMockStore(t)
	a := &Appointment{
		ID:                  uuid.New(),
		TenantID:            uuid.New(),
		DoctorID:            uuid.New(),
		PatientID:           uuid.New(),
		ServiceID:           uuid.New(),
		ScheduledAt:         time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC),
		SlotDurationMinutes: 30,
		Status:              StatusScheduled,
		Mode:                ModeInPerson,
	}

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(a.ID, a.TenantID, a.DoctorID, a.PatientID, a.ServiceID, a.ScheduledAt,
			30, a.ScheduledAt.Add(30*time.Minute), "SCHEDULED", "IN_PERSON", "").
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"})

	err := store.InsertAppointment(context.Background(), a)
	assert.ErrorIs(t, err, ErrOverlap)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInsertAppointment(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2025, time.March, 1, 8, 0, 0, 0, time.UTC)
	a := &Appointment{
		TenantID:            uuid.New(),
		DoctorID:            uuid.New(),
		PatientID:           uuid.New(),
		ServiceID:           uuid.New(),
		ScheduledAt:         time.Date(2025, time.March, 10, 14, 0, 0, 0, time.UTC),
		SlotDurationMinutes: 20,
		Status:              StatusScheduled,
		Mode:                ModeVirtual,
		Notes:               "first visit",
	}

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), a.TenantID, a.DoctorID, a.PatientID, a.ServiceID, a.ScheduledAt,
			20, a.ScheduledAt.Add(20*time.Minute), "SCHEDULED", "VIRTUAL", "first visit").
		WillReturnRows(pgxmock.NewRows([]string{"created_at", "updated_at"}).AddRow(created, created))

	require.NoError(t, store.InsertAppointment(context.Background(), a))
	assert.NotEqual(t, uuid.Nil, a.ID)
	assert.Equal(t, created, a.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreCreatePatientReportsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	p := &Patient{TenantID: uuid.New(), FirstName: "Guest", Email: "guest.5550102030@guest.clinic", Phone: "5550102030"}

	mock.ExpectQuery("INSERT INTO patients").
		WithArgs(pgxmock.AnyArg(), p.TenantID, "Guest", "", p.Email, p.Phone).
		WillReturnError(pgx.ErrNoRows)

	err := store.CreatePatient(context.Background(), p)
	assert.ErrorIs(t, err, ErrDuplicatePatient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreUpdatePatientReportsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	p := &Patient{ID: uuid.New(), TenantID: uuid.New(), FirstName: "Jane", Email: "jane@example.com", Phone: "5550102030"}

	mock.ExpectQuery("UPDATE patients").
		WithArgs(p.TenantID, p.ID, "Jane", "", p.Email, p.Phone).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.UpdatePatient(context.Background(), p)
	assert.ErrorIs(t, err, ErrDuplicatePatient)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreNotFoundMapping(t *testing.T) {
	store, mock := newMockStore(t)
	tenantID := uuid.New()
	ctx := context.Background()

	mock.ExpectQuery("FROM services").WithArgs(tenantID, "surgery").WillReturnError(pgx.ErrNoRows)
	_, err := store.GetServiceBySlug(ctx, tenantID, "surgery")
	assert.ErrorIs(t, err, ErrServiceNotFound)

	mock.ExpectQuery("FROM clinic_slot_configs").WithArgs(tenantID).WillReturnError(pgx.ErrNoRows)
	_, err = store.FindClinicSlotConfig(ctx, tenantID)
	assert.ErrorIs(t, err, ErrClinicConfigNotFound)

	id := uuid.New()
	mock.ExpectQuery("FROM patients").WithArgs(tenantID, id).WillReturnError(pgx.ErrNoRows)
	_, err = store.GetPatient(ctx, tenantID, id)
	assert.ErrorIs(t, err, ErrPatientNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreFindClinicSlotConfig(t *testing.T) {
	store, mock := newMockStore(t)
	tenantID := uuid.New()

	mock.ExpectQuery("FROM clinic_slot_configs").
		WithArgs(tenantID).
		WillReturnRows(pgxmock.NewRows([]string{"tenant_id", "default_slot_duration_minutes", "timezone"}).
			AddRow(tenantID, 20, "Europe/Berlin"))

	cfg, err := store.FindClinicSlotConfig(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.EffectiveDurationMinutes())
	assert.Equal(t, "Europe/Berlin", cfg.Timezone)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInTxCommitsOnSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	ev := BookingEvent{EventType: EventAppointmentBooked, Payload: []byte(`{}`)}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO booking_events").
		WithArgs(EventAppointmentBooked, (*uuid.UUID)(nil), []byte(`{}`), (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx Store) error {
		return tx.InsertEvent(context.Background(), ev)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgStoreInTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("slot taken")

	mock.ExpectBegin()
	mock.ExpectRollback()

	err := store.InTx(context.Background(), func(Store) error { return boom })
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
