package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/db"
	"github.com/hackgods/clinic-scheduling/internal/logging"
	redisclient "github.com/hackgods/clinic-scheduling/internal/redis"
)

// demoTenant is used when SEED_TENANT_ID is unset so the simulator and
// local curl sessions have a stable tenant to point at.
var demoTenant = uuid.MustParse("6f1c2a8e-4b1d-4e5a-9c3f-2d7b8e9a0c11")

type seedConfig struct {
	TenantID     uuid.UUID
	Timezone     string
	SlotMinutes  int
	Doctors      int
	Patients     int
	SpecificDays int
}

var services = []struct {
	Slug string
	Name string
}{
	{"general-consultation", "General Consultation"},
	{"dermatology", "Dermatology"},
	{"cardiology", "Cardiology"},
	{"pediatrics", "Pediatrics"},
	{"physiotherapy", "Physiotherapy"},
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "prod").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("service", "seed").Logger()

	sc, err := loadSeedConfig(cfg.DefaultTimezone)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid seed config")
	}
	logger.Info().
		Str("tenant_id", sc.TenantID.String()).
		Str("timezone", sc.Timezone).
		Int("doctors", sc.Doctors).
		Int("patients", sc.Patients).
		Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	faker := gofakeit.New(0)
	seedCtx := logger.WithContext(context.Background())

	serviceIDs, err := seedClinic(seedCtx, pool, sc)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed clinic")
	}
	if err := evictClinicConfig(seedCtx, cfg, pool, sc.TenantID); err != nil {
		logger.Warn().Err(err).Msg("cached clinic config not evicted, api-servers keep it until the TTL")
	}
	if err := seedDoctors(seedCtx, pool, faker, sc, serviceIDs); err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	if err := seedPatients(seedCtx, pool, faker, sc); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

func loadSeedConfig(defaultTZ string) (seedConfig, error) {
	sc := seedConfig{
		TenantID:     demoTenant,
		Timezone:     getEnv("SEED_TIMEZONE", defaultTZ),
		SlotMinutes:  getInt("SEED_SLOT_MINUTES", 30),
		Doctors:      getInt("SEED_DOCTORS", 12),
		Patients:     getInt("SEED_PATIENTS", 2000),
		SpecificDays: getInt("SEED_SPECIFIC_DAYS", 14),
	}
	if v := os.Getenv("SEED_TENANT_ID"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return seedConfig{}, fmt.Errorf("SEED_TENANT_ID: %w", err)
		}
		sc.TenantID = id
	}
	if _, err := time.LoadLocation(sc.Timezone); err != nil {
		return seedConfig{}, fmt.Errorf("SEED_TIMEZONE %q: %w", sc.Timezone, err)
	}
	if sc.SlotMinutes <= 0 || sc.Doctors <= 0 || sc.Patients < 0 || sc.SpecificDays < 0 {
		return seedConfig{}, fmt.Errorf("seed counts must be positive")
	}
	return sc, nil
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, sc seedConfig) (map[string]uuid.UUID, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO clinic_slot_configs (tenant_id, default_slot_duration_minutes, timezone, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (tenant_id) DO UPDATE
		SET default_slot_duration_minutes = EXCLUDED.default_slot_duration_minutes,
		    timezone = EXCLUDED.timezone,
		    updated_at = now()
	`, sc.TenantID, sc.SlotMinutes, sc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("upsert clinic config: %w", err)
	}

	ids := make(map[string]uuid.UUID, len(services))
	for _, svc := range services {
		var id uuid.UUID
		err := tx.QueryRow(ctx, `
			INSERT INTO services (id, tenant_id, slug, name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, slug) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, uuid.New(), sc.TenantID, svc.Slug, svc.Name).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("upsert service %s: %w", svc.Slug, err)
		}
		ids[svc.Slug] = id
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Int("services", len(ids)).Msg("clinic seeded")
	return ids, nil
}

// evictClinicConfig drops the tenant's cached slot config so running
// api-servers read the seeded duration and timezone on their next request.
func evictClinicConfig(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, tenantID uuid.UUID) error {
	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		PoolSize: 1,
	})
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	cache := redisclient.NewSlotConfigCache(rdb, appointment.NewPgStore(pool), cfg.ConfigCacheTTL, *zerolog.Ctx(ctx))
	return cache.Invalidate(ctx, tenantID)
}

// seedDoctors gives every doctor two or three services, a weekday schedule
// and a handful of one-off date windows over the next SpecificDays days.
func seedDoctors(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, sc seedConfig, serviceIDs map[string]uuid.UUID) error {
	loc, _ := time.LoadLocation(sc.Timezone)
	today := appointment.DateOf(time.Now().In(loc))

	for i := 0; i < sc.Doctors; i++ {
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		doctorID := uuid.New()
		if err := insertDoctor(ctx, tx, faker, sc, doctorID, serviceIDs, today); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	zerolog.Ctx(ctx).Info().Int("doctors", sc.Doctors).Msg("doctors seeded")
	return nil
}

func insertDoctor(ctx context.Context, tx pgx.Tx, faker *gofakeit.Faker, sc seedConfig, doctorID uuid.UUID, serviceIDs map[string]uuid.UUID, today appointment.Date) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO doctors (id, tenant_id, name, active)
		VALUES ($1, $2, $3, TRUE)
	`, doctorID, sc.TenantID, "Dr. "+faker.LastName())
	if err != nil {
		return fmt.Errorf("insert doctor: %w", err)
	}

	order := make([]int, len(services))
	for i := range order {
		order[i] = i
	}
	faker.ShuffleInts(order)
	for _, idx := range order[:faker.Number(2, 3)] {
		_, err := tx.Exec(ctx, `
			INSERT INTO doctor_services (doctor_id, service_id) VALUES ($1, $2)
		`, doctorID, serviceIDs[services[idx].Slug])
		if err != nil {
			return fmt.Errorf("insert doctor service: %w", err)
		}
	}

	morning := faker.Number(0, 1) == 0
	for day := time.Monday; day <= time.Friday; day++ {
		start, end := "09:00", "12:30"
		if !morning {
			start, end = "13:00", "17:00"
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO availability_windows (id, tenant_id, doctor_id, start_time, end_time, recurring_weekly, day_of_week)
			VALUES ($1, $2, $3, $4::time, $5::time, TRUE, $6)
		`, uuid.New(), sc.TenantID, doctorID, start, end, int16(day))
		if err != nil {
			return fmt.Errorf("insert weekly window: %w", err)
		}
	}

	for d := 0; d < sc.SpecificDays; d++ {
		if faker.Number(0, 3) != 0 {
			continue
		}
		date := time.Date(today.Year, today.Month, today.Day+d, 0, 0, 0, 0, time.UTC)
		hour := faker.Number(8, 16)
		_, err := tx.Exec(ctx, `
			INSERT INTO availability_windows (id, tenant_id, doctor_id, start_time, end_time, specific_date, recurring_weekly)
			VALUES ($1, $2, $3, $4::time, $5::time, $6::date, FALSE)
		`, uuid.New(), sc.TenantID, doctorID,
			fmt.Sprintf("%02d:00", hour), fmt.Sprintf("%02d:00", hour+2), date.Format(time.DateOnly))
		if err != nil {
			return fmt.Errorf("insert date window: %w", err)
		}
	}
	return nil
}

// seedPatients stores contact details normalized the same way guest booking
// normalizes them, so guest lookups by phone or email find the seeded rows.
func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, sc seedConfig) error {
	const batchSize = 500

	for offset := 0; offset < sc.Patients; offset += batchSize {
		end := min(offset+batchSize, sc.Patients)

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			phone, err := appointment.NormalizePhone(fmt.Sprintf("+1 %s", faker.Numerify("(###) ###-####")))
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
			email, err := appointment.NormalizeEmail(faker.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}

			_, err = tx.Exec(ctx, `
				INSERT INTO patients (id, tenant_id, first_name, last_name, email, phone)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (tenant_id, phone, email) DO NOTHING
			`, uuid.New(), sc.TenantID, faker.FirstName(), faker.LastName(), email, phone)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		zerolog.Ctx(ctx).Info().Int("seeded", end).Int("total", sc.Patients).Msg("patients batch committed")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
