package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/api"
	"github.com/hackgods/clinic-scheduling/internal/config"
	"github.com/hackgods/clinic-scheduling/internal/logging"
)

// SimConfig drives a double-booking race: for each of Rounds open slots,
// Racers guests post a booking for the same doctor and start time at once.
type SimConfig struct {
	APIBaseURL string
	TenantID   uuid.UUID
	Service    string
	Date       string
	Rounds     int
	Racers     int
	Timeout    time.Duration
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]
	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Availability OperationMetrics
	Booking      OperationMetrics
}

type roundResult struct {
	Slot      api.SlotResponse
	Successes int
}

type Simulator struct {
	config  SimConfig
	client  *http.Client
	faker   *gofakeit.Faker
	fakerMu sync.Mutex
	logger  zerolog.Logger
	metrics Metrics
	rounds  []roundResult
}

func main() {
	baseCfg, err := config.Load()
	if err != nil {
		logging.New("info", "prod").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(baseCfg.LogLevel, baseCfg.Env).With().Str("service", "simulate").Logger()

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	logger.Info().
		Str("api", cfg.APIBaseURL).
		Str("tenant_id", cfg.TenantID.String()).
		Str("service", cfg.Service).
		Str("date", cfg.Date).
		Int("rounds", cfg.Rounds).
		Int("racers", cfg.Racers).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		faker:  gofakeit.New(0),
		logger: logger,
	}

	ctx := logger.WithContext(context.Background())
	slots, err := sim.fetchAvailability(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("fetch availability")
	}
	if len(slots) == 0 {
		logger.Fatal().Msg("no open slots, run the seed first or pick another SIM_DATE")
	}
	if len(slots) > cfg.Rounds {
		slots = slots[:cfg.Rounds]
	}

	sim.Run(ctx, slots)
	sim.PrintReport()

	if sim.violations() > 0 {
		os.Exit(1)
	}
}

func loadConfig() (SimConfig, error) {
	cfg := SimConfig{
		APIBaseURL: strings.TrimRight(getEnv("SIM_API_BASE_URL", "http://localhost:8080"), "/"),
		Service:    getEnv("SIM_SERVICE", "general-consultation"),
		Date:       getEnv("SIM_DATE", time.Now().AddDate(0, 0, 1).Format(time.DateOnly)),
		Rounds:     getInt("SIM_ROUNDS", 20),
		Racers:     getInt("SIM_RACERS", 8),
		Timeout:    getDuration("SIM_TIMEOUT", 10*time.Second),
	}

	tenant, err := uuid.Parse(getEnv("SIM_TENANT_ID", "6f1c2a8e-4b1d-4e5a-9c3f-2d7b8e9a0c11"))
	if err != nil {
		return SimConfig{}, fmt.Errorf("SIM_TENANT_ID: %w", err)
	}
	cfg.TenantID = tenant

	if cfg.Rounds <= 0 {
		return SimConfig{}, fmt.Errorf("SIM_ROUNDS must be > 0")
	}
	if cfg.Racers < 2 {
		return SimConfig{}, fmt.Errorf("SIM_RACERS must be >= 2")
	}
	return cfg, nil
}

func (s *Simulator) fetchAvailability(ctx context.Context) ([]api.SlotResponse, error) {
	q := url.Values{}
	q.Set("date", s.config.Date)
	endpoint := fmt.Sprintf("%s/v1/services/%s/availability?%s", s.config.APIBaseURL, url.PathEscape(s.config.Service), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.TenantHeader, s.config.TenantID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Availability.Record(latency, false, false)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		s.metrics.Availability.Record(latency, false, false)
		return nil, fmt.Errorf("availability returned %d", resp.StatusCode)
	}

	var body api.AvailabilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		s.metrics.Availability.Record(latency, false, false)
		return nil, fmt.Errorf("decode availability: %w", err)
	}
	s.metrics.Availability.Record(latency, true, false)
	return body.Slots, nil
}

// Run races one round at a time so per-slot success counts stay attributable.
func (s *Simulator) Run(ctx context.Context, slots []api.SlotResponse) {
	for i, slot := range slots {
		var successes int64
		var wg sync.WaitGroup
		gate := make(chan struct{})

		for r := 0; r < s.config.Racers; r++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-gate
				if s.doBooking(ctx, slot) {
					atomic.AddInt64(&successes, 1)
				}
			}()
		}
		close(gate)
		wg.Wait()

		s.rounds = append(s.rounds, roundResult{Slot: slot, Successes: int(successes)})
		zerolog.Ctx(ctx).Debug().
			Int("round", i+1).
			Str("doctor_id", slot.DoctorID.String()).
			Time("start", slot.Start).
			Int64("successes", successes).
			Msg("round complete")
	}
}

func (s *Simulator) guest() (name, phone, email string) {
	s.fakerMu.Lock()
	defer s.fakerMu.Unlock()
	return s.faker.Name(), "+1" + s.faker.Numerify("##########"), s.faker.Email()
}

func (s *Simulator) doBooking(ctx context.Context, slot api.SlotResponse) bool {
	name, phone, email := s.guest()
	body, err := json.Marshal(api.GuestBookingRequest{
		Service:   s.config.Service,
		DoctorID:  slot.DoctorID.String(),
		SlotStart: slot.Start.Format(time.RFC3339),
		Phone:     phone,
		Email:     email,
		Name:      name,
	})
	if err != nil {
		s.metrics.Booking.Record(0, false, false)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIBaseURL+"/v1/bookings/guest", bytes.NewReader(body))
	if err != nil {
		s.metrics.Booking.Record(0, false, false)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, s.config.TenantID.String())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)

	success, conflict := false, false
	if err == nil {
		defer func() { _ = resp.Body.Close() }()
		success = resp.StatusCode == http.StatusCreated
		conflict = resp.StatusCode == http.StatusConflict
		if !success && !conflict {
			s.logger.Warn().Int("status", resp.StatusCode).Msg("unexpected booking response")
		}
	} else {
		s.logger.Warn().Err(err).Msg("booking request failed")
	}

	s.metrics.Booking.Record(latency, success, conflict)
	return success
}

func (s *Simulator) violations() int {
	n := 0
	for _, r := range s.rounds {
		if r.Successes > 1 {
			n++
		}
	}
	return n
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("DOUBLE-BOOKING RACE REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Service: %s  Date: %s\n", s.config.Service, s.config.Date)
	fmt.Printf("Rounds: %d  Racers per round: %d\n", len(s.rounds), s.config.Racers)
	fmt.Println()

	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Guest booking", &s.metrics.Booking)

	booked, empty := 0, 0
	for _, r := range s.rounds {
		switch {
		case r.Successes == 1:
			booked++
		case r.Successes == 0:
			empty++
		}
	}
	fmt.Printf("Slots booked exactly once: %d\n", booked)
	fmt.Printf("Slots nobody won: %d\n", empty)
	fmt.Printf("Double bookings: %d\n", s.violations())
	for _, r := range s.rounds {
		if r.Successes > 1 {
			fmt.Printf("  doctor=%s start=%s successes=%d\n", r.Slot.DoctorID, r.Slot.Start.Format(time.RFC3339), r.Successes)
		}
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
