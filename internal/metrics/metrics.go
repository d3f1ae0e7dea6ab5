package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulingMetrics records availability and booking outcomes.
type SchedulingMetrics struct {
	availabilityRequests prometheus.Counter
	availabilitySlots    prometheus.Histogram
	availabilityLatency  prometheus.Histogram
	bookings             *prometheus.CounterVec
	bookingLatency       *prometheus.HistogramVec
}

// NewSchedulingMetrics registers the collectors with reg.
func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		availabilityRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "availability_requests_total",
			Help:      "Availability computations served",
		}),
		availabilitySlots: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "availability_slots",
			Help:      "Free slots returned per availability request",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 200},
		}),
		availabilityLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "availability_duration_seconds",
			Help:      "Time to compute availability",
			Buckets:   prometheus.DefBuckets,
		}),
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "scheduling",
			Name:      "booking_duration_seconds",
			Help:      "Time to process a booking attempt",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.availabilityRequests,
			m.availabilitySlots,
			m.availabilityLatency,
			m.bookings,
			m.bookingLatency,
		)
	}
	return m
}

func (m *SchedulingMetrics) ObserveAvailability(slots int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.availabilityRequests.Inc()
	m.availabilitySlots.Observe(float64(slots))
	m.availabilityLatency.Observe(elapsed.Seconds())
}

// ObserveBooking takes "booked" or an error kind such as "conflict".
func (m *SchedulingMetrics) ObserveBooking(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(outcome).Inc()
	m.bookingLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
