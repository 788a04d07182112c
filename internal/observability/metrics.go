package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OffersCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "offers_created_total", Help: "Offers placed with drivers"})
	OffersAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "offers_accepted_total", Help: "Offers accepted by drivers"})
	OffersDeclined = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "offers_declined_total", Help: "Offers declined by drivers"})
	OffersExpired  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "offers_expired_total", Help: "Offers lapsed without a driver response"})
	OffersLostRace = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "offers_lost_race_total", Help: "Accept attempts rejected because the offer was no longer valid"})
	RidesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "rides_completed_total", Help: "Rides completed and settled"})

	// ZeroDriverPasses is the expected no-supply condition, reported as a
	// metric rather than an error.
	ZeroDriverPasses = promauto.NewCounter(prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "zero_driver_passes_total", Help: "Dispatch passes that found no eligible driver"})
	DriversAvailable = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "kulooc_dispatch", Name: "drivers_available", Help: "Drivers currently eligible for dispatch"})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "kulooc_dispatch",
		Name:      "sweep_duration_seconds",
		Help:      "Sweep pass latency",
		Buckets:   prometheus.DefBuckets,
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "kulooc_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kulooc_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
