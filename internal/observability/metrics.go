package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	CandidateSearchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidate_search_seconds", Help: "FindCandidates latency seconds"})
	CandidatesFound        = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "candidates_found", Help: "Candidates returned per search", Buckets: []float64{0, 1, 2, 3, 5, 8, 10, 20}})
	DispatchRoundsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_rounds_total", Help: "Dispatch rounds started"})
	OffersSentTotal        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Booking offers delivered to providers"})
	DispatchTimeoutsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_timeouts_total", Help: "Dispatch rounds that expired without acceptance"})
	NotifyFailuresTotal    = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Notification sends that failed"},
		[]string{"audience"},
	)
	BookingTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_transitions_total", Help: "Committed booking status transitions"},
		[]string{"status"},
	)
	PaymentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "payment_failures_total", Help: "Payment captures that failed at completion"})
	ProvidersOnline      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "providers_online", Help: "Number of online providers seen by location ingest"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
