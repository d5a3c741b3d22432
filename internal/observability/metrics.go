package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "booking_engine"

var (
	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bookings_created_total", Help: "Bookings created, by kind (new|rebook)"},
		[]string{"kind"},
	)
	BookingOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_request_outcomes_total", Help: "Create/rebook request outcomes by operation and code"},
		[]string{"op", "code"},
	)
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "status_transitions_total", Help: "Booking status transitions"},
		[]string{"from", "to"},
	)
	MatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "matches_total", Help: "Worker match results by mode (preferred|strict_failed|auto|none)"},
		[]string{"mode"},
	)
	MatchLatency  = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Match latency seconds"})
	WorkersOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "workers_online", Help: "Worker location updates accepted since start"})
	Compensations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "payment_compensations_total", Help: "Payment compensations after failed persistence"},
		[]string{"result"},
	)

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open gateway connections"})

	WSEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ws_events_total", Help: "Inbound gateway events by name and outcome"},
		[]string{"event", "outcome"},
	)
	WSDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_dropped_frames_total", Help: "Frames dropped for slow subscribers"})
	TrackingDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "tracking_samples_dropped_total", Help: "Tracking samples dropped, by reason"},
		[]string{"reason"},
	)
	ChatPersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "chat_persist_failures_total", Help: "Chat messages not persisted, by reason (queue_full|store_error|closed)"},
		[]string{"reason"},
	)
	TrackingPersisted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "tracking_samples_persisted_total", Help: "Tracking samples shipped to durable storage"})

	AuditDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "audit_events_dropped_total", Help: "Audit events dropped (buffer full or store error)"})
	NotifyErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notify_errors_total", Help: "Notification sink failures"},
		[]string{"sink"},
	)

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
