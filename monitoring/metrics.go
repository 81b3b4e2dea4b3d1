package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ticket-engine/models"
)

var (
	ticketsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tickets_issued_total",
			Help: "Tickets issued per event",
		},
		[]string{"event_id"},
	)

	oversellRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oversell_rejected_total",
			Help: "Issuance attempts rejected because capacity was exhausted",
		},
		[]string{"event_id"},
	)

	queueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_operations_total",
			Help: "Waiting list operations by outcome",
		},
		[]string{"operation", "event_id", "status"},
	)

	reconcilePolls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_polls_total",
			Help: "Gateway status polls by outcome",
		},
		[]string{"outcome"},
	)

	gatewayPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_poll_duration_seconds",
			Help:    "Latency of gateway status polls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	waitingDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "waiting_list_depth",
			Help: "Participants currently waiting per event",
		},
		[]string{"event_id"},
	)

	offeredDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "active_offers",
			Help: "Offers currently outstanding per event",
		},
		[]string{"event_id"},
	)

	flaggedPayments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flagged_payments",
			Help: "Payments parked for manual review",
		},
	)
)

// DepthSource is the query side the collector polls. *store.Store
// satisfies it.
type DepthSource interface {
	QueueDepths(ctx context.Context) ([]models.QueueDepth, error)
	FlaggedPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error)
}

type Monitor struct {
	source DepthSource
}

// NewMonitor starts a background collector that refreshes the queue depth
// gauges from the database every 30 seconds.
func NewMonitor(source DepthSource) *Monitor {
	m := &Monitor{source: source}
	go m.collect()
	return m
}

func (m *Monitor) collect() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		m.collectDepths(ctx)
		cancel()
	}
}

func (m *Monitor) collectDepths(ctx context.Context) {
	depths, err := m.source.QueueDepths(ctx)
	if err != nil {
		slog.Warn("monitoring: queue depth collection failed", "error", err)
		return
	}
	for _, d := range depths {
		waitingDepth.WithLabelValues(d.EventID).Set(float64(d.Waiting))
		offeredDepth.WithLabelValues(d.EventID).Set(float64(d.Offered))
	}

	flagged, err := m.source.FlaggedPayments(ctx, 1000)
	if err != nil {
		slog.Warn("monitoring: flagged payment collection failed", "error", err)
		return
	}
	flaggedPayments.Set(float64(len(flagged)))
}

func TrackTicketIssued(eventID string, count int) {
	ticketsIssued.WithLabelValues(eventID).Add(float64(count))
}

func TrackOversellRejected(eventID string) {
	oversellRejected.WithLabelValues(eventID).Inc()
}

func TrackQueueOperation(operation, eventID, status string) {
	queueOperations.WithLabelValues(operation, eventID, status).Inc()
}

// TrackReconcilePoll records one gateway poll. Outcome is one of
// "terminal", "pending", "transient", "rejected".
func TrackReconcilePoll(outcome string, duration time.Duration) {
	reconcilePolls.WithLabelValues(outcome).Inc()
	gatewayPollDuration.Observe(duration.Seconds())
}
