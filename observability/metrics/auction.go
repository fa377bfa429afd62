package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// AuctionMetrics aggregates the counters and gauges maintained by the fill,
// cancel, settlement and dispatch paths.
type AuctionMetrics struct {
	fillsRecorded    *prometheus.CounterVec
	fillsRejected    *prometheus.CounterVec
	cancellations    prometheus.Counter
	settlements      *prometheus.CounterVec
	dispatchOutcomes *prometheus.CounterVec
	outboxPending    prometheus.Gauge
}

var (
	auctionOnce     sync.Once
	auctionRegistry *AuctionMetrics
)

// Auction returns the process-wide auction metrics, registering the
// collectors on first use.
func Auction() *AuctionMetrics {
	auctionOnce.Do(func() {
		auctionRegistry = &AuctionMetrics{
			fillsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_fills_recorded_total",
				Help: "Count of dispositions committed by fill mode (exact_in, exact_out).",
			}, []string{"mode"}),
			fillsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_fills_rejected_total",
				Help: "Count of rejected fill attempts by error class.",
			}, []string{"reason"}),
			cancellations: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "auction_cancellations_total",
				Help: "Count of sponsor cancellations committed to the ledger.",
			}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_settlements_total",
				Help: "Count of settle-or-register outcomes by mode.",
			}, []string{"mode"}),
			dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "auction_dispatch_total",
				Help: "Count of notification dispatch attempts by outcome.",
			}, []string{"outcome"}),
			outboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "auction_dispatch_outbox_pending",
				Help: "Number of deliveries waiting in the dispatch outbox.",
			}),
		}
		prometheus.MustRegister(
			auctionRegistry.fillsRecorded,
			auctionRegistry.fillsRejected,
			auctionRegistry.cancellations,
			auctionRegistry.settlements,
			auctionRegistry.dispatchOutcomes,
			auctionRegistry.outboxPending,
		)
	})
	return auctionRegistry
}

// ObserveFill records a committed disposition for the given pricing mode.
func (m *AuctionMetrics) ObserveFill(mode string) {
	if m == nil {
		return
	}
	m.fillsRecorded.WithLabelValues(mode).Inc()
}

// ObserveFillRejected records a failed fill attempt by error class.
func (m *AuctionMetrics) ObserveFillRejected(reason string) {
	if m == nil {
		return
	}
	m.fillsRejected.WithLabelValues(reason).Inc()
}

// ObserveCancellation records a committed cancellation.
func (m *AuctionMetrics) ObserveCancellation() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

// ObserveSettlement records a settle-or-register outcome.
func (m *AuctionMetrics) ObserveSettlement(mode string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(mode).Inc()
}

// ObserveDispatch records a dispatch attempt outcome ("ok", "bad_ack",
// "error").
func (m *AuctionMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// SetOutboxPending updates the pending-delivery gauge.
func (m *AuctionMetrics) SetOutboxPending(n int) {
	if m == nil {
		return
	}
	m.outboxPending.Set(float64(n))
}
