package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"blockclear/native/auction"
	"blockclear/observability/metrics"
)

const (
	defaultDrainInterval = 30 * time.Second
	defaultMaxAttempts   = 10
	defaultRatePerSecond = 5
)

// Worker drains the outbox in the background, retrying deliveries until the
// target acknowledges or the attempt budget is spent.
type Worker struct {
	outbox      *Outbox
	notifier    auction.Notifier
	limiter     *rate.Limiter
	interval    time.Duration
	maxAttempts uint32
	metrics     *metrics.AuctionMetrics
	log         *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithDrainInterval overrides how often the outbox is scanned.
func WithDrainInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithMaxAttempts overrides the per-delivery retry budget.
func WithMaxAttempts(n uint32) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithRateLimit overrides the delivery rate toward the target.
func WithRateLimit(perSecond float64) WorkerOption {
	return func(w *Worker) {
		if perSecond > 0 {
			w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// NewWorker constructs a retry worker over an outbox and a dispatcher.
func NewWorker(outbox *Outbox, notifier auction.Notifier, log *slog.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		outbox:      outbox,
		notifier:    notifier,
		limiter:     rate.NewLimiter(rate.Limit(defaultRatePerSecond), 1),
		interval:    defaultDrainInterval,
		maxAttempts: defaultMaxAttempts,
		log:         log,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

// SetMetrics wires the prometheus collectors.
func (w *Worker) SetMetrics(m *metrics.AuctionMetrics) { w.metrics = m }

// Run blocks, draining the outbox on each interval until the context is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain makes one pass over the pending deliveries.
func (w *Worker) Drain(ctx context.Context) {
	pending, err := w.outbox.Pending()
	if err != nil {
		w.log.Error("outbox scan failed", "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.SetOutboxPending(len(pending))
	}
	for _, delivery := range pending {
		if err := w.limiter.Wait(ctx); err != nil {
			return
		}
		if err := w.notifier.Notify(ctx, delivery.Notification); err != nil {
			w.log.Warn("delivery failed",
				"deliveryId", delivery.ID,
				"attempts", delivery.Attempts+1,
				"error", err)
			if delivery.Attempts+1 >= w.maxAttempts {
				w.log.Error("delivery dropped after attempt budget",
					"deliveryId", delivery.ID)
				if err := w.outbox.Acknowledge(delivery.ID); err != nil {
					w.log.Error("drop failed", "deliveryId", delivery.ID, "error", err)
				}
				continue
			}
			if err := w.outbox.MarkAttempt(delivery.ID); err != nil {
				w.log.Error("attempt bump failed", "deliveryId", delivery.ID, "error", err)
			}
			continue
		}
		if err := w.outbox.Acknowledge(delivery.ID); err != nil {
			w.log.Error("acknowledge failed", "deliveryId", delivery.ID, "error", err)
		}
	}
}
