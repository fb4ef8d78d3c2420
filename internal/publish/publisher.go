// Package publish fans committed deltas out to the downstream surfaces:
// the search index, websocket subscribers, and the outbound topic
// stream. Sinks are isolated from each other; one failing sink never
// blocks or poisons the rest.
package publish

import (
	"context"
	"log/slog"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/metrics"
)

// Sink is one delivery target. Deliveries are best-effort: the pipeline
// has already committed, so sink errors are logged and counted, never
// propagated back into ingestion.
type Sink interface {
	Name() string
	DeliverOrders(ctx context.Context, deltas []event.OrderDelta) error
	DeliverActivities(ctx context.Context, deltas []event.ActivityDelta) error
}

type Publisher struct {
	sinks  []Sink
	logger *slog.Logger
}

func New(logger *slog.Logger, sinks ...Sink) *Publisher {
	return &Publisher{
		sinks:  sinks,
		logger: logger.With("component", "publisher"),
	}
}

func (p *Publisher) PublishOrders(ctx context.Context, deltas []event.OrderDelta) {
	deltas = p.filterOrders(deltas)
	if len(deltas) == 0 {
		return
	}
	for _, sink := range p.sinks {
		p.deliver(ctx, sink, "orders", len(deltas), func(ctx context.Context) error {
			return sink.DeliverOrders(ctx, deltas)
		})
	}
}

func (p *Publisher) PublishActivities(ctx context.Context, deltas []event.ActivityDelta) {
	if len(deltas) == 0 {
		return
	}
	for _, sink := range p.sinks {
		p.deliver(ctx, sink, "activities", len(deltas), func(ctx context.Context) error {
			return sink.DeliverActivities(ctx, deltas)
		})
	}
}

// filterOrders drops deltas with no externally visible change. The
// ingester already suppresses storage no-ops; this second gate catches
// changes to internal-only columns.
func (p *Publisher) filterOrders(deltas []event.OrderDelta) []event.OrderDelta {
	out := deltas[:0]
	for _, d := range deltas {
		if d.Before != nil && len(DiffOrders(d.Before, &d.After)) == 0 {
			metrics.SuppressedNoOpsTotal.Inc()
			continue
		}
		out = append(out, d)
	}
	return out
}

func (p *Publisher) deliver(ctx context.Context, sink Sink, what string, count int, fn func(context.Context) error) {
	start := time.Now()

	// Each sink gets its own timeout so a stalled one cannot starve the
	// others through the shared context.
	sinkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := fn(sinkCtx)
	metrics.PublishSinkLatency.WithLabelValues(sink.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PublishedDeltasTotal.WithLabelValues(sink.Name(), "error").Add(float64(count))
		p.logger.Error("sink delivery failed",
			"sink", sink.Name(),
			"what", what,
			"count", count,
			"error", err,
		)
		return
	}
	metrics.PublishedDeltasTotal.WithLabelValues(sink.Name(), "ok").Add(float64(count))
}
