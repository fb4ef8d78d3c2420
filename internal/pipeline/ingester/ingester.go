// Package ingester is the pipeline's single write path: it commits
// normalized records transactionally and hands the resulting deltas to
// the publisher. Publishing happens strictly after commit so sinks
// never observe uncommitted state.
package ingester

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/metrics"
	"github.com/reservoirprotocol/indexer-go/internal/store"
)

// Publisher fans committed deltas out to the downstream sinks.
type Publisher interface {
	PublishOrders(ctx context.Context, deltas []event.OrderDelta)
	PublishActivities(ctx context.Context, deltas []event.ActivityDelta)
}

type Ingester struct {
	db         store.TxBeginner
	orders     store.OrderRepository
	activities store.ActivityRepository
	blocks     store.ChainEventRepository
	publisher  Publisher
	logger     *slog.Logger
}

func New(
	db store.TxBeginner,
	orders store.OrderRepository,
	activities store.ActivityRepository,
	blocks store.ChainEventRepository,
	publisher Publisher,
	logger *slog.Logger,
) *Ingester {
	return &Ingester{
		db:         db,
		orders:     orders,
		activities: activities,
		blocks:     blocks,
		publisher:  publisher,
		logger:     logger.With("component", "ingester"),
	}
}

// Process commits a batch of normalized records in one transaction and
// publishes the deltas after the commit. Records are applied in order;
// an error rolls the whole batch back so redelivery replays it intact.
func (ing *Ingester) Process(ctx context.Context, recs []*event.NormalizedRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()

	tx, err := ing.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		orderDeltas    []event.OrderDelta
		activityDeltas []event.ActivityDelta
	)

	for _, rec := range recs {
		activityInserted := false
		if rec.Activity != nil {
			inserted, err := ing.activities.InsertTx(ctx, tx, rec.Activity)
			if err != nil {
				return fmt.Errorf("insert activity %s: %w", rec.Activity.ID, err)
			}
			activityInserted = inserted
			if inserted {
				activityDeltas = append(activityDeltas, event.ActivityDelta{
					Activity: *rec.Activity,
					Seq:      rec.Seq,
				})
			}

			if rec.Activity.BlockHash != "" {
				if err := ing.blocks.RecordBlockTx(ctx, tx, rec.Activity.BlockNumber, rec.Activity.BlockHash); err != nil {
					return err
				}
			}
		}

		if rec.Order != nil {
			// A fill whose activity already exists is a redelivery; the
			// quantity advance must not apply twice.
			if rec.FillQuantity != "" && rec.Activity != nil && !activityInserted {
				rec.FillQuantity = ""
			}

			res, err := ing.orders.UpsertTx(ctx, tx, rec)
			if err != nil {
				return fmt.Errorf("upsert order %s: %w", rec.Order.ID, err)
			}
			if res.NoOp {
				metrics.OrderUpsertsTotal.WithLabelValues(string(res.After.Kind), "noop").Inc()
				continue
			}

			outcome := "updated"
			if res.Inserted {
				outcome = "inserted"
			}
			metrics.OrderUpsertsTotal.WithLabelValues(string(res.After.Kind), outcome).Inc()

			orderDeltas = append(orderDeltas, event.OrderDelta{
				Before:  res.Before,
				After:   res.After,
				Changed: res.Changed,
				Seq:     rec.Seq,
				Trigger: triggerOf(rec),
			})
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}

	metrics.IngestBatchDuration.Observe(time.Since(start).Seconds())
	metrics.IngestedRecordsTotal.Add(float64(len(recs)))

	ing.publisher.PublishOrders(ctx, orderDeltas)
	ing.publisher.PublishActivities(ctx, activityDeltas)

	ing.logger.Debug("batch committed",
		"records", len(recs),
		"order_deltas", len(orderDeltas),
		"activity_deltas", len(activityDeltas),
		"elapsed", time.Since(start).String(),
	)
	return nil
}

func triggerOf(rec *event.NormalizedRecord) string {
	switch {
	case rec.RevalidationOverride:
		return "revalidation"
	case rec.FillQuantity != "":
		return "fill"
	default:
		return "event"
	}
}
