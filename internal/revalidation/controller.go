// Package revalidation re-checks persisted orders against current chain
// and cached state, and compensates work derived from orphaned blocks.
// It is the only path allowed to move an order from expired or
// no-balance back to fillable.
package revalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/alert"
	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/metrics"
	"github.com/reservoirprotocol/indexer-go/internal/store"
	storeredis "github.com/reservoirprotocol/indexer-go/internal/store/redis"
)

// ChainSource reads canonical chain facts.
type ChainSource interface {
	BlockHash(ctx context.Context, number int64) (string, error)
}

// Ingestor is the write path revalidation feeds its corrections into.
type Ingestor interface {
	Process(ctx context.Context, recs []*event.NormalizedRecord) error
}

// Locker hands out distributed locks so concurrent instances do not
// re-check the same collection.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// DocDeleter purges documents from the search index by entity-scoped
// id. Optional; nil when no search index is configured.
type DocDeleter interface {
	DeleteByID(ctx context.Context, entity string, ids []string) error
}

type Config struct {
	OrphanScanInterval  time.Duration
	OrphanScanDepth     int
	ExpirySweepInterval time.Duration
	ExpirySweepBatch    int
	ChecksPerSecond     float64
	CollectionLockTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{
		OrphanScanInterval:  30 * time.Second,
		OrphanScanDepth:     64,
		ExpirySweepInterval: time.Minute,
		ExpirySweepBatch:    500,
		ChecksPerSecond:     50,
		CollectionLockTTL:   5 * time.Minute,
	}
}

type Controller struct {
	cfg         Config
	orders      store.OrderRepository
	blocks      store.ChainEventRepository
	activities  store.ActivityRepository
	collections store.CollectionRepository
	adapters    *adapter.Registry
	deps        adapter.CheckDeps
	ingest      Ingestor
	chain       ChainSource
	locks       Locker
	docs        DocDeleter
	alerter     alert.Alerter
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func NewController(
	cfg Config,
	orders store.OrderRepository,
	blocks store.ChainEventRepository,
	activities store.ActivityRepository,
	collections store.CollectionRepository,
	adapters *adapter.Registry,
	deps adapter.CheckDeps,
	ingest Ingestor,
	chain ChainSource,
	locks Locker,
	docs DocDeleter,
	alerter alert.Alerter,
	logger *slog.Logger,
) *Controller {
	if alerter == nil {
		alerter = &alert.NoopAlerter{}
	}
	return &Controller{
		cfg:         cfg,
		orders:      orders,
		blocks:      blocks,
		activities:  activities,
		collections: collections,
		adapters:    adapters,
		deps:        deps,
		ingest:      ingest,
		chain:       chain,
		locks:       locks,
		docs:        docs,
		alerter:     alerter,
		limiter:     rate.NewLimiter(rate.Limit(cfg.ChecksPerSecond), int(cfg.ChecksPerSecond)),
		logger:      logger.With("component", "revalidation"),
	}
}

// Run drives the periodic orphan scan and expiry sweep until ctx ends.
func (c *Controller) Run(ctx context.Context) error {
	orphanTicker := time.NewTicker(c.cfg.OrphanScanInterval)
	defer orphanTicker.Stop()
	expiryTicker := time.NewTicker(c.cfg.ExpirySweepInterval)
	defer expiryTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-orphanTicker.C:
			if err := c.DetectOrphans(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("orphan scan failed", "error", err)
			}
		case <-expiryTicker.C:
			if err := c.SweepExpired(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("expiry sweep failed", "error", err)
			}
		}
	}
}

// RevalidateOrder re-runs the order's protocol preconditions and maps
// the outcome onto the status lattice. The returned record carries the
// override flag, which is what permits expired and no-balance orders to
// return to fillable.
func (c *Controller) RevalidateOrder(ctx context.Context, o *model.Order, opts adapter.CheckOptions) (*event.NormalizedRecord, error) {
	if o.FillabilityStatus.Terminal() {
		return nil, nil
	}
	ad, ok := c.adapters.Get(o.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown order kind: %q", o.Kind)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	pc, err := ad.CheckPreconditions(ctx, o, c.deps, opts)
	if err != nil {
		return nil, fmt.Errorf("check preconditions %s: %w", o.ID, err)
	}

	update := &model.Order{ID: o.ID, Kind: o.Kind}
	switch pc.Kind {
	case adapter.PreconditionOK:
		update.FillabilityStatus = model.FillabilityFillable
		update.ApprovalStatus = model.ApprovalApproved
		if o.ValidUntil > 0 && o.ValidUntil <= time.Now().Unix() {
			update.FillabilityStatus = model.FillabilityExpired
		}
	case adapter.PreconditionNoBalance:
		update.FillabilityStatus = model.FillabilityNoBalance
	case adapter.PreconditionNoApproval:
		update.FillabilityStatus = model.FillabilityFillable
		update.ApprovalStatus = model.ApprovalDisabled
	case adapter.PreconditionCancelled, adapter.PreconditionInvalidTarget:
		update.FillabilityStatus = model.FillabilityCancelled
	case adapter.PreconditionFilled:
		update.FillabilityStatus = model.FillabilityFilled
	default:
		return nil, fmt.Errorf("unknown precondition kind: %q", pc.Kind)
	}

	metrics.RevalidationChecksTotal.WithLabelValues(string(update.FillabilityStatus)).Inc()
	if update.FillabilityStatus == o.FillabilityStatus && update.ApprovalStatus == o.ApprovalStatus {
		return nil, nil
	}

	c.logger.Info("order revalidated",
		"order_id", o.ID,
		"from", o.FillabilityStatus,
		"to", update.FillabilityStatus,
		"detail", pc.Detail,
	)
	return &event.NormalizedRecord{Order: update, RevalidationOverride: true}, nil
}

// RevalidateCollection re-checks every live order on a contract under a
// distributed lock. Large collections are paced harder: the per-order
// delay grows with the token count so a 100k-token collection cannot
// monopolize the limiter.
func (c *Controller) RevalidateCollection(ctx context.Context, contract string, opts adapter.CheckOptions) error {
	unlock, err := c.locks.Acquire(ctx, "revalidate:collection:"+contract, c.cfg.CollectionLockTTL)
	if err != nil {
		if errors.Is(err, storeredis.ErrLockHeld) {
			// Surfaced so the queue reschedules the pass after a backoff
			// instead of silently dropping the request.
			c.logger.Debug("collection revalidation already running", "contract", contract)
			return fmt.Errorf("collection %s: %w", contract, storeredis.ErrLockHeld)
		}
		return fmt.Errorf("acquire collection lock: %w", err)
	}
	defer unlock()

	tokenCount, err := c.collections.TokenCount(ctx, contract)
	if err != nil {
		return err
	}
	delay := collectionPace(tokenCount)

	statuses := []model.FillabilityStatus{
		model.FillabilityFillable,
		model.FillabilityExpired,
		model.FillabilityNoBalance,
	}
	orders, err := c.orders.GetByContract(ctx, contract, statuses)
	if err != nil {
		return err
	}

	var recs []*event.NormalizedRecord
	for i := range orders {
		rec, err := c.RevalidateOrder(ctx, &orders[i], opts)
		if err != nil {
			c.logger.Warn("order revalidation failed", "order_id", orders[i].ID, "error", err)
			continue
		}
		if rec != nil {
			recs = append(recs, rec)
		}
		if delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	if len(recs) == 0 {
		return nil
	}
	return c.ingest.Process(ctx, recs)
}

// collectionPace returns the extra per-order delay, doubling with each
// order of magnitude of collection size.
func collectionPace(tokenCount int64) time.Duration {
	switch {
	case tokenCount > 100_000:
		return 80 * time.Millisecond
	case tokenCount > 10_000:
		return 40 * time.Millisecond
	case tokenCount > 1_000:
		return 20 * time.Millisecond
	default:
		return 0
	}
}

// DetectOrphans compares recently indexed block hashes against the
// canonical chain. A mismatch means the block was orphaned: orders
// derived from it are re-checked with the override flag so corrections
// flow out as ordinary deltas, and activities recorded under the stale
// hash are removed along with their search documents.
func (c *Controller) DetectOrphans(ctx context.Context) error {
	recorded, err := c.blocks.GetRecentBlocks(ctx, c.cfg.OrphanScanDepth)
	if err != nil {
		return err
	}

	for number, hash := range recorded {
		canonical, err := c.chain.BlockHash(ctx, number)
		if err != nil {
			return fmt.Errorf("canonical hash %d: %w", number, err)
		}
		if canonical == "" || canonical == hash {
			continue
		}

		orphan := event.OrphanBlockEvent{
			BlockNumber:   number,
			RecordedHash:  hash,
			CanonicalHash: canonical,
			DetectedAt:    time.Now().UTC(),
		}
		c.logger.Warn("orphaned block detected",
			"block_number", orphan.BlockNumber,
			"recorded_hash", orphan.RecordedHash,
			"canonical_hash", orphan.CanonicalHash,
		)
		metrics.OrphanBlocksTotal.Inc()

		if err := c.alerter.Send(ctx, alert.Alert{
			Type:    alert.AlertTypeOrphanBlock,
			Title:   fmt.Sprintf("orphaned block %d", orphan.BlockNumber),
			Message: "indexed block hash diverged from the canonical chain",
			Fields: map[string]string{
				"recorded_hash":  orphan.RecordedHash,
				"canonical_hash": orphan.CanonicalHash,
			},
		}); err != nil {
			c.logger.Warn("orphan alert failed", "block_number", orphan.BlockNumber, "error", err)
		}

		if err := c.compensateBlock(ctx, orphan); err != nil {
			return fmt.Errorf("compensate block %d: %w", number, err)
		}
	}
	return nil
}

func (c *Controller) compensateBlock(ctx context.Context, orphan event.OrphanBlockEvent) error {
	affected, err := c.orders.GetByBlockRange(ctx, orphan.BlockNumber, orphan.BlockNumber)
	if err != nil {
		return err
	}

	var recs []*event.NormalizedRecord
	for i := range affected {
		// Force the on-chain recheck: cached state may itself descend
		// from the orphaned branch.
		rec, err := c.RevalidateOrder(ctx, &affected[i], adapter.CheckOptions{OnChainApprovalRecheck: true})
		if err != nil {
			c.logger.Warn("orphan compensation failed for order", "order_id", affected[i].ID, "error", err)
			continue
		}
		if rec != nil {
			recs = append(recs, rec)
		}
	}

	if len(recs) > 0 {
		if err := c.ingest.Process(ctx, recs); err != nil {
			return err
		}
	}

	ids, err := c.activities.DeleteByBlockHash(ctx, orphan.BlockNumber, orphan.RecordedHash)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		c.logger.Info("orphaned activities removed",
			"block_number", orphan.BlockNumber,
			"count", len(ids),
		)
		if c.docs != nil {
			// Best-effort purge: the search index is an eventually
			// consistent cache, so a failed delete is logged, not fatal.
			if err := c.docs.DeleteByID(ctx, "activity", ids); err != nil {
				c.logger.Warn("search purge failed for orphaned activities",
					"block_number", orphan.BlockNumber,
					"error", err,
				)
			}
		}
	}

	return c.blocks.ReplaceBlockHash(ctx, orphan.BlockNumber, orphan.CanonicalHash)
}

// SweepExpired moves fillable orders whose validity window has closed
// to expired. Expiry is passive everywhere else; this sweep is what
// eventually persists it.
func (c *Controller) SweepExpired(ctx context.Context) error {
	now := time.Now().Unix()
	expired, err := c.orders.GetExpiredFillable(ctx, now, c.cfg.ExpirySweepBatch)
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	recs := make([]*event.NormalizedRecord, 0, len(expired))
	for i := range expired {
		recs = append(recs, &event.NormalizedRecord{
			Order: &model.Order{
				ID:                expired[i].ID,
				Kind:              expired[i].Kind,
				FillabilityStatus: model.FillabilityExpired,
			},
		})
	}
	if err := c.ingest.Process(ctx, recs); err != nil {
		return err
	}
	metrics.ExpiredOrdersTotal.Add(float64(len(recs)))
	c.logger.Info("expired orders swept", "count", len(recs))
	return nil
}
