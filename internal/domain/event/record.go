package event

import "github.com/reservoirprotocol/indexer-go/internal/domain/model"

// NormalizedRecord is the normalizer's output for one raw event: the
// canonical order state to merge and/or the activity to append.
// FillQuantity carries the incremental fill amount for order-filled
// events so the ingester can advance quantities monotonically.
type NormalizedRecord struct {
	Order        *model.Order
	Activity     *model.Activity
	FillQuantity string

	// RevalidationOverride marks records produced by the revalidation
	// path, which alone may move an order out of expired or no-balance
	// back to fillable.
	RevalidationOverride bool

	Seq int64
}
