package event

import "github.com/reservoirprotocol/indexer-go/internal/domain/model"

// OrderDelta is the publish unit for order changes: the persisted state
// transition with the exact set of columns that changed. A delta with an
// empty Changed set is never published.
type OrderDelta struct {
	Before  *model.Order
	After   model.Order
	Changed []string
	Seq     int64
	Trigger string
}

// ActivityDelta is the publish unit for newly appended activities.
type ActivityDelta struct {
	Activity model.Activity
	Seq      int64
}
