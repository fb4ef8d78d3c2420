package publish

import (
	"reflect"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// DiffOrders computes the externally visible field changes between two
// order states. Websocket consumers receive only material changes; a
// delta whose before and after states render identically is suppressed.
func DiffOrders(before *model.Order, after *model.Order) []string {
	if before == nil {
		return []string{"created"}
	}

	var changed []string
	add := func(field string, differs bool) {
		if differs {
			changed = append(changed, field)
		}
	}

	add("fillabilityStatus", before.FillabilityStatus != after.FillabilityStatus)
	add("approvalStatus", before.ApprovalStatus != after.ApprovalStatus)
	add("price", before.Price != after.Price)
	add("currencyPrice", before.CurrencyPrice != after.CurrencyPrice)
	add("value", before.Value != after.Value)
	add("normalizedValue", before.NormalizedValue != after.NormalizedValue)
	add("usdPrice", !decimalPtrEqual(before, after))
	add("quantityFilled", before.QuantityFilled != after.QuantityFilled)
	add("quantityRemaining", before.QuantityRemaining != after.QuantityRemaining)
	add("validFrom", before.ValidFrom != after.ValidFrom)
	add("validUntil", before.ValidUntil != after.ValidUntil)
	add("feeBreakdown", !reflect.DeepEqual(before.FeeBreakdown, after.FeeBreakdown))
	add("missingRoyalties", !reflect.DeepEqual(before.MissingRoyalties, after.MissingRoyalties))
	add("source", !stringPtrEqual(before.SourceID, after.SourceID))

	return changed
}

func decimalPtrEqual(a, b *model.Order) bool {
	switch {
	case a.USDPrice == nil && b.USDPrice == nil:
		return true
	case a.USDPrice == nil || b.USDPrice == nil:
		return false
	default:
		return a.USDPrice.Equal(*b.USDPrice)
	}
}

func stringPtrEqual(a, b *string) bool {
	switch {
	case a == nil && b == nil:
		return true
	case a == nil || b == nil:
		return false
	default:
		return *a == *b
	}
}
