package store

import (
	"fmt"
	"math/big"
	"reflect"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// MergeOrder folds an incoming normalized record into the existing
// persisted order and returns the merged state plus the columns that
// changed. The merge is a pure function so its rules are testable
// without a database:
//
//   - filled and cancelled are final; no later event moves an order out
//     of them
//   - expired and no-balance return to fillable only through the
//     revalidation path
//   - quantity filled never decreases and quantity remaining never
//     increases, except under revalidation which may restore remaining
//     after an orphaned fill
//
// A duplicate delivery merges to an identical state and yields an empty
// changed set.
func MergeOrder(existing *model.Order, rec *event.NormalizedRecord, now time.Time) (model.Order, []string, error) {
	in := rec.Order
	if in == nil {
		return model.Order{}, nil, fmt.Errorf("record has no order state")
	}
	if existing == nil {
		merged := *in
		merged.CreatedAt = now
		merged.UpdatedAt = now
		if merged.QuantityFilled == "" {
			merged.QuantityFilled = "0"
		}
		if merged.QuantityRemaining == "" {
			merged.QuantityRemaining = "0"
		}
		// A fill arriving before its order creates a stub row; later
		// order events merge the full state in.
		if rec.FillQuantity != "" {
			merged.QuantityFilled = rec.FillQuantity
		}
		if merged.FillabilityStatus == "" {
			merged.FillabilityStatus = model.FillabilityFillable
		}
		if merged.ApprovalStatus == "" {
			merged.ApprovalStatus = model.ApprovalApproved
		}
		if merged.QuantityRemaining == "0" && merged.FillabilityStatus == model.FillabilityFillable {
			merged.FillabilityStatus = model.FillabilityFilled
		}
		return merged, nil, nil
	}

	merged := *existing
	var changed []string
	touch := func(col string) {
		changed = append(changed, col)
	}

	// Status lattice.
	desired := in.FillabilityStatus
	switch {
	case desired == "" || desired == existing.FillabilityStatus:
	case existing.FillabilityStatus.Terminal():
		// Final states absorb everything, including each other.
	case !rec.RevalidationOverride &&
		(existing.FillabilityStatus == model.FillabilityExpired || existing.FillabilityStatus == model.FillabilityNoBalance) &&
		desired == model.FillabilityFillable:
		// Only revalidation may resurrect an order.
	default:
		merged.FillabilityStatus = desired
		touch("fillability_status")
	}

	if in.ApprovalStatus != "" && in.ApprovalStatus != existing.ApprovalStatus {
		merged.ApprovalStatus = in.ApprovalStatus
		touch("approval_status")
	}

	if err := mergeQuantities(existing, &merged, rec, touch); err != nil {
		return model.Order{}, nil, err
	}

	// A fully consumed order is filled regardless of what the event
	// claimed, unless it was already cancelled.
	if merged.QuantityRemaining == "0" &&
		merged.FillabilityStatus != model.FillabilityCancelled &&
		merged.FillabilityStatus != model.FillabilityFilled {
		merged.FillabilityStatus = model.FillabilityFilled
		if !contains(changed, "fillability_status") {
			touch("fillability_status")
		}
	}

	mergeString(&merged.Price, in.Price, "price", existing.Price, touch)
	mergeString(&merged.CurrencyPrice, in.CurrencyPrice, "currency_price", existing.CurrencyPrice, touch)
	mergeString(&merged.Value, in.Value, "value", existing.Value, touch)
	mergeString(&merged.NormalizedValue, in.NormalizedValue, "normalized_value", existing.NormalizedValue, touch)
	mergeString(&merged.Currency, in.Currency, "currency", existing.Currency, touch)
	mergeString(&merged.Nonce, in.Nonce, "nonce", existing.Nonce, touch)
	mergeString(&merged.MasterNonce, in.MasterNonce, "master_nonce", existing.MasterNonce, touch)

	if in.USDPrice != nil && (existing.USDPrice == nil || !existing.USDPrice.Equal(*in.USDPrice)) {
		merged.USDPrice = in.USDPrice
		touch("usd_price")
	}
	if in.FeeBreakdown != nil && !reflect.DeepEqual(in.FeeBreakdown, existing.FeeBreakdown) {
		merged.FeeBreakdown = in.FeeBreakdown
		touch("fee_breakdown")
	}
	if in.MissingRoyalties != nil && !reflect.DeepEqual(in.MissingRoyalties, existing.MissingRoyalties) {
		merged.MissingRoyalties = in.MissingRoyalties
		touch("missing_royalties")
	}
	if in.ValidFrom != 0 && in.ValidFrom != existing.ValidFrom {
		merged.ValidFrom = in.ValidFrom
		touch("valid_from")
	}
	if in.ValidUntil != existing.ValidUntil && (in.ValidUntil != 0 || rec.RevalidationOverride) {
		merged.ValidUntil = in.ValidUntil
		touch("valid_until")
	}
	if in.SourceID != nil && (existing.SourceID == nil || *existing.SourceID != *in.SourceID) {
		merged.SourceID = in.SourceID
		touch("source_id")
	}

	if in.BlockNumber > existing.BlockNumber ||
		(in.BlockNumber == existing.BlockNumber && in.LogIndex > existing.LogIndex) {
		merged.BlockNumber = in.BlockNumber
		merged.LogIndex = in.LogIndex
		touch("block_number")
	}

	if len(changed) > 0 {
		merged.UpdatedAt = now
	}
	return merged, changed, nil
}

func mergeQuantities(existing, merged *model.Order, rec *event.NormalizedRecord, touch func(string)) error {
	curFilled, err := parseQuantity(existing.QuantityFilled)
	if err != nil {
		return fmt.Errorf("existing quantity_filled: %w", err)
	}
	curRemaining, err := parseQuantity(existing.QuantityRemaining)
	if err != nil {
		return fmt.Errorf("existing quantity_remaining: %w", err)
	}

	if rec.FillQuantity != "" {
		// Incremental fill: advance both counters by the fill amount.
		fill, err := parseQuantity(rec.FillQuantity)
		if err != nil {
			return fmt.Errorf("fill quantity: %w", err)
		}
		newFilled := new(big.Int).Add(curFilled, fill)
		newRemaining := new(big.Int).Sub(curRemaining, fill)
		if newRemaining.Sign() < 0 {
			newRemaining.SetInt64(0)
		}
		merged.QuantityFilled = newFilled.String()
		merged.QuantityRemaining = newRemaining.String()
		touch("quantity_filled")
		touch("quantity_remaining")
		return nil
	}

	in := rec.Order
	if in.QuantityFilled != "" {
		inFilled, err := parseQuantity(in.QuantityFilled)
		if err != nil {
			return fmt.Errorf("incoming quantity_filled: %w", err)
		}
		if inFilled.Cmp(curFilled) > 0 {
			merged.QuantityFilled = inFilled.String()
			touch("quantity_filled")
		}
	}
	if in.QuantityRemaining != "" {
		inRemaining, err := parseQuantity(in.QuantityRemaining)
		if err != nil {
			return fmt.Errorf("incoming quantity_remaining: %w", err)
		}
		cmp := inRemaining.Cmp(curRemaining)
		if cmp < 0 || (cmp > 0 && rec.RevalidationOverride) {
			merged.QuantityRemaining = inRemaining.String()
			touch("quantity_remaining")
		}
	}
	return nil
}

func parseQuantity(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("unparseable quantity: %q", s)
	}
	return v, nil
}

func mergeString(dst *string, in, col, existing string, touch func(string)) {
	if in != "" && in != existing {
		*dst = in
		touch(col)
	}
}

func contains(cols []string, col string) bool {
	for _, c := range cols {
		if c == col {
			return true
		}
	}
	return false
}
