package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

func fillableOrder() *model.Order {
	return &model.Order{
		ID:                "0xabc",
		Kind:              model.OrderKindSeaportV15,
		Side:              model.SideSell,
		Maker:             "0xmaker",
		FillabilityStatus: model.FillabilityFillable,
		ApprovalStatus:    model.ApprovalApproved,
		QuantityFilled:    "0",
		QuantityRemaining: "5",
		Price:             "1000",
		Value:             "1000",
	}
}

func TestMergeOrder_StatusTransitions(t *testing.T) {
	now := time.Now()
	testCases := []struct {
		name     string
		from     model.FillabilityStatus
		to       model.FillabilityStatus
		override bool
		expected model.FillabilityStatus
	}{
		{"fillable to filled", model.FillabilityFillable, model.FillabilityFilled, false, model.FillabilityFilled},
		{"fillable to cancelled", model.FillabilityFillable, model.FillabilityCancelled, false, model.FillabilityCancelled},
		{"fillable to expired", model.FillabilityFillable, model.FillabilityExpired, false, model.FillabilityExpired},
		{"fillable to no-balance", model.FillabilityFillable, model.FillabilityNoBalance, false, model.FillabilityNoBalance},
		{"filled absorbs cancel", model.FillabilityFilled, model.FillabilityCancelled, false, model.FillabilityFilled},
		{"cancelled absorbs fill", model.FillabilityCancelled, model.FillabilityFilled, false, model.FillabilityCancelled},
		{"filled absorbs override", model.FillabilityFilled, model.FillabilityFillable, true, model.FillabilityFilled},
		{"expired stays without override", model.FillabilityExpired, model.FillabilityFillable, false, model.FillabilityExpired},
		{"expired resurrects with override", model.FillabilityExpired, model.FillabilityFillable, true, model.FillabilityFillable},
		{"no-balance stays without override", model.FillabilityNoBalance, model.FillabilityFillable, false, model.FillabilityNoBalance},
		{"no-balance resurrects with override", model.FillabilityNoBalance, model.FillabilityFillable, true, model.FillabilityFillable},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			existing := fillableOrder()
			existing.FillabilityStatus = tc.from

			rec := &event.NormalizedRecord{
				Order:                &model.Order{ID: existing.ID, FillabilityStatus: tc.to},
				RevalidationOverride: tc.override,
			}
			merged, _, err := MergeOrder(existing, rec, now)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, merged.FillabilityStatus)
		})
	}
}

func TestMergeOrder_FillAdvancesQuantities(t *testing.T) {
	existing := fillableOrder()
	rec := &event.NormalizedRecord{
		Order:        &model.Order{ID: existing.ID},
		FillQuantity: "2",
	}

	merged, changed, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2", merged.QuantityFilled)
	assert.Equal(t, "3", merged.QuantityRemaining)
	assert.Contains(t, changed, "quantity_filled")
	assert.Contains(t, changed, "quantity_remaining")
	assert.Equal(t, model.FillabilityFillable, merged.FillabilityStatus)
}

func TestMergeOrder_FullFillFlipsStatus(t *testing.T) {
	existing := fillableOrder()
	rec := &event.NormalizedRecord{
		Order:        &model.Order{ID: existing.ID},
		FillQuantity: "5",
	}

	merged, _, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "0", merged.QuantityRemaining)
	assert.Equal(t, model.FillabilityFilled, merged.FillabilityStatus)
}

func TestMergeOrder_OverfillClampsToZero(t *testing.T) {
	existing := fillableOrder()
	rec := &event.NormalizedRecord{
		Order:        &model.Order{ID: existing.ID},
		FillQuantity: "9",
	}

	merged, _, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "9", merged.QuantityFilled)
	assert.Equal(t, "0", merged.QuantityRemaining)
}

func TestMergeOrder_QuantityMonotonicity(t *testing.T) {
	existing := fillableOrder()
	existing.QuantityFilled = "3"
	existing.QuantityRemaining = "2"

	// A stale snapshot with lower filled / higher remaining must not win.
	rec := &event.NormalizedRecord{
		Order: &model.Order{
			ID:                existing.ID,
			QuantityFilled:    "1",
			QuantityRemaining: "4",
		},
	}
	merged, changed, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "3", merged.QuantityFilled)
	assert.Equal(t, "2", merged.QuantityRemaining)
	assert.Empty(t, changed)

	// Revalidation may restore remaining after an orphaned fill.
	rec.RevalidationOverride = true
	merged, changed, err = MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "4", merged.QuantityRemaining)
	assert.Contains(t, changed, "quantity_remaining")
}

func TestMergeOrder_DuplicateDeliveryIsNoOp(t *testing.T) {
	existing := fillableOrder()
	rec := &event.NormalizedRecord{
		Order: &model.Order{
			ID:                existing.ID,
			FillabilityStatus: existing.FillabilityStatus,
			Price:             existing.Price,
			Value:             existing.Value,
			QuantityFilled:    existing.QuantityFilled,
			QuantityRemaining: existing.QuantityRemaining,
		},
	}

	merged, changed, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, existing.UpdatedAt, merged.UpdatedAt)
}

func TestMergeOrder_InsertDefaults(t *testing.T) {
	now := time.Now()
	rec := &event.NormalizedRecord{
		Order: &model.Order{ID: "0xnew", QuantityRemaining: "1"},
	}
	merged, changed, err := MergeOrder(nil, rec, now)
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, "0", merged.QuantityFilled)
	assert.Equal(t, model.FillabilityFillable, merged.FillabilityStatus)
	assert.Equal(t, model.ApprovalApproved, merged.ApprovalStatus)
	assert.Equal(t, now, merged.CreatedAt)
}

func TestMergeOrder_FillBeforeOrderCreatesStub(t *testing.T) {
	rec := &event.NormalizedRecord{
		Order:        &model.Order{ID: "0xearly"},
		FillQuantity: "1",
	}
	merged, _, err := MergeOrder(nil, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "1", merged.QuantityFilled)
	assert.Equal(t, "0", merged.QuantityRemaining)
	assert.Equal(t, model.FillabilityFilled, merged.FillabilityStatus)
}

func TestMergeOrder_BlockCursorOnlyMovesForward(t *testing.T) {
	existing := fillableOrder()
	existing.BlockNumber = 100
	existing.LogIndex = 5

	rec := &event.NormalizedRecord{
		Order: &model.Order{ID: existing.ID, BlockNumber: 99, LogIndex: 9},
	}
	merged, _, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(100), merged.BlockNumber)
	assert.Equal(t, 5, merged.LogIndex)

	rec.Order.BlockNumber = 100
	rec.Order.LogIndex = 7
	merged, changed, err := MergeOrder(existing, rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 7, merged.LogIndex)
	assert.Contains(t, changed, "block_number")
}

func TestMergeOrder_RejectsNegativeQuantities(t *testing.T) {
	existing := fillableOrder()
	rec := &event.NormalizedRecord{
		Order: &model.Order{ID: existing.ID, QuantityFilled: "-1"},
	}
	_, _, err := MergeOrder(existing, rec, time.Now())
	assert.Error(t, err)
}
