package revalidation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/store"
	storeredis "github.com/reservoirprotocol/indexer-go/internal/store/redis"
)

type fakeAdapter struct {
	kind model.OrderKind
	pc   adapter.Precondition
}

func (a *fakeAdapter) Kind() model.OrderKind { return a.kind }

func (a *fakeAdapter) Parse(json.RawMessage) (*adapter.ParsedOrder, error) { return nil, nil }

func (a *fakeAdapter) CheckPreconditions(context.Context, *model.Order, adapter.CheckDeps, adapter.CheckOptions) (adapter.Precondition, error) {
	return a.pc, nil
}

func (a *fakeAdapter) BuildFillDetails(*model.Order, string, string) (*adapter.FillInstruction, error) {
	return nil, nil
}

type fakeOrders struct {
	byContract []model.Order
	byBlock    []model.Order
	expired    []model.Order
}

func (f *fakeOrders) UpsertTx(context.Context, *sql.Tx, *event.NormalizedRecord) (store.UpsertResult, error) {
	return store.UpsertResult{}, nil
}
func (f *fakeOrders) GetByID(context.Context, string) (*model.Order, error) { return nil, nil }
func (f *fakeOrders) GetByMaker(context.Context, string, []model.FillabilityStatus) ([]model.Order, error) {
	return nil, nil
}
func (f *fakeOrders) GetByContract(context.Context, string, []model.FillabilityStatus) ([]model.Order, error) {
	return f.byContract, nil
}
func (f *fakeOrders) GetByBlockRange(context.Context, int64, int64) ([]model.Order, error) {
	return f.byBlock, nil
}
func (f *fakeOrders) GetExpiredFillable(context.Context, int64, int) ([]model.Order, error) {
	return f.expired, nil
}

type fakeBlocks struct {
	recent   map[int64]string
	replaced map[int64]string
}

// RecordBlockTx mirrors the repository contract: the first hash seen
// for a block number sticks until ReplaceBlockHash.
func (f *fakeBlocks) RecordBlockTx(_ context.Context, _ *sql.Tx, number int64, hash string) error {
	if f.recent == nil {
		f.recent = make(map[int64]string)
	}
	if _, ok := f.recent[number]; !ok {
		f.recent[number] = hash
	}
	return nil
}
func (f *fakeBlocks) GetRecentBlocks(context.Context, int) (map[int64]string, error) {
	return f.recent, nil
}
func (f *fakeBlocks) ReplaceBlockHash(_ context.Context, number int64, hash string) error {
	if f.replaced == nil {
		f.replaced = make(map[int64]string)
	}
	f.replaced[number] = hash
	return nil
}

type fakeActivities struct {
	ids     []string
	deleted []string
}

func (f *fakeActivities) InsertTx(context.Context, *sql.Tx, *model.Activity) (bool, error) {
	return false, nil
}
func (f *fakeActivities) GetByCollection(context.Context, string, []model.ActivityType, int) ([]model.Activity, error) {
	return nil, nil
}
func (f *fakeActivities) UpdateMetadata(context.Context, string, string, string, string, string) error {
	return nil
}
func (f *fakeActivities) DeleteByBlockHash(_ context.Context, number int64, hash string) ([]string, error) {
	f.deleted = append(f.deleted, fmt.Sprintf("%d:%s", number, hash))
	return f.ids, nil
}

type fakeDocs struct {
	purged map[string][]string
}

func (f *fakeDocs) DeleteByID(_ context.Context, entity string, ids []string) error {
	if f.purged == nil {
		f.purged = make(map[string][]string)
	}
	f.purged[entity] = append(f.purged[entity], ids...)
	return nil
}

type fakeCollections struct {
	count int64
}

func (f *fakeCollections) TokenCount(context.Context, string) (int64, error) { return f.count, nil }

type fakeIngest struct {
	batches [][]*event.NormalizedRecord
}

func (f *fakeIngest) Process(_ context.Context, recs []*event.NormalizedRecord) error {
	f.batches = append(f.batches, recs)
	return nil
}

type fakeChain struct {
	hashes map[int64]string
}

func (f *fakeChain) BlockHash(_ context.Context, number int64) (string, error) {
	return f.hashes[number], nil
}

type fakeLocks struct {
	held     bool
	acquired []string
}

func (f *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if f.held {
		return nil, storeredis.ErrLockHeld
	}
	f.acquired = append(f.acquired, key)
	return func() {}, nil
}

type controllerFixture struct {
	controller *Controller
	orders     *fakeOrders
	blocks     *fakeBlocks
	activities *fakeActivities
	ingest     *fakeIngest
	chain      *fakeChain
	locks      *fakeLocks
	docs       *fakeDocs
}

func newFixture(pc adapter.Precondition) *controllerFixture {
	registry := adapter.NewRegistry()
	registry.Register(&fakeAdapter{kind: model.OrderKindSeaportV15, pc: pc})

	cfg := DefaultConfig()
	cfg.ChecksPerSecond = 10000

	f := &controllerFixture{
		orders:     &fakeOrders{},
		blocks:     &fakeBlocks{},
		activities: &fakeActivities{},
		ingest:     &fakeIngest{},
		chain:      &fakeChain{hashes: map[int64]string{}},
		locks:      &fakeLocks{},
		docs:       &fakeDocs{},
	}
	f.controller = NewController(
		cfg,
		f.orders,
		f.blocks,
		f.activities,
		&fakeCollections{count: 100},
		registry,
		adapter.CheckDeps{},
		f.ingest,
		f.chain,
		f.locks,
		f.docs,
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	return f
}

func fillableOrder() *model.Order {
	return &model.Order{
		ID:                "0xorder1",
		Kind:              model.OrderKindSeaportV15,
		FillabilityStatus: model.FillabilityFillable,
		ApprovalStatus:    model.ApprovalApproved,
	}
}

func TestRevalidateOrder_StatusMapping(t *testing.T) {
	testCases := []struct {
		name             string
		pc               adapter.PreconditionKind
		from             model.FillabilityStatus
		expectedStatus   model.FillabilityStatus
		expectedApproval model.ApprovalStatus
	}{
		{"no balance", adapter.PreconditionNoBalance, model.FillabilityFillable, model.FillabilityNoBalance, ""},
		{"cancelled", adapter.PreconditionCancelled, model.FillabilityFillable, model.FillabilityCancelled, ""},
		{"invalid target cancels", adapter.PreconditionInvalidTarget, model.FillabilityFillable, model.FillabilityCancelled, ""},
		{"filled", adapter.PreconditionFilled, model.FillabilityFillable, model.FillabilityFilled, ""},
		{"expired back to fillable", adapter.PreconditionOK, model.FillabilityExpired, model.FillabilityFillable, model.ApprovalApproved},
		{"no balance back to fillable", adapter.PreconditionOK, model.FillabilityNoBalance, model.FillabilityFillable, model.ApprovalApproved},
		{"approval revoked stays fillable", adapter.PreconditionNoApproval, model.FillabilityFillable, model.FillabilityFillable, model.ApprovalDisabled},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(adapter.Precondition{Kind: tc.pc})
			o := fillableOrder()
			o.FillabilityStatus = tc.from

			rec, err := f.controller.RevalidateOrder(context.Background(), o, adapter.CheckOptions{})
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.True(t, rec.RevalidationOverride)
			assert.Equal(t, tc.expectedStatus, rec.Order.FillabilityStatus)
			assert.Equal(t, tc.expectedApproval, rec.Order.ApprovalStatus)
		})
	}
}

func TestRevalidateOrder_SkipsTerminal(t *testing.T) {
	f := newFixture(adapter.OK())

	for _, status := range []model.FillabilityStatus{model.FillabilityFilled, model.FillabilityCancelled} {
		o := fillableOrder()
		o.FillabilityStatus = status
		rec, err := f.controller.RevalidateOrder(context.Background(), o, adapter.CheckOptions{})
		require.NoError(t, err)
		assert.Nil(t, rec, "status %s", status)
	}
}

func TestRevalidateOrder_UnchangedProducesNothing(t *testing.T) {
	f := newFixture(adapter.OK())

	rec, err := f.controller.RevalidateOrder(context.Background(), fillableOrder(), adapter.CheckOptions{})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRevalidateOrder_ClosedWindowWinsOverOK(t *testing.T) {
	f := newFixture(adapter.OK())
	o := fillableOrder()
	o.ValidUntil = time.Now().Add(-time.Hour).Unix()

	rec, err := f.controller.RevalidateOrder(context.Background(), o, adapter.CheckOptions{})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.FillabilityExpired, rec.Order.FillabilityStatus)
}

func TestDetectOrphans_CompensatesMismatchedBlocks(t *testing.T) {
	f := newFixture(adapter.Precondition{Kind: adapter.PreconditionNoBalance})
	f.blocks.recent = map[int64]string{100: "0xold"}
	f.chain.hashes = map[int64]string{100: "0xnew"}
	f.orders.byBlock = []model.Order{*fillableOrder()}
	f.activities.ids = []string{"act-1", "act-2"}

	require.NoError(t, f.controller.DetectOrphans(context.Background()))

	// Affected orders are re-emitted as override records, never deleted.
	require.Len(t, f.ingest.batches, 1)
	require.Len(t, f.ingest.batches[0], 1)
	rec := f.ingest.batches[0][0]
	assert.True(t, rec.RevalidationOverride)
	assert.Equal(t, model.FillabilityNoBalance, rec.Order.FillabilityStatus)

	// Activities tied to the stale hash are removed and purged from the
	// search index.
	assert.Equal(t, []string{"100:0xold"}, f.activities.deleted)
	assert.Equal(t, []string{"act-1", "act-2"}, f.docs.purged["activity"])

	assert.Equal(t, "0xnew", f.blocks.replaced[100])
}

func TestDetectOrphans_CanonicalEventsBeforeScanStillCompensate(t *testing.T) {
	f := newFixture(adapter.Precondition{Kind: adapter.PreconditionNoBalance})
	f.orders.byBlock = []model.Order{*fillableOrder()}
	f.activities.ids = []string{"act-1"}

	// Block 100 was first indexed under 0xaaa. After a reorg the
	// canonical chain carries 0xbbb, and events on the new hash are
	// ingested before the next scan runs. The recorded hash must stay
	// 0xaaa so the scan still sees the mismatch and compensates.
	require.NoError(t, f.blocks.RecordBlockTx(context.Background(), nil, 100, "0xaaa"))
	require.NoError(t, f.blocks.RecordBlockTx(context.Background(), nil, 100, "0xbbb"))
	f.chain.hashes = map[int64]string{100: "0xbbb"}

	require.NoError(t, f.controller.DetectOrphans(context.Background()))

	require.Len(t, f.ingest.batches, 1)
	assert.Equal(t, []string{"100:0xaaa"}, f.activities.deleted)
	assert.Equal(t, []string{"act-1"}, f.docs.purged["activity"])
	assert.Equal(t, "0xbbb", f.blocks.replaced[100])
}

func TestDetectOrphans_MatchingHashesAreLeftAlone(t *testing.T) {
	f := newFixture(adapter.OK())
	f.blocks.recent = map[int64]string{100: "0xsame"}
	f.chain.hashes = map[int64]string{100: "0xsame"}

	require.NoError(t, f.controller.DetectOrphans(context.Background()))
	assert.Empty(t, f.ingest.batches)
	assert.Empty(t, f.blocks.replaced)
	assert.Empty(t, f.activities.deleted)
}

func TestRevalidateCollection(t *testing.T) {
	f := newFixture(adapter.Precondition{Kind: adapter.PreconditionNoBalance})
	f.orders.byContract = []model.Order{*fillableOrder()}

	require.NoError(t, f.controller.RevalidateCollection(context.Background(), "0xcafe", adapter.CheckOptions{}))
	assert.Equal(t, []string{"revalidate:collection:0xcafe"}, f.locks.acquired)
	require.Len(t, f.ingest.batches, 1)
}

func TestRevalidateCollection_LockHeldSurfacesForReschedule(t *testing.T) {
	f := newFixture(adapter.OK())
	f.locks.held = true
	f.orders.byContract = []model.Order{*fillableOrder()}

	err := f.controller.RevalidateCollection(context.Background(), "0xcafe", adapter.CheckOptions{})
	require.ErrorIs(t, err, storeredis.ErrLockHeld)
	assert.Empty(t, f.ingest.batches)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(adapter.OK())
	f.orders.expired = []model.Order{
		{ID: "0xorder1", Kind: model.OrderKindSeaportV15},
		{ID: "0xorder2", Kind: model.OrderKindSeaportV15},
	}

	require.NoError(t, f.controller.SweepExpired(context.Background()))
	require.Len(t, f.ingest.batches, 1)
	require.Len(t, f.ingest.batches[0], 2)
	for _, rec := range f.ingest.batches[0] {
		assert.Equal(t, model.FillabilityExpired, rec.Order.FillabilityStatus)
	}
}
