package normalizer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
	"github.com/reservoirprotocol/indexer-go/internal/pricing"
	"github.com/reservoirprotocol/indexer-go/internal/royalty"
)

type fakeAdapter struct {
	kind  model.OrderKind
	order *adapter.ParsedOrder
	err   error
}

func (a *fakeAdapter) Kind() model.OrderKind { return a.kind }

func (a *fakeAdapter) Parse(json.RawMessage) (*adapter.ParsedOrder, error) {
	return a.order, a.err
}

func (a *fakeAdapter) CheckPreconditions(context.Context, *model.Order, adapter.CheckDeps, adapter.CheckOptions) (adapter.Precondition, error) {
	return adapter.OK(), nil
}

func (a *fakeAdapter) BuildFillDetails(*model.Order, string, string) (*adapter.FillInstruction, error) {
	return nil, nil
}

type fakeFees struct {
	marketplaces map[string]bool
}

func (f *fakeFees) Classify(_ context.Context, address string) (model.FeeRecipientKind, bool, error) {
	if f.marketplaces[address] {
		return model.FeeRecipientMarketplace, true, nil
	}
	return "", false, nil
}

type fakeSources struct {
	byDomain map[string]*model.Source
}

func (f *fakeSources) Resolve(_ context.Context, domain string) (*model.Source, error) {
	return f.byDomain[domain], nil
}

func newTestNormalizer(t *testing.T, parsed *adapter.ParsedOrder) *Normalizer {
	t.Helper()

	registry := adapter.NewRegistry()
	registry.Register(&fakeAdapter{kind: model.OrderKindSeaportV15, order: parsed})

	oracle := pricing.NewStaticOracle()
	oracle.Set("0xweth", decimal.NewFromInt(2000), 18)

	royalties := royalty.NewStaticRegistry()
	royalties.Set("0xcafe", []model.FeeEntry{
		{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 500},
	})

	fees := &fakeFees{marketplaces: map[string]bool{"0xmarket": true}}
	sources := &fakeSources{byDomain: map[string]*model.Source{
		"opensea.io": {ID: "src-1", Domain: "opensea.io", Name: "OpenSea"},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(registry, oracle, royalties, fees, sources, logger)
}

func sellOrder() *adapter.ParsedOrder {
	tokenID := "42"
	return &adapter.ParsedOrder{
		ID:       "0xorder1",
		Side:     model.SideSell,
		Maker:    "0xMAKER",
		Contract: "0xCAFE",
		TokenID:  &tokenID,
		Currency: "0xWETH",
		Price:    "1000000000000000000",
		Quantity: "1",
		FeeBreakdown: []model.FeeEntry{
			{Recipient: "0xMARKET", BPS: 250},
			{Recipient: "0xsomeoneelse", BPS: 100},
		},
	}
}

func testLog() *event.LogRef {
	return &event.LogRef{
		TxHash:      "0xtx1",
		LogIndex:    3,
		BatchIndex:  0,
		BlockHash:   "0xblockhash",
		BlockNumber: 1000,
		Timestamp:   1700000000,
	}
}

func TestActivityID(t *testing.T) {
	log := testLog()

	// Redelivering the same log always yields the same id.
	assert.Equal(t,
		ActivityID(model.ActivitySale, log, "0xorder1"),
		ActivityID(model.ActivitySale, log, "0xother"),
	)

	// Batch index disambiguates multiple fills in one log.
	other := *log
	other.BatchIndex = 1
	assert.NotEqual(t,
		ActivityID(model.ActivitySale, log, ""),
		ActivityID(model.ActivitySale, &other, ""),
	)

	// Activity type is part of the identity.
	assert.NotEqual(t,
		ActivityID(model.ActivitySale, log, ""),
		ActivityID(model.ActivityTransfer, log, ""),
	)

	// Off-chain events key on the order id.
	assert.Equal(t,
		ActivityID(model.ActivityAsk, nil, "0xorder1"),
		ActivityID(model.ActivityAsk, nil, "0xorder1"),
	)
	assert.NotEqual(t,
		ActivityID(model.ActivityAsk, nil, "0xorder1"),
		ActivityID(model.ActivityAsk, nil, "0xorder2"),
	)
}

func TestNormalize_Order(t *testing.T) {
	n := newTestNormalizer(t, sellOrder())

	raw := &event.RawEvent{
		Kind:         event.RawOrderCreated,
		OrderKind:    model.OrderKindSeaportV15,
		Log:          testLog(),
		Payload:      json.RawMessage(`{}`),
		SourceDomain: "opensea.io",
	}

	rec, err := n.Normalize(context.Background(), raw, 7)
	require.NoError(t, err)
	require.NotNil(t, rec.Order)
	require.NotNil(t, rec.Activity)
	assert.Equal(t, int64(7), rec.Seq)

	o := rec.Order
	assert.Equal(t, "0xmaker", o.Maker)
	assert.Equal(t, "0xcafe", o.Contract)
	assert.Equal(t, "0xweth", o.Currency)
	assert.Equal(t, model.FillabilityFillable, o.FillabilityStatus)
	assert.Equal(t, "0", o.QuantityFilled)
	assert.Equal(t, "1", o.QuantityRemaining)

	// Pricing: 1 WETH at $2000.
	assert.Equal(t, "1000000000000000000", o.Price)
	assert.Equal(t, "1000000000000000000", o.Value)
	require.NotNil(t, o.USDPrice)
	assert.Equal(t, "2000", o.USDPrice.String())

	// Known recipient classified as marketplace, unknown defaults to royalty.
	require.Len(t, o.FeeBreakdown, 2)
	assert.Equal(t, model.FeeKindMarketplace, o.FeeBreakdown[0].Kind)
	assert.Equal(t, "0xmarket", o.FeeBreakdown[0].Recipient)
	assert.Equal(t, model.FeeKindRoyalty, o.FeeBreakdown[1].Kind)

	// Expected artist royalty was not paid, so the full 500 bps is missing
	// and the normalized value carries it.
	require.Len(t, o.MissingRoyalties, 1)
	assert.Equal(t, "0xartist", o.MissingRoyalties[0].Recipient)
	assert.Equal(t, 500, o.MissingRoyalties[0].BPS)
	assert.Equal(t, "1050000000000000000", o.NormalizedValue)

	require.NotNil(t, o.SourceID)
	assert.Equal(t, "src-1", *o.SourceID)

	a := rec.Activity
	assert.Equal(t, model.ActivityAsk, a.Type)
	assert.Equal(t, o.Maker, a.FromAddress)
	assert.Equal(t, &o.ID, a.OrderID)
	require.NotNil(t, a.Pricing)
	assert.Equal(t, o.NormalizedValue, a.Pricing.NormalizedValue)
}

func TestNormalize_Order_UnknownKind(t *testing.T) {
	n := newTestNormalizer(t, sellOrder())

	raw := &event.RawEvent{
		Kind:      event.RawOrderCreated,
		OrderKind: model.OrderKind("wyvern-v2"),
		Payload:   json.RawMessage(`{}`),
	}

	_, err := n.Normalize(context.Background(), raw, 0)
	require.Error(t, err)
	assert.Equal(t, retry.ClassTerminal, retry.Classify(err).Class)
}

func TestNormalize_Order_MissingRateKeepsIntegerLegs(t *testing.T) {
	po := sellOrder()
	po.Currency = "0xOBSCURE"
	n := newTestNormalizer(t, po)

	raw := &event.RawEvent{
		Kind:      event.RawOrderCreated,
		OrderKind: model.OrderKindSeaportV15,
		Log:       testLog(),
		Payload:   json.RawMessage(`{}`),
	}

	rec, err := n.Normalize(context.Background(), raw, 0)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", rec.Order.Value)
	assert.Nil(t, rec.Order.USDPrice)
}

func TestNormalize_Fill(t *testing.T) {
	n := newTestNormalizer(t, nil)

	payload, err := json.Marshal(event.FillPayload{
		OrderID:  "0xorder1",
		Maker:    "0xMAKER",
		Taker:    "0xTAKER",
		Contract: "0xCAFE",
		TokenID:  "42",
		Price:    "1000000000000000000",
		Currency: "0xWETH",
	})
	require.NoError(t, err)

	raw := &event.RawEvent{
		Kind:      event.RawOrderFilled,
		OrderKind: model.OrderKindSeaportV15,
		Log:       testLog(),
		Payload:   payload,
	}

	rec, err := n.Normalize(context.Background(), raw, 0)
	require.NoError(t, err)

	// Quantity defaults to one when the payload omits it.
	assert.Equal(t, "1", rec.FillQuantity)
	assert.Equal(t, "0xorder1", rec.Order.ID)
	assert.Equal(t, int64(1000), rec.Order.BlockNumber)

	a := rec.Activity
	assert.Equal(t, model.ActivitySale, a.Type)
	assert.Equal(t, "0xmaker", a.FromAddress)
	assert.Equal(t, "0xtaker", a.ToAddress)
	require.NotNil(t, a.Pricing)
	assert.Equal(t, "1000000000000000000", a.Pricing.Value)
	assert.Equal(t, int64(1700000000), a.Timestamp)
}

func TestNormalize_Cancel(t *testing.T) {
	n := newTestNormalizer(t, nil)

	testCases := []struct {
		name         string
		side         string
		activityType model.ActivityType
	}{
		{"ask cancel", "sell", model.ActivityAskCancel},
		{"bid cancel", "buy", model.ActivityBidCancel},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			payload, err := json.Marshal(event.CancelPayload{
				OrderID: "0xorder1",
				Maker:   "0xMAKER",
				Side:    tc.side,
			})
			require.NoError(t, err)

			rec, err := n.Normalize(context.Background(), &event.RawEvent{
				Kind:      event.RawOrderCancelled,
				OrderKind: model.OrderKindSeaportV15,
				Payload:   payload,
			}, 0)
			require.NoError(t, err)

			assert.Equal(t, model.FillabilityCancelled, rec.Order.FillabilityStatus)
			assert.Equal(t, tc.activityType, rec.Activity.Type)
			assert.Equal(t, "0xmaker", rec.Activity.FromAddress)
		})
	}
}

func TestNormalize_Transfer(t *testing.T) {
	n := newTestNormalizer(t, nil)

	payload, err := json.Marshal(event.TransferPayload{
		Contract: "0xCAFE",
		TokenID:  "42",
		From:     "0xA",
		To:       "0xB",
		Amount:   "1",
	})
	require.NoError(t, err)

	rec, err := n.Normalize(context.Background(), &event.RawEvent{
		Kind:    event.RawTransfer,
		Log:     testLog(),
		Payload: payload,
	}, 0)
	require.NoError(t, err)

	assert.Nil(t, rec.Order)
	assert.Equal(t, model.ActivityTransfer, rec.Activity.Type)
	assert.Equal(t, "0xcafe", rec.Activity.Contract)
	require.NotNil(t, rec.Activity.TokenID)
	assert.Equal(t, "42", *rec.Activity.TokenID)
}

func TestNormalize_OffChainTimestampFromEnvelope(t *testing.T) {
	n := newTestNormalizer(t, nil)

	payload, err := json.Marshal(event.CancelPayload{
		OrderID: "0xorder1",
		Maker:   "0xMAKER",
		Side:    "sell",
	})
	require.NoError(t, err)

	rec, err := n.Normalize(context.Background(), &event.RawEvent{
		Kind:       event.RawOrderCancelled,
		OrderKind:  model.OrderKindSeaportV15,
		Payload:    payload,
		ReceivedAt: 1700000123,
	}, 0)
	require.NoError(t, err)

	// No log to take a block timestamp from; the envelope receipt time
	// is used so a replay produces an identical activity.
	assert.Equal(t, int64(1700000123), rec.Activity.Timestamp)
}

func TestNormalize_Mint_UnparseablePseudoOrderKeepsActivity(t *testing.T) {
	registry := adapter.NewRegistry()
	registry.Register(&fakeAdapter{
		kind: model.OrderKindMint,
		err:  &adapter.ParseError{Kind: model.OrderKindMint, Reason: "bad amount"},
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := New(registry, pricing.NewStaticOracle(), royalty.NewStaticRegistry(), &fakeFees{}, &fakeSources{}, logger)

	payload, err := json.Marshal(event.TransferPayload{
		Contract: "0xCAFE",
		TokenID:  "42",
		From:     "0x0000000000000000000000000000000000000000",
		To:       "0xB",
		Amount:   "1",
	})
	require.NoError(t, err)

	rec, err := n.Normalize(context.Background(), &event.RawEvent{
		Kind:    event.RawMint,
		Log:     testLog(),
		Payload: payload,
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, model.ActivityMint, rec.Activity.Type)
	assert.Nil(t, rec.Order)
	assert.Nil(t, rec.Activity.OrderID)
}

func TestNormalizeBatch_IsolatesFailures(t *testing.T) {
	n := newTestNormalizer(t, sellOrder())

	cancel, err := json.Marshal(event.CancelPayload{OrderID: "0xorder1", Maker: "0xmaker", Side: "sell"})
	require.NoError(t, err)

	raws := []event.RawEvent{
		{Kind: event.RawOrderCreated, OrderKind: model.OrderKindSeaportV15, Log: testLog(), Payload: json.RawMessage(`{}`)},
		{Kind: event.RawOrderFilled, OrderKind: model.OrderKindSeaportV15, Log: testLog(), Payload: json.RawMessage(`{not json`)},
		{Kind: event.RawOrderCancelled, OrderKind: model.OrderKindSeaportV15, Payload: cancel},
	}

	results := n.NormalizeBatch(context.Background(), raws, 10)
	require.Len(t, results, 3)

	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(10), results[0].Record.Seq)

	require.Error(t, results[1].Err)
	assert.Equal(t, retry.ClassTerminal, retry.Classify(results[1].Err).Class)

	require.NoError(t, results[2].Err)
	assert.Equal(t, int64(12), results[2].Record.Seq)
}
