// Package normalizer turns raw marketplace events into canonical
// normalized records: one pass of parsing, fee classification, pricing,
// and royalty normalization per event.
package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/event"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
	"github.com/reservoirprotocol/indexer-go/internal/metrics"
	"github.com/reservoirprotocol/indexer-go/internal/pipeline/retry"
	"github.com/reservoirprotocol/indexer-go/internal/pricing"
	"github.com/reservoirprotocol/indexer-go/internal/royalty"
)

// FeeClassifier resolves a payout address to its recipient kind.
type FeeClassifier interface {
	Classify(ctx context.Context, address string) (model.FeeRecipientKind, bool, error)
}

// SourceResolver maps an order's source domain to a registered source.
type SourceResolver interface {
	Resolve(ctx context.Context, domain string) (*model.Source, error)
}

type Normalizer struct {
	adapters  *adapter.Registry
	oracle    pricing.Oracle
	royalties royalty.Registry
	fees      FeeClassifier
	sources   SourceResolver
	logger    *slog.Logger
}

func New(
	adapters *adapter.Registry,
	oracle pricing.Oracle,
	royalties royalty.Registry,
	fees FeeClassifier,
	sources SourceResolver,
	logger *slog.Logger,
) *Normalizer {
	return &Normalizer{
		adapters:  adapters,
		oracle:    oracle,
		royalties: royalties,
		fees:      fees,
		sources:   sources,
		logger:    logger.With("component", "normalizer"),
	}
}

// Result pairs one input event with its outcome. Batch normalization
// never aborts on one bad event; failures surface per index.
type Result struct {
	Record *event.NormalizedRecord
	Err    error
}

// NormalizeBatch processes events independently and in order. Seq is
// assigned from the batch position so downstream ordering per key is
// stable.
func (n *Normalizer) NormalizeBatch(ctx context.Context, raws []event.RawEvent, baseSeq int64) []Result {
	out := make([]Result, len(raws))
	for i := range raws {
		start := time.Now()
		rec, err := n.Normalize(ctx, &raws[i], baseSeq+int64(i))
		outcome := "ok"
		if err != nil {
			outcome = "error"
			n.logger.Warn("event normalization failed",
				"kind", raws[i].Kind,
				"order_kind", raws[i].OrderKind,
				"error", err,
			)
		}
		metrics.NormalizedEventsTotal.WithLabelValues(string(raws[i].Kind), outcome).Inc()
		metrics.NormalizerLatency.WithLabelValues(string(raws[i].Kind)).Observe(time.Since(start).Seconds())
		out[i] = Result{Record: rec, Err: err}
	}
	return out
}

func (n *Normalizer) Normalize(ctx context.Context, raw *event.RawEvent, seq int64) (*event.NormalizedRecord, error) {
	switch raw.Kind {
	case event.RawOrderSubmitted, event.RawOrderCreated:
		return n.normalizeOrder(ctx, raw, seq)
	case event.RawOrderFilled:
		return n.normalizeFill(ctx, raw, seq)
	case event.RawOrderCancelled:
		return n.normalizeCancel(raw, seq)
	case event.RawTransfer, event.RawMint:
		return n.normalizeTransfer(ctx, raw, seq)
	default:
		return nil, retry.Terminal(fmt.Errorf("unknown event kind: %q", raw.Kind))
	}
}

func (n *Normalizer) normalizeOrder(ctx context.Context, raw *event.RawEvent, seq int64) (*event.NormalizedRecord, error) {
	ad, ok := n.adapters.Get(raw.OrderKind)
	if !ok {
		return nil, retry.Terminal(fmt.Errorf("unknown order kind: %q", raw.OrderKind))
	}

	po, err := ad.Parse(raw.Payload)
	if err != nil {
		return nil, retry.Terminal(err)
	}

	o := &model.Order{
		ID:                po.ID,
		Kind:              raw.OrderKind,
		Side:              po.Side,
		Maker:             strings.ToLower(po.Maker),
		Contract:          strings.ToLower(po.Contract),
		TokenID:           po.TokenID,
		TokenSetID:        po.TokenSetID,
		Currency:          strings.ToLower(po.Currency),
		FillabilityStatus: model.FillabilityFillable,
		ApprovalStatus:    model.ApprovalApproved,
		QuantityFilled:    "0",
		QuantityRemaining: po.Quantity,
		ValidFrom:         po.ValidFrom,
		ValidUntil:        po.ValidUntil,
		Nonce:             po.Nonce,
		MasterNonce:       po.MasterNonce,
	}
	if raw.Log != nil {
		o.BlockNumber = raw.Log.BlockNumber
		o.LogIndex = raw.Log.LogIndex
	}

	o.FeeBreakdown, err = n.classifyFees(ctx, po.FeeBreakdown)
	if err != nil {
		return nil, err
	}

	breakdown, err := n.price(ctx, o.Currency, po.Price, po.Quantity)
	if err != nil {
		return nil, err
	}
	o.Price = breakdown.Price
	o.CurrencyPrice = breakdown.CurrencyPrice
	o.Value = breakdown.Value
	if usd := breakdown.USD; !usd.IsZero() {
		o.USDPrice = &usd
	}

	if err := n.applyRoyalties(ctx, o); err != nil {
		return nil, err
	}

	if raw.SourceDomain != "" {
		src, err := n.sources.Resolve(ctx, raw.SourceDomain)
		if err != nil {
			return nil, fmt.Errorf("resolve source %s: %w", raw.SourceDomain, err)
		}
		if src != nil {
			o.SourceID = &src.ID
		}
	}

	activityType := model.ActivityAsk
	if o.Side == model.SideBuy {
		activityType = model.ActivityBid
	}
	act := n.buildActivity(activityType, raw, o.ID)
	act.FromAddress = o.Maker
	act.Contract = o.Contract
	act.TokenID = o.TokenID
	act.CollectionID = o.Contract
	act.OrderID = &o.ID
	act.Pricing = &model.ActivityPricing{
		Currency:        o.Currency,
		Price:           o.Price,
		CurrencyPrice:   o.CurrencyPrice,
		Value:           o.Value,
		NormalizedValue: o.NormalizedValue,
		USDPrice:        o.USDPrice,
	}

	return &event.NormalizedRecord{Order: o, Activity: act, Seq: seq}, nil
}

func (n *Normalizer) normalizeFill(ctx context.Context, raw *event.RawEvent, seq int64) (*event.NormalizedRecord, error) {
	var p event.FillPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if p.OrderID == "" || raw.Log == nil {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: fill without order id or log"))
	}
	quantity := p.Quantity
	if quantity == "" {
		quantity = "1"
	}

	o := &model.Order{
		ID:          p.OrderID,
		Kind:        raw.OrderKind,
		BlockNumber: raw.Log.BlockNumber,
		LogIndex:    raw.Log.LogIndex,
	}

	act := n.buildActivity(model.ActivitySale, raw, p.OrderID)
	act.FromAddress = strings.ToLower(p.Maker)
	act.ToAddress = strings.ToLower(p.Taker)
	act.Contract = strings.ToLower(p.Contract)
	if p.TokenID != "" {
		id := p.TokenID
		act.TokenID = &id
	}
	act.CollectionID = act.Contract
	act.OrderID = &p.OrderID

	if p.Price != "" {
		breakdown, err := n.price(ctx, strings.ToLower(p.Currency), p.Price, quantity)
		if err != nil {
			return nil, err
		}
		pr := &model.ActivityPricing{
			Currency:      strings.ToLower(p.Currency),
			Price:         breakdown.Price,
			CurrencyPrice: breakdown.CurrencyPrice,
			Value:         breakdown.Value,
		}
		if usd := breakdown.USD; !usd.IsZero() {
			pr.USDPrice = &usd
		}
		act.Pricing = pr
	}

	return &event.NormalizedRecord{
		Order:        o,
		Activity:     act,
		FillQuantity: quantity,
		Seq:          seq,
	}, nil
}

func (n *Normalizer) normalizeCancel(raw *event.RawEvent, seq int64) (*event.NormalizedRecord, error) {
	var p event.CancelPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if p.OrderID == "" {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: cancel without order id"))
	}

	o := &model.Order{
		ID:                p.OrderID,
		Kind:              raw.OrderKind,
		FillabilityStatus: model.FillabilityCancelled,
	}
	if raw.Log != nil {
		o.BlockNumber = raw.Log.BlockNumber
		o.LogIndex = raw.Log.LogIndex
	}

	activityType := model.ActivityAskCancel
	if p.Side == string(model.SideBuy) {
		activityType = model.ActivityBidCancel
	}
	act := n.buildActivity(activityType, raw, p.OrderID)
	act.FromAddress = strings.ToLower(p.Maker)
	act.OrderID = &p.OrderID

	return &event.NormalizedRecord{Order: o, Activity: act, Seq: seq}, nil
}

func (n *Normalizer) normalizeTransfer(ctx context.Context, raw *event.RawEvent, seq int64) (*event.NormalizedRecord, error) {
	var p event.TransferPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: %w", err))
	}
	if p.Contract == "" || p.TokenID == "" || raw.Log == nil {
		return nil, retry.Terminal(fmt.Errorf("malformed payload: transfer without contract, token or log"))
	}

	activityType := model.ActivityTransfer
	if raw.Kind == event.RawMint {
		activityType = model.ActivityMint
	}

	act := n.buildActivity(activityType, raw, "")
	act.FromAddress = strings.ToLower(p.From)
	act.ToAddress = strings.ToLower(p.To)
	act.Contract = strings.ToLower(p.Contract)
	id := p.TokenID
	act.TokenID = &id
	act.CollectionID = act.Contract

	rec := &event.NormalizedRecord{Activity: act, Seq: seq}

	// Mints carry a synthetic pseudo-order so primary sales show up in
	// the order model.
	if raw.Kind == event.RawMint {
		if ad, ok := n.adapters.Get(model.OrderKindMint); ok {
			po, err := ad.Parse(raw.Payload)
			if err != nil {
				// The transfer activity still stands; only the synthetic
				// order is dropped.
				n.logger.Warn("mint pseudo-order skipped",
					"contract", act.Contract,
					"error", err,
					"payload", string(raw.Payload),
				)
			} else {
				rec.Order = &model.Order{
					ID:                po.ID,
					Kind:              model.OrderKindMint,
					Side:              po.Side,
					Maker:             strings.ToLower(po.Maker),
					Contract:          act.Contract,
					TokenID:           act.TokenID,
					TokenSetID:        po.TokenSetID,
					Currency:          strings.ToLower(po.Currency),
					Price:             po.Price,
					CurrencyPrice:     po.Price,
					Value:             po.Price,
					NormalizedValue:   po.Price,
					FillabilityStatus: model.FillabilityFilled,
					QuantityFilled:    po.Quantity,
					QuantityRemaining: "0",
					BlockNumber:       raw.Log.BlockNumber,
					LogIndex:          raw.Log.LogIndex,
				}
				rec.Activity.OrderID = &rec.Order.ID
			}
		}
	}
	return rec, nil
}

// classifyFees resolves each fee entry's kind from the recipient
// registry. Unknown recipients default to royalty: misclassifying a
// royalty as a marketplace fee would corrupt normalized values.
func (n *Normalizer) classifyFees(ctx context.Context, fees []model.FeeEntry) ([]model.FeeEntry, error) {
	if len(fees) == 0 {
		return nil, nil
	}
	out := make([]model.FeeEntry, len(fees))
	for i, f := range fees {
		f.Recipient = strings.ToLower(f.Recipient)
		if f.Kind == "" {
			kind, found, err := n.fees.Classify(ctx, f.Recipient)
			if err != nil {
				return nil, fmt.Errorf("classify fee recipient %s: %w", f.Recipient, err)
			}
			if found && kind == model.FeeRecipientMarketplace {
				f.Kind = model.FeeKindMarketplace
			} else {
				f.Kind = model.FeeKindRoyalty
			}
		}
		out[i] = f
	}
	return out, nil
}

func (n *Normalizer) price(ctx context.Context, currency, price, quantity string) (pricing.Breakdown, error) {
	rate, decimals, err := n.oracle.USDRate(ctx, currency)
	if err != nil {
		// The USD leg is display-only; a missing rate must not block
		// ingestion of the integer legs.
		n.logger.Warn("usd rate unavailable", "currency", currency, "error", err)
		rate, decimals = decimal.Zero, 18
	}
	bd, err := pricing.Compute(price, quantity, rate, decimals)
	if err != nil {
		return pricing.Breakdown{}, retry.Terminal(err)
	}
	return bd, nil
}

// applyRoyalties computes missing royalties and the normalized value.
// The adjustment is asymmetric: underpayment adds to the normalized
// value, overpayment never subtracts.
func (n *Normalizer) applyRoyalties(ctx context.Context, o *model.Order) error {
	expected, err := n.royalties.ExpectedRoyalties(ctx, o.Contract)
	if err != nil {
		return fmt.Errorf("expected royalties %s: %w", o.Contract, err)
	}

	var paid []model.FeeEntry
	for _, f := range o.FeeBreakdown {
		if f.Kind == model.FeeKindRoyalty {
			paid = append(paid, f)
		}
	}

	o.MissingRoyalties = royalty.Missing(expected, paid)
	normalized, err := royalty.NormalizedValue(o.Value, o.MissingRoyalties)
	if err != nil {
		return retry.Terminal(err)
	}
	o.NormalizedValue = normalized
	return nil
}

func (n *Normalizer) buildActivity(t model.ActivityType, raw *event.RawEvent, orderID string) *model.Activity {
	a := &model.Activity{
		ID:   ActivityID(t, raw.Log, orderID),
		Type: t,
		// Off-chain events have no block timestamp; the envelope receipt
		// time stands in, so replays reproduce the same row.
		Timestamp: raw.ReceivedAt,
	}
	if raw.Log != nil {
		a.TxHash = raw.Log.TxHash
		a.LogIndex = raw.Log.LogIndex
		a.BatchIndex = raw.Log.BatchIndex
		a.BlockHash = raw.Log.BlockHash
		a.BlockNumber = raw.Log.BlockNumber
		a.Timestamp = raw.Log.Timestamp
	}
	return a
}
