// Package looksrare normalizes LooksRare v2 orders.
package looksrare

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// Protocol fee LooksRare enforces on every fill.
const protocolFeeBPS = 50

const (
	quoteTypeBid = 0
	quoteTypeAsk = 1

	strategyStandard        = 0
	strategyCollectionOffer = 1
)

type payload struct {
	QuoteType      int      `json:"quoteType"`
	GlobalNonce    string   `json:"globalNonce"`
	OrderNonce     string   `json:"orderNonce"`
	StrategyID     int      `json:"strategyId"`
	Collection     string   `json:"collection"`
	Currency       string   `json:"currency"`
	Signer         string   `json:"signer"`
	ItemIDs        []string `json:"itemIds"`
	Amounts        []string `json:"amounts"`
	Price          string   `json:"price"`
	StartTime      int64    `json:"startTime"`
	EndTime        int64    `json:"endTime"`
	FeeRecipient   string   `json:"feeRecipient"`
}

type Adapter struct {
	exchange string
}

func New(exchange string) *Adapter {
	return &Adapter{exchange: exchange}
}

func (a *Adapter) Kind() model.OrderKind {
	return model.OrderKindLooksRareV2
}

func (a *Adapter) Parse(raw json.RawMessage) (*adapter.ParsedOrder, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: err.Error()}
	}
	if p.Signer == "" || p.Collection == "" || p.Price == "" {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: "missing signer, collection or price"}
	}

	side := model.SideSell
	if p.QuoteType == quoteTypeBid {
		side = model.SideBuy
	}

	po := &adapter.ParsedOrder{
		ID:          adapter.HashOrderID(a.Kind(), p.Signer, p.Collection, p.OrderNonce, p.GlobalNonce),
		Side:        side,
		Maker:       p.Signer,
		Contract:    p.Collection,
		Currency:    p.Currency,
		Price:       p.Price,
		ValidFrom:   p.StartTime,
		ValidUntil:  p.EndTime,
		Nonce:       p.OrderNonce,
		MasterNonce: p.GlobalNonce,
		Quantity:    "1",
	}
	if len(p.Amounts) > 0 {
		po.Quantity = p.Amounts[0]
	}

	switch {
	case p.StrategyID == strategyCollectionOffer:
		po.TokenSetID = model.ContractTokenSetID(p.Collection)
	case len(p.ItemIDs) == 1:
		id := p.ItemIDs[0]
		po.TokenID = &id
		po.TokenSetID = model.SingleTokenSetID(p.Collection, id)
	case len(p.ItemIDs) > 1:
		po.TokenSetID = model.ListTokenSetID(adapter.HashOrderID(a.Kind(), p.ItemIDs...))
	default:
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: "standard strategy without item ids"}
	}

	fee := model.FeeEntry{Kind: model.FeeKindMarketplace, Recipient: p.FeeRecipient, BPS: protocolFeeBPS}
	if fee.Recipient != "" {
		po.FeeBreakdown = []model.FeeEntry{fee}
	}
	return po, nil
}

func (a *Adapter) CheckPreconditions(ctx context.Context, o *model.Order, deps adapter.CheckDeps, opts adapter.CheckOptions) (adapter.Precondition, error) {
	// Global (subset) nonce is the cancellation epoch; order nonces are
	// invalidated individually on fill or cancel.
	current, err := deps.State.Nonce(ctx, o.Maker, a.Kind())
	if err != nil {
		return adapter.Precondition{}, fmt.Errorf("global nonce: %w", err)
	}
	cur, err1 := strconv.ParseInt(current, 10, 64)
	rec, err2 := strconv.ParseInt(o.MasterNonce, 10, 64)
	if err1 == nil && err2 == nil && cur > rec {
		return adapter.Precondition{Kind: adapter.PreconditionCancelled, Detail: "global nonce incremented"}, nil
	}

	if o.QuantityRemaining == "0" {
		return adapter.Precondition{Kind: adapter.PreconditionFilled}, nil
	}

	if pc, err := adapter.CheckQuantityBalance(ctx, o, deps.State); err != nil || !pc.Passed() {
		return pc, err
	}
	if o.Side == model.SideSell {
		return adapter.CheckApproval(ctx, o, a.exchange, deps, opts)
	}
	return adapter.OK(), nil
}

func (a *Adapter) BuildFillDetails(o *model.Order, taker, quantity string) (*adapter.FillInstruction, error) {
	if quantity == "" {
		quantity = "1"
	}
	method := "executeTakerBid"
	if o.Side == model.SideBuy {
		method = "executeTakerAsk"
	}
	data, err := json.Marshal(map[string]any{
		"method":   method,
		"order_id": o.ID,
		"taker":    taker,
		"quantity": quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode fill data: %w", err)
	}
	return &adapter.FillInstruction{
		Target:   a.exchange,
		Data:     data,
		Value:    "0",
		Taker:    taker,
		Quantity: quantity,
	}, nil
}
