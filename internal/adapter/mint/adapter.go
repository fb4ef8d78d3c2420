// Package mint produces synthetic pseudo-orders from mint events so that
// primary sales surface in the same canonical order model as secondary
// listings. Mint pseudo-orders are historical records: they are never
// fillable and cannot be executed.
package mint

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// payload is the transfer-event shape plus the optional mint pricing
// fields.
type payload struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Amount   string `json:"amount"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
	TxHash   string `json:"txHash"`
}

type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Kind() model.OrderKind {
	return model.OrderKindMint
}

func (a *Adapter) Parse(raw json.RawMessage) (*adapter.ParsedOrder, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: err.Error()}
	}
	if p.Contract == "" || p.TokenID == "" {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: "missing contract or tokenId"}
	}

	quantity := p.Amount
	if quantity == "" {
		quantity = "1"
	}
	price := p.Price
	if price == "" {
		price = "0"
	}

	id := p.TokenID
	return &adapter.ParsedOrder{
		// Synthetic id: mints have no protocol order hash.
		ID:         adapter.HashOrderID(a.Kind(), p.Contract, p.TokenID, p.TxHash),
		Side:       model.SideSell,
		Maker:      p.Contract,
		Contract:   p.Contract,
		TokenID:    &id,
		TokenSetID: model.SingleTokenSetID(p.Contract, p.TokenID),
		Currency:   p.Currency,
		Price:      price,
		Quantity:   quantity,
	}, nil
}

func (a *Adapter) CheckPreconditions(_ context.Context, _ *model.Order, _ adapter.CheckDeps, _ adapter.CheckOptions) (adapter.Precondition, error) {
	return adapter.Precondition{Kind: adapter.PreconditionInvalidTarget, Detail: "mint pseudo-orders are not fillable"}, nil
}

func (a *Adapter) BuildFillDetails(_ *model.Order, _, _ string) (*adapter.FillInstruction, error) {
	return nil, errors.New("mint pseudo-orders cannot be filled")
}
