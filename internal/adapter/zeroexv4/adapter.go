// Package zeroexv4 normalizes 0x v4 NFT orders.
package zeroexv4

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type feeItem struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type payload struct {
	Direction        int       `json:"direction"` // 0 = sell, 1 = buy
	Maker            string    `json:"maker"`
	NFT              string    `json:"nft"`
	NFTID            string    `json:"nftId"`
	NFTAmount        string    `json:"nftAmount"`
	ERC20Token       string    `json:"erc20Token"`
	ERC20TokenAmount string    `json:"erc20TokenAmount"`
	Fees             []feeItem `json:"fees"`
	Expiry           int64     `json:"expiry"`
	Nonce            string    `json:"nonce"`
}

type Adapter struct {
	exchange string
}

func New(exchange string) *Adapter {
	return &Adapter{exchange: exchange}
}

func (a *Adapter) Kind() model.OrderKind {
	return model.OrderKindZeroExV4
}

func (a *Adapter) Parse(raw json.RawMessage) (*adapter.ParsedOrder, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: err.Error()}
	}
	if p.Maker == "" || p.NFT == "" {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: "missing maker or nft"}
	}

	price, ok := new(big.Int).SetString(p.ERC20TokenAmount, 10)
	if !ok {
		return nil, &adapter.ParseError{Kind: a.Kind(), Reason: "unparseable erc20TokenAmount: " + p.ERC20TokenAmount}
	}

	side := model.SideSell
	if p.Direction == 1 {
		side = model.SideBuy
	}

	// 0x fees are absolute amounts on top of the erc20 amount.
	var fees []model.FeeEntry
	for _, f := range p.Fees {
		amt, ok := new(big.Int).SetString(f.Amount, 10)
		if !ok || amt.Sign() == 0 || price.Sign() == 0 {
			continue
		}
		bps := new(big.Int).Mul(amt, big.NewInt(10000))
		bps.Quo(bps, price)
		fees = append(fees, model.FeeEntry{
			Kind:      model.FeeKindMarketplace,
			Recipient: f.Recipient,
			BPS:       int(bps.Int64()),
		})
	}

	quantity := p.NFTAmount
	if quantity == "" {
		quantity = "1"
	}

	id := p.NFTID
	return &adapter.ParsedOrder{
		ID:           adapter.HashOrderID(a.Kind(), p.Maker, p.NFT, p.NFTID, p.Nonce),
		Side:         side,
		Maker:        p.Maker,
		Contract:     p.NFT,
		TokenID:      &id,
		TokenSetID:   model.SingleTokenSetID(p.NFT, p.NFTID),
		Currency:     p.ERC20Token,
		Price:        price.String(),
		Quantity:     quantity,
		FeeBreakdown: fees,
		ValidUntil:   p.Expiry,
		Nonce:        p.Nonce,
		MasterNonce:  p.Nonce,
	}, nil
}

func (a *Adapter) CheckPreconditions(ctx context.Context, o *model.Order, deps adapter.CheckDeps, opts adapter.CheckOptions) (adapter.Precondition, error) {
	// 0x v4 nonces are per-order, not epoch-based: a consumed nonce means
	// this specific order was filled or cancelled.
	current, err := deps.State.Nonce(ctx, o.Maker, a.Kind())
	if err != nil {
		return adapter.Precondition{}, fmt.Errorf("maker nonce: %w", err)
	}
	cur, err1 := strconv.ParseInt(current, 10, 64)
	rec, err2 := strconv.ParseInt(o.Nonce, 10, 64)
	if err1 == nil && err2 == nil && rec < cur {
		return adapter.Precondition{Kind: adapter.PreconditionCancelled, Detail: "nonce consumed"}, nil
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
	method := "buyERC721"
	if o.Side == model.SideBuy {
		method = "sellERC721"
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
