// Package seaport normalizes Seaport protocol orders (v1.5 and v1.6
// share the order shape; they differ only in exchange deployment and
// counter semantics).
package seaport

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/reservoirprotocol/indexer-go/internal/adapter"
	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

const (
	itemTypeNative          = 0
	itemTypeERC20           = 1
	itemTypeERC721          = 2
	itemTypeERC1155         = 3
	itemTypeERC721Criteria  = 4
	itemTypeERC1155Criteria = 5
)

type offerItem struct {
	ItemType             int    `json:"itemType"`
	Token                string `json:"token"`
	IdentifierOrCriteria string `json:"identifierOrCriteria"`
	StartAmount          string `json:"startAmount"`
}

type considerationItem struct {
	offerItem
	Recipient string `json:"recipient"`
}

type payload struct {
	Offerer       string              `json:"offerer"`
	Offer         []offerItem         `json:"offer"`
	Consideration []considerationItem `json:"consideration"`
	StartTime     int64               `json:"startTime"`
	EndTime       int64               `json:"endTime"`
	Counter       string              `json:"counter"`
	Salt          string              `json:"salt"`
	ConduitKey    string              `json:"conduitKey"`
}

type Adapter struct {
	kind     model.OrderKind
	exchange string
}

// New returns the adapter for the given Seaport version.
func New(kind model.OrderKind, exchange string) *Adapter {
	return &Adapter{kind: kind, exchange: exchange}
}

func (a *Adapter) Kind() model.OrderKind {
	return a.kind
}

func (a *Adapter) Parse(raw json.RawMessage) (*adapter.ParsedOrder, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &adapter.ParseError{Kind: a.kind, Reason: err.Error()}
	}
	if p.Offerer == "" || len(p.Offer) == 0 || len(p.Consideration) == 0 {
		return nil, &adapter.ParseError{Kind: a.kind, Reason: "missing offerer, offer or consideration"}
	}

	side, nft, err := classify(p)
	if err != nil {
		return nil, &adapter.ParseError{Kind: a.kind, Reason: err.Error()}
	}

	po := &adapter.ParsedOrder{
		ID:          adapter.HashOrderID(a.kind, p.Offerer, p.Salt, p.Counter, p.ConduitKey),
		Side:        side,
		Maker:       p.Offerer,
		Contract:    nft.Token,
		ValidFrom:   p.StartTime,
		ValidUntil:  p.EndTime,
		Nonce:       p.Counter,
		MasterNonce: p.Counter,
		Quantity:    nft.StartAmount,
	}

	switch nft.ItemType {
	case itemTypeERC721, itemTypeERC1155:
		id := nft.IdentifierOrCriteria
		po.TokenID = &id
		po.TokenSetID = model.SingleTokenSetID(nft.Token, id)
	case itemTypeERC721Criteria, itemTypeERC1155Criteria:
		// Criteria root 0 means any token in the collection; otherwise
		// the root scopes an explicit token list resolved elsewhere.
		if nft.IdentifierOrCriteria == "0" || nft.IdentifierOrCriteria == "" {
			po.TokenSetID = model.ContractTokenSetID(nft.Token)
		} else {
			po.TokenSetID = model.ListTokenSetID(nft.IdentifierOrCriteria)
		}
	}

	if side == model.SideSell {
		// Taker pays the consideration total; entries not going to the
		// offerer are fees.
		total := new(big.Int)
		for _, c := range p.Consideration {
			amt, ok := new(big.Int).SetString(c.StartAmount, 10)
			if !ok {
				return nil, &adapter.ParseError{Kind: a.kind, Reason: "unparseable consideration amount: " + c.StartAmount}
			}
			total.Add(total, amt)
		}
		po.Currency = p.Consideration[0].Token
		po.Price = total.String()
		po.FeeBreakdown = feeEntries(p.Consideration, p.Offerer, total)
	} else {
		// Buy: the offer is the currency amount; fee entries are the
		// consideration legs not delivering the NFT.
		amt, ok := new(big.Int).SetString(p.Offer[0].StartAmount, 10)
		if !ok {
			return nil, &adapter.ParseError{Kind: a.kind, Reason: "unparseable offer amount: " + p.Offer[0].StartAmount}
		}
		po.Currency = p.Offer[0].Token
		po.Price = amt.String()
		var fees []considerationItem
		for _, c := range p.Consideration {
			if c.ItemType == itemTypeNative || c.ItemType == itemTypeERC20 {
				fees = append(fees, c)
			}
		}
		po.FeeBreakdown = feeEntries(fees, p.Offerer, amt)
	}

	if po.Quantity == "" {
		po.Quantity = "1"
	}
	return po, nil
}

// classify finds the NFT leg and derives the order side.
func classify(p payload) (model.Side, offerItem, error) {
	for _, o := range p.Offer {
		if o.ItemType >= itemTypeERC721 {
			return model.SideSell, o, nil
		}
	}
	for _, c := range p.Consideration {
		if c.ItemType >= itemTypeERC721 {
			return model.SideBuy, c.offerItem, nil
		}
	}
	return "", offerItem{}, fmt.Errorf("no NFT leg in offer or consideration")
}

// feeEntries converts non-offerer consideration legs into bps entries
// relative to the order total.
func feeEntries(items []considerationItem, offerer string, total *big.Int) []model.FeeEntry {
	if total.Sign() == 0 {
		return nil
	}
	var fees []model.FeeEntry
	for _, c := range items {
		if c.Recipient == "" || c.Recipient == offerer {
			continue
		}
		amt, ok := new(big.Int).SetString(c.StartAmount, 10)
		if !ok || amt.Sign() == 0 {
			continue
		}
		bps := new(big.Int).Mul(amt, big.NewInt(10000))
		bps.Quo(bps, total)
		fees = append(fees, model.FeeEntry{
			Kind:      model.FeeKindMarketplace,
			Recipient: c.Recipient,
			BPS:       int(bps.Int64()),
		})
	}
	return fees
}

func (a *Adapter) CheckPreconditions(ctx context.Context, o *model.Order, deps adapter.CheckDeps, opts adapter.CheckOptions) (adapter.Precondition, error) {
	// Counter-based cancellation epoch: a maker counter above the
	// order's recorded counter voids every order signed under it.
	current, err := deps.State.Nonce(ctx, o.Maker, a.kind)
	if err != nil {
		return adapter.Precondition{}, fmt.Errorf("maker counter: %w", err)
	}
	cur, err1 := strconv.ParseInt(current, 10, 64)
	rec, err2 := strconv.ParseInt(o.MasterNonce, 10, 64)
	if err1 == nil && err2 == nil && cur > rec {
		return adapter.Precondition{Kind: adapter.PreconditionCancelled, Detail: "counter incremented"}, nil
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
	data, err := json.Marshal(map[string]any{
		"method":   "fulfillAdvancedOrder",
		"order_id": o.ID,
		"taker":    taker,
		"quantity": quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("encode fill data: %w", err)
	}
	value := "0"
	if o.Side == model.SideSell && isNative(o.Currency) {
		value = o.Price
	}
	return &adapter.FillInstruction{
		Target:   a.exchange,
		Data:     data,
		Value:    value,
		Taker:    taker,
		Quantity: quantity,
	}, nil
}

func isNative(currency string) bool {
	return currency == "" || currency == "0x0000000000000000000000000000000000000000"
}
