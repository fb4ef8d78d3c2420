package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type ActivityType string

const (
	ActivityAsk       ActivityType = "ask"
	ActivityBid       ActivityType = "bid"
	ActivityAskCancel ActivityType = "ask_cancel"
	ActivityBidCancel ActivityType = "bid_cancel"
	ActivitySale      ActivityType = "sale"
	ActivityMint      ActivityType = "mint"
	ActivityTransfer  ActivityType = "transfer"
)

func (t ActivityType) String() string {
	return string(t)
}

// ActivityPricing is the price snapshot captured when the activity was
// produced. It is immutable: later order price changes never rewrite it.
type ActivityPricing struct {
	Currency        string           `json:"currency"`
	Price           string           `json:"price"`
	CurrencyPrice   string           `json:"currencyPrice"`
	Value           string           `json:"value"`
	NormalizedValue string           `json:"normalizedValue"`
	USDPrice        *decimal.Decimal `json:"usdPrice,omitempty"`
}

// Activity is one append-only entry in a collection's event timeline.
// The ID is deterministic over the triggering event so redelivery maps
// to the same row.
type Activity struct {
	ID   string       `db:"id"`
	Type ActivityType `db:"type"`

	FromAddress  string  `db:"from_address"`
	ToAddress    string  `db:"to_address"`
	Contract     string  `db:"contract"`
	TokenID      *string `db:"token_id"`
	CollectionID string  `db:"collection_id"`

	Pricing *ActivityPricing `db:"pricing"`

	// Denormalized display metadata, backfilled asynchronously.
	TokenName       string `db:"token_name"`
	TokenImage      string `db:"token_image"`
	CollectionName  string `db:"collection_name"`
	CollectionImage string `db:"collection_image"`

	TxHash      string `db:"tx_hash"`
	LogIndex    int    `db:"log_index"`
	BatchIndex  int    `db:"batch_index"`
	BlockHash   string `db:"block_hash"`
	BlockNumber int64  `db:"block_number"`

	OrderID *string `db:"order_id"`

	Timestamp int64     `db:"timestamp"`
	CreatedAt time.Time `db:"created_at"`
}
