package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderKind string

const (
	OrderKindSeaportV15  OrderKind = "seaport-v1.5"
	OrderKindSeaportV16  OrderKind = "seaport-v1.6"
	OrderKindZeroExV4    OrderKind = "zeroex-v4"
	OrderKindLooksRareV2 OrderKind = "looksrare-v2"
	OrderKindMint        OrderKind = "mint"
)

func (k OrderKind) String() string {
	return string(k)
}

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

func (s Side) String() string {
	return string(s)
}

type FillabilityStatus string

const (
	FillabilityFillable  FillabilityStatus = "fillable"
	FillabilityFilled    FillabilityStatus = "filled"
	FillabilityCancelled FillabilityStatus = "cancelled"
	FillabilityExpired   FillabilityStatus = "expired"
	FillabilityNoBalance FillabilityStatus = "no-balance"
)

func (s FillabilityStatus) String() string {
	return string(s)
}

// Terminal reports whether the status can only be left through the
// revalidation path. Expired and no-balance orders may become fillable
// again through normal revalidation; filled and cancelled are final.
func (s FillabilityStatus) Terminal() bool {
	return s == FillabilityFilled || s == FillabilityCancelled
}

type ApprovalStatus string

const (
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDisabled ApprovalStatus = "disabled"
)

func (s ApprovalStatus) String() string {
	return string(s)
}

type FeeKind string

const (
	FeeKindMarketplace FeeKind = "marketplace"
	FeeKindRoyalty     FeeKind = "royalty"
)

// FeeEntry is one element of an order's fee breakdown, expressed in
// basis points of the order value.
type FeeEntry struct {
	Kind      FeeKind `json:"kind"`
	Recipient string  `json:"recipient"`
	BPS       int     `json:"bps"`
}

// Order is the canonical, protocol-agnostic representation of a
// marketplace order after adapter normalization. Orders are never
// physically deleted; they move to a terminal status instead.
type Order struct {
	ID         string    `db:"id"`
	Kind       OrderKind `db:"kind"`
	Side       Side      `db:"side"`
	Maker      string    `db:"maker"`
	Contract   string    `db:"contract"`
	TokenID    *string   `db:"token_id"`
	TokenSetID string    `db:"token_set_id"`

	Currency         string           `db:"currency"`
	Price            string           `db:"price"`
	CurrencyPrice    string           `db:"currency_price"`
	Value            string           `db:"value"`
	NormalizedValue  string           `db:"normalized_value"`
	USDPrice         *decimal.Decimal `db:"usd_price"`
	FeeBreakdown     []FeeEntry       `db:"fee_breakdown"`
	MissingRoyalties []FeeEntry       `db:"missing_royalties"`

	FillabilityStatus FillabilityStatus `db:"fillability_status"`
	ApprovalStatus    ApprovalStatus    `db:"approval_status"`

	QuantityFilled    string `db:"quantity_filled"`
	QuantityRemaining string `db:"quantity_remaining"`

	// ValidFrom/ValidUntil bound the half-open validity range in unix
	// seconds. ValidUntil == 0 means no expiry.
	ValidFrom  int64 `db:"valid_from"`
	ValidUntil int64 `db:"valid_until"`

	Nonce       string  `db:"nonce"`
	MasterNonce string  `db:"master_nonce"`
	SourceID    *string `db:"source_id"`

	BlockNumber int64 `db:"block_number"`
	LogIndex    int   `db:"log_index"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Fillable reports whether the order can currently be executed: status
// fillable, quantity remaining, and a validity window covering now.
func (o *Order) Fillable(now time.Time) bool {
	if o.FillabilityStatus != FillabilityFillable {
		return false
	}
	if o.QuantityRemaining == "" || o.QuantityRemaining == "0" {
		return false
	}
	ts := now.Unix()
	if o.ValidFrom > ts {
		return false
	}
	return o.ValidUntil == 0 || o.ValidUntil > ts
}
