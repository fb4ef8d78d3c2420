package model

import "time"

// Source is a marketplace or aggregator frontend that orders and fills
// are attributed to.
type Source struct {
	ID        string    `db:"id"`
	Domain    string    `db:"domain"`
	Name      string    `db:"name"`
	Icon      string    `db:"icon"`
	CreatedAt time.Time `db:"created_at"`
}

type FeeRecipientKind string

const (
	FeeRecipientMarketplace FeeRecipientKind = "marketplace"
	FeeRecipientRoyalty     FeeRecipientKind = "royalty"
)

// FeeRecipient classifies a fee payout address. The classification is
// what lets normalization tell marketplace fees apart from royalties in
// an order's fee breakdown.
type FeeRecipient struct {
	Address   string           `db:"address"`
	Kind      FeeRecipientKind `db:"kind"`
	SourceID  *string          `db:"source_id"`
	CreatedAt time.Time        `db:"created_at"`
}
