// Package event defines the wire shapes flowing through the pipeline:
// raw marketplace events in, normalized records and deltas out.
package event

import (
	"encoding/json"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type RawEventKind string

const (
	RawOrderSubmitted RawEventKind = "order-submitted"
	RawOrderCreated   RawEventKind = "order-created"
	RawOrderFilled    RawEventKind = "order-filled"
	RawOrderCancelled RawEventKind = "order-cancelled"
	RawTransfer       RawEventKind = "transfer"
	RawMint           RawEventKind = "mint"
)

func (k RawEventKind) String() string {
	return string(k)
}

// LogRef locates an on-chain event. BatchIndex disambiguates multiple
// logical events emitted by one log.
type LogRef struct {
	TxHash      string `json:"txHash"`
	LogIndex    int    `json:"logIndex"`
	BatchIndex  int    `json:"batchIndex"`
	BlockHash   string `json:"blockHash"`
	BlockNumber int64  `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
}

// RawEvent is the pipeline's input envelope. Off-chain order submissions
// carry no Log; everything chain-derived does. ReceivedAt is the
// producer-side receipt time and timestamps off-chain activities, so
// redelivering the same envelope reproduces the same row.
type RawEvent struct {
	Kind         RawEventKind    `json:"kind"`
	OrderKind    model.OrderKind `json:"orderKind"`
	Log          *LogRef         `json:"log,omitempty"`
	Payload      json.RawMessage `json:"payload"`
	SourceDomain string          `json:"sourceDomain,omitempty"`
	ReceivedAt   int64           `json:"receivedAt,omitempty"`
}

// FillPayload is the decoded payload of an order-filled event.
type FillPayload struct {
	OrderID  string `json:"orderId"`
	Maker    string `json:"maker"`
	Taker    string `json:"taker"`
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

// CancelPayload is the decoded payload of an order-cancelled event.
// Side distinguishes ask cancels from bid cancels in the activity feed.
type CancelPayload struct {
	OrderID string `json:"orderId"`
	Maker   string `json:"maker"`
	Side    string `json:"side"`
}

// TransferPayload is the decoded payload of a transfer or mint event.
type TransferPayload struct {
	Contract string `json:"contract"`
	TokenID  string `json:"tokenId"`
	From     string `json:"from"`
	To       string `json:"to"`
	Amount   string `json:"amount"`
}
