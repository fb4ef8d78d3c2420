package adapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// ParseError means the adapter could not interpret a raw payload. It is
// never retried: a malformed payload stays malformed.
type ParseError struct {
	Kind   model.OrderKind
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s order: %s", e.Kind, e.Reason)
}

// ParsedOrder holds the canonical order fields an adapter extracts from a
// raw payload, before pricing/royalty normalization.
type ParsedOrder struct {
	ID         string
	Side       model.Side
	Maker      string
	Contract   string
	TokenID    *string
	TokenSetID string

	Currency string
	Price    string // native-unit integer string, per unit

	Quantity     string
	FeeBreakdown []model.FeeEntry

	ValidFrom  int64
	ValidUntil int64

	Nonce       string
	MasterNonce string
}

type PreconditionKind string

const (
	PreconditionOK            PreconditionKind = "ok"
	PreconditionNoBalance     PreconditionKind = "no-balance"
	PreconditionNoApproval    PreconditionKind = "no-approval"
	PreconditionCancelled     PreconditionKind = "cancelled"
	PreconditionFilled        PreconditionKind = "filled"
	PreconditionInvalidTarget PreconditionKind = "invalid-target"
)

// Precondition is a tagged result, never an error: business outcomes
// cross the adapter boundary as values so batch processing can continue
// past one failed item.
type Precondition struct {
	Kind   PreconditionKind
	Detail string
}

func OK() Precondition {
	return Precondition{Kind: PreconditionOK}
}

func (p Precondition) Passed() bool {
	return p.Kind == PreconditionOK
}

// CheckOptions controls the precondition check depth. Checks are
// off-chain-first; OnChainApprovalRecheck forces an RPC round-trip when
// the cached approval state is suspected stale.
type CheckOptions struct {
	OnChainApprovalRecheck bool
}

// StateReader serves cached off-chain balance/approval/nonce state.
type StateReader interface {
	CurrencyBalance(ctx context.Context, owner, currency string) (*big.Int, error)
	TokenBalance(ctx context.Context, owner, contract, tokenID string) (*big.Int, error)
	Approval(ctx context.Context, owner, operator, contract string) (bool, error)
	Nonce(ctx context.Context, maker string, kind model.OrderKind) (string, error)
}

// ChainChecker re-verifies approval state on-chain. Used only when
// CheckOptions.OnChainApprovalRecheck is set.
type ChainChecker interface {
	ApprovalOnChain(ctx context.Context, owner, operator, contract string) (bool, error)
}

// CheckDeps bundles the read-only collaborators precondition checks use.
type CheckDeps struct {
	State StateReader
	Chain ChainChecker
}

// FillInstruction tells the execute flow how to fill an order.
type FillInstruction struct {
	Target   string          `json:"target"`
	Data     json.RawMessage `json:"data"`
	Value    string          `json:"value"`
	Taker    string          `json:"taker"`
	Quantity string          `json:"quantity"`
}

// Adapter is the per-protocol capability set. Implementations are
// free-standing pure functions over the payload plus read-only reference
// state; they share no mutable state with each other.
type Adapter interface {
	Kind() model.OrderKind
	Parse(raw json.RawMessage) (*ParsedOrder, error)
	CheckPreconditions(ctx context.Context, o *model.Order, deps CheckDeps, opts CheckOptions) (Precondition, error)
	BuildFillDetails(o *model.Order, taker, quantity string) (*FillInstruction, error)
}

// Registry is a pure dispatch table keyed by order kind. Register during
// construction; reads are lock-free afterward.
type Registry struct {
	adapters map[model.OrderKind]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[model.OrderKind]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

func (r *Registry) Get(kind model.OrderKind) (Adapter, bool) {
	a, ok := r.adapters[kind]
	return a, ok
}

func (r *Registry) Kinds() []model.OrderKind {
	kinds := make([]model.OrderKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	return kinds
}

// HashOrderID derives the protocol-specific deterministic order id from
// the fields that uniquely identify the order within its protocol.
// Signature-level hashing (EIP-712 etc.) is the excluded crypto layer's
// concern; identity here only has to be stable and collision-resistant
// for the same logical order.
func HashOrderID(kind model.OrderKind, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(kind.String()))
	for _, p := range parts {
		h.Write([]byte{0x00})
		h.Write([]byte(strings.ToLower(p)))
	}
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// CheckQuantityBalance verifies the maker still holds what the order
// promises: currency for buys, the token itself for sells.
func CheckQuantityBalance(ctx context.Context, o *model.Order, state StateReader) (Precondition, error) {
	switch o.Side {
	case model.SideBuy:
		bal, err := state.CurrencyBalance(ctx, o.Maker, o.Currency)
		if err != nil {
			return Precondition{}, fmt.Errorf("currency balance: %w", err)
		}
		need, ok := new(big.Int).SetString(o.Price, 10)
		if !ok {
			return Precondition{Kind: PreconditionInvalidTarget, Detail: "unparseable price"}, nil
		}
		if bal.Cmp(need) < 0 {
			return Precondition{Kind: PreconditionNoBalance, Detail: "insufficient currency balance"}, nil
		}
	case model.SideSell:
		tokenID := ""
		if o.TokenID != nil {
			tokenID = *o.TokenID
		}
		bal, err := state.TokenBalance(ctx, o.Maker, o.Contract, tokenID)
		if err != nil {
			return Precondition{}, fmt.Errorf("token balance: %w", err)
		}
		if bal.Sign() <= 0 {
			return Precondition{Kind: PreconditionNoBalance, Detail: "maker no longer holds token"}, nil
		}
	}
	return OK(), nil
}

// CheckApproval does the two-tier approval check: cached state first,
// on-chain re-verify only when requested.
func CheckApproval(ctx context.Context, o *model.Order, operator string, deps CheckDeps, opts CheckOptions) (Precondition, error) {
	approved, err := deps.State.Approval(ctx, o.Maker, operator, o.Contract)
	if err != nil {
		return Precondition{}, fmt.Errorf("cached approval: %w", err)
	}
	if !approved && opts.OnChainApprovalRecheck && deps.Chain != nil {
		approved, err = deps.Chain.ApprovalOnChain(ctx, o.Maker, operator, o.Contract)
		if err != nil {
			return Precondition{}, fmt.Errorf("on-chain approval: %w", err)
		}
	}
	if !approved {
		return Precondition{Kind: PreconditionNoApproval, Detail: "operator not approved"}, nil
	}
	return OK(), nil
}
