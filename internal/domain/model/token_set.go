package model

import (
	"fmt"
	"strings"
)

// TokenSetScheme identifies how a token set describes its membership.
type TokenSetScheme string

const (
	TokenSetSingle   TokenSetScheme = "token"
	TokenSetContract TokenSetScheme = "contract"
	TokenSetRange    TokenSetScheme = "range"
	TokenSetList     TokenSetScheme = "list"
)

// TokenSet is the resolved form of a token set id. Range and single sets
// carry their criteria inline; list sets reference stored membership.
type TokenSet struct {
	ID       string
	Scheme   TokenSetScheme
	Contract string
	TokenID  string
	RangeLo  string
	RangeHi  string
	ListHash string
}

// SingleTokenSetID builds the id for a set containing exactly one token.
func SingleTokenSetID(contract, tokenID string) string {
	return fmt.Sprintf("token:%s:%s", strings.ToLower(contract), tokenID)
}

// ContractTokenSetID builds the id for a whole-collection set.
func ContractTokenSetID(contract string) string {
	return fmt.Sprintf("contract:%s", strings.ToLower(contract))
}

// RangeTokenSetID builds the id for a contiguous token id range.
func RangeTokenSetID(contract, lo, hi string) string {
	return fmt.Sprintf("range:%s:%s:%s", strings.ToLower(contract), lo, hi)
}

// ListTokenSetID builds the id for an arbitrary enumerated set. The hash
// commits to the membership; the members themselves are stored
// separately.
func ListTokenSetID(merkleHash string) string {
	return fmt.Sprintf("list:%s", strings.ToLower(merkleHash))
}

// ParseTokenSet decodes a token set id back into its structured form.
func ParseTokenSet(id string) (*TokenSet, error) {
	parts := strings.Split(id, ":")
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed token set id: %q", id)
	}

	ts := &TokenSet{ID: id, Scheme: TokenSetScheme(parts[0])}
	switch ts.Scheme {
	case TokenSetSingle:
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed single token set id: %q", id)
		}
		ts.Contract, ts.TokenID = parts[1], parts[2]
	case TokenSetContract:
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("malformed contract token set id: %q", id)
		}
		ts.Contract = parts[1]
	case TokenSetRange:
		if len(parts) != 4 || parts[1] == "" || parts[2] == "" || parts[3] == "" {
			return nil, fmt.Errorf("malformed range token set id: %q", id)
		}
		ts.Contract, ts.RangeLo, ts.RangeHi = parts[1], parts[2], parts[3]
	case TokenSetList:
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("malformed list token set id: %q", id)
		}
		ts.ListHash = parts[1]
	default:
		return nil, fmt.Errorf("unknown token set scheme: %q", parts[0])
	}
	return ts, nil
}

// Matches reports whether the given token satisfies the set's criteria.
// List sets always return false here: membership lives in storage and
// must be resolved there.
func (ts *TokenSet) Matches(contract, tokenID string) bool {
	contract = strings.ToLower(contract)
	switch ts.Scheme {
	case TokenSetSingle:
		return ts.Contract == contract && ts.TokenID == tokenID
	case TokenSetContract:
		return ts.Contract == contract
	case TokenSetRange:
		if ts.Contract != contract {
			return false
		}
		return inDecimalRange(tokenID, ts.RangeLo, ts.RangeHi)
	default:
		return false
	}
}

// inDecimalRange compares unsigned decimal strings without parsing into
// bounded integers; token ids can exceed 64 bits.
func inDecimalRange(v, lo, hi string) bool {
	return compareDecimal(v, lo) >= 0 && compareDecimal(v, hi) <= 0
}

func compareDecimal(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
