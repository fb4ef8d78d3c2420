// Package royalty computes missing-royalty breakdowns against a
// per-collection royalty registry.
package royalty

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

// Registry resolves the expected royalty breakdown for a collection.
type Registry interface {
	ExpectedRoyalties(ctx context.Context, contract string) ([]model.FeeEntry, error)
}

// StaticRegistry is a fixed in-memory registry, loaded at startup and
// refreshed out of band.
type StaticRegistry struct {
	mu       sync.RWMutex
	expected map[string][]model.FeeEntry
}

func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{expected: make(map[string][]model.FeeEntry)}
}

func (r *StaticRegistry) Set(contract string, entries []model.FeeEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expected[contract] = entries
}

func (r *StaticRegistry) ExpectedRoyalties(_ context.Context, contract string) ([]model.FeeEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.expected[contract], nil
}

// Missing diffs the fee breakdown actually paid against the expected
// breakdown. Entries expected but not paid (or underpaid) are returned
// as the gap; excess payment is never subtracted. Overpaying a royalty
// recipient is not a marketplace defect.
func Missing(expected, paid []model.FeeEntry) []model.FeeEntry {
	paidBPS := make(map[string]int, len(paid))
	for _, f := range paid {
		paidBPS[f.Recipient] += f.BPS
	}

	var missing []model.FeeEntry
	for _, e := range expected {
		gap := e.BPS - paidBPS[e.Recipient]
		if gap <= 0 {
			continue
		}
		missing = append(missing, model.FeeEntry{
			Kind:      model.FeeKindRoyalty,
			Recipient: e.Recipient,
			BPS:       gap,
		})
	}
	return missing
}

// NormalizedValue computes value + sum(missing royalties), with each
// missing entry valued at value*bps/10000 truncated toward zero.
func NormalizedValue(value string, missing []model.FeeEntry) (string, error) {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return "", fmt.Errorf("unparseable value: %q", value)
	}

	normalized := new(big.Int).Set(v)
	for _, m := range missing {
		part := new(big.Int).Mul(v, big.NewInt(int64(m.BPS)))
		part.Quo(part, big.NewInt(10000))
		normalized.Add(normalized, part)
	}
	return normalized.String(), nil
}
