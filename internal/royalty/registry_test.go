package royalty

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

func TestMissing_Asymmetric(t *testing.T) {
	expected := []model.FeeEntry{
		{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 500},
	}

	testCases := []struct {
		name    string
		paid    []model.FeeEntry
		missing []model.FeeEntry
	}{
		{
			name:    "nothing paid",
			paid:    nil,
			missing: []model.FeeEntry{{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 500}},
		},
		{
			name:    "underpaid",
			paid:    []model.FeeEntry{{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 200}},
			missing: []model.FeeEntry{{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 300}},
		},
		{
			name:    "exactly paid",
			paid:    []model.FeeEntry{{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 500}},
			missing: nil,
		},
		{
			name:    "overpaid adds nothing",
			paid:    []model.FeeEntry{{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 900}},
			missing: nil,
		},
		{
			name: "split payments accumulate",
			paid: []model.FeeEntry{
				{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 200},
				{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 300},
			},
			missing: nil,
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.missing, Missing(expected, tc.paid))
		})
	}
}

func TestNormalizedValue(t *testing.T) {
	missing := []model.FeeEntry{
		{Kind: model.FeeKindRoyalty, Recipient: "0xartist", BPS: 250},
	}

	got, err := NormalizedValue("1000000", missing)
	require.NoError(t, err)
	assert.Equal(t, "1025000", got)

	// No missing royalties leaves the value untouched.
	got, err = NormalizedValue("1000000", nil)
	require.NoError(t, err)
	assert.Equal(t, "1000000", got)

	// Truncation, not rounding.
	got, err = NormalizedValue("999", []model.FeeEntry{{BPS: 100}})
	require.NoError(t, err)
	assert.Equal(t, "1008", got)

	_, err = NormalizedValue("not-a-number", nil)
	assert.Error(t, err)
}
