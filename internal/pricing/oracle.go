// Package pricing converts raw integer order amounts into the three
// canonical denominations: native-gas-equivalent value, order-native
// currency price, and a USD display value.
package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle resolves a currency to its USD rate per whole unit and its
// decimal precision. Implementations must be read-only: normalization
// treats the oracle as reference state.
type Oracle interface {
	USDRate(ctx context.Context, currency string) (decimal.Decimal, int, error)
}

// Breakdown carries all three denominations derived from one underlying
// integer amount. The integer legs never pass through floating point;
// USD is decimal and display-only.
type Breakdown struct {
	Price         string
	CurrencyPrice string
	Value         string
	USD           decimal.Decimal
}

// Compute derives the breakdown for a per-unit price and a quantity.
// Integer math truncates toward zero. The USD leg is derived from the
// same integer value, scaled by the currency's decimals, so the three
// denominations cannot drift.
func Compute(price string, quantity string, rate decimal.Decimal, decimals int) (Breakdown, error) {
	p, ok := new(big.Int).SetString(price, 10)
	if !ok {
		return Breakdown{}, fmt.Errorf("unparseable price: %q", price)
	}
	q, ok := new(big.Int).SetString(quantity, 10)
	if !ok {
		return Breakdown{}, fmt.Errorf("unparseable quantity: %q", quantity)
	}

	value := new(big.Int).Mul(p, q)

	usd := decimal.NewFromBigInt(value, 0).
		Div(decimal.New(1, int32(decimals))).
		Mul(rate).
		Round(6)

	return Breakdown{
		Price:         p.String(),
		CurrencyPrice: p.String(),
		Value:         value.String(),
		USD:           usd,
	}, nil
}

// StaticOracle serves fixed rates. Used in tests and as the fallback
// when no oracle endpoint is configured.
type StaticOracle struct {
	rates    map[string]decimal.Decimal
	decimals map[string]int
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		rates:    make(map[string]decimal.Decimal),
		decimals: make(map[string]int),
	}
}

func (o *StaticOracle) Set(currency string, rate decimal.Decimal, decimals int) {
	o.rates[currency] = rate
	o.decimals[currency] = decimals
}

func (o *StaticOracle) USDRate(_ context.Context, currency string) (decimal.Decimal, int, error) {
	rate, ok := o.rates[currency]
	if !ok {
		return decimal.Zero, 0, fmt.Errorf("no rate for currency %s", currency)
	}
	return rate, o.decimals[currency], nil
}

// HTTPOracle queries an external price service.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (o *HTTPOracle) USDRate(ctx context.Context, currency string) (decimal.Decimal, int, error) {
	u := fmt.Sprintf("%s/v1/rates?currency=%s", o.baseURL, url.QueryEscape(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("create rate request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("fetch rate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, 0, fmt.Errorf("rate service returned status %d", resp.StatusCode)
	}

	var body struct {
		USD      decimal.Decimal `json:"usd"`
		Decimals int             `json:"decimals"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, 0, fmt.Errorf("decode rate response: %w", err)
	}
	return body.USD, body.Decimals, nil
}
