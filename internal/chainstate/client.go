// Package chainstate is the HTTP client for the chain state service:
// cached balances, approvals and nonces, plus canonical block hashes
// for orphan detection.
package chainstate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"time"

	"github.com/reservoirprotocol/indexer-go/internal/domain/model"
)

type Client struct {
	baseURL string
	client  *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) CurrencyBalance(ctx context.Context, owner, currency string) (*big.Int, error) {
	var body struct {
		Balance string `json:"balance"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/balances/currency?owner=%s&currency=%s",
		url.QueryEscape(owner), url.QueryEscape(currency)), &body)
	if err != nil {
		return nil, err
	}
	return parseAmount(body.Balance)
}

func (c *Client) TokenBalance(ctx context.Context, owner, contract, tokenID string) (*big.Int, error) {
	var body struct {
		Balance string `json:"balance"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/balances/token?owner=%s&contract=%s&token_id=%s",
		url.QueryEscape(owner), url.QueryEscape(contract), url.QueryEscape(tokenID)), &body)
	if err != nil {
		return nil, err
	}
	return parseAmount(body.Balance)
}

func (c *Client) Approval(ctx context.Context, owner, operator, contract string) (bool, error) {
	var body struct {
		Approved bool `json:"approved"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/approvals?owner=%s&operator=%s&contract=%s",
		url.QueryEscape(owner), url.QueryEscape(operator), url.QueryEscape(contract)), &body)
	if err != nil {
		return false, err
	}
	return body.Approved, nil
}

// ApprovalOnChain forces the service to bypass its cache and read the
// approval from the chain.
func (c *Client) ApprovalOnChain(ctx context.Context, owner, operator, contract string) (bool, error) {
	var body struct {
		Approved bool `json:"approved"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/approvals?owner=%s&operator=%s&contract=%s&fresh=true",
		url.QueryEscape(owner), url.QueryEscape(operator), url.QueryEscape(contract)), &body)
	if err != nil {
		return false, err
	}
	return body.Approved, nil
}

func (c *Client) Nonce(ctx context.Context, maker string, kind model.OrderKind) (string, error) {
	var body struct {
		Nonce string `json:"nonce"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/nonces?maker=%s&kind=%s",
		url.QueryEscape(maker), url.QueryEscape(kind.String())), &body)
	if err != nil {
		return "", err
	}
	return body.Nonce, nil
}

func (c *Client) BlockHash(ctx context.Context, number int64) (string, error) {
	var body struct {
		Hash string `json:"hash"`
	}
	err := c.get(ctx, fmt.Sprintf("/v1/blocks/%d", number), &body)
	if err != nil {
		return "", err
	}
	return body.Hash, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("state service request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("state service returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode state response: %w", err)
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("unparseable amount: %q", s)
	}
	return v, nil
}
