// Package deposit issues one-time payTo addresses from a card-rail bridge, so each
// payment challenge can carry a fresh deposit address keyed to its exact amount.
package deposit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// Config configures a bridge Client.
type Config struct {
	// BaseURL of the bridge API (e.g., "https://bridge.example.com").
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Network the deposit address must live on (e.g., "eip155:8453").
	Network string

	// Currency of the cents amount. Defaults to "usd".
	Currency string

	// Timeout for the HTTP client. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client implements x402.DepositAddressProvider over the bridge HTTP API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

type createRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	Network     string `json:"network,omitempty"`
	Description string `json:"description"`
}

type createResponse struct {
	ID        string `json:"id"`
	PayTo     string `json:"pay_to"`
	Network   string `json:"network"`
	ExpiresAt int64  `json:"expires_at"`
}

// NewClient creates a bridge client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("deposit bridge base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("deposit bridge API key is required")
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// CreateDepositAddress requests a fresh address for exactly amountCents.
func (c *Client) CreateDepositAddress(ctx context.Context, amountCents int64, description string) (*x402.DepositAddress, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("amount must be positive, got %d cents", amountCents)
	}

	body, err := json.Marshal(createRequest{
		AmountCents: amountCents,
		Currency:    c.cfg.Currency,
		Network:     c.cfg.Network,
		Description: description,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal deposit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/deposit_addresses", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create deposit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call deposit bridge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("deposit bridge returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out createResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode deposit response: %w", err)
	}

	if out.PayTo == "" {
		return nil, fmt.Errorf("deposit bridge returned an empty address")
	}
	if c.cfg.Network != "" && out.Network != "" && out.Network != c.cfg.Network {
		return nil, fmt.Errorf("deposit bridge returned an address on %s, want %s", out.Network, c.cfg.Network)
	}

	addr := &x402.DepositAddress{
		ID:    out.ID,
		PayTo: out.PayTo,
	}
	if out.ExpiresAt > 0 {
		addr.ExpiresAt = time.Unix(out.ExpiresAt, 0)
	}
	return addr, nil
}
