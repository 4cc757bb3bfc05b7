package evm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HeaderIdempotencyKey carries the backend's idempotency token on settle requests.
const HeaderIdempotencyKey = "Idempotency-Key"

// FacilitatorClient handles communication with an x402 facilitator service.
type FacilitatorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// FacilitatorOption configures a FacilitatorClient.
type FacilitatorOption func(*FacilitatorClient)

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.apiKey = key
	}
}

// WithHTTPClient replaces the default 30 second client.
func WithHTTPClient(client *http.Client) FacilitatorOption {
	return func(c *FacilitatorClient) {
		c.httpClient = client
	}
}

// NewFacilitatorClient creates a new facilitator client targeting V2 endpoints.
func NewFacilitatorClient(baseURL string, opts ...FacilitatorOption) *FacilitatorClient {
	c := &FacilitatorClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify checks if a payment is valid via POST /v2/x402/verify.
func (c *FacilitatorClient) Verify(ctx context.Context, req *FacilitatorVerifyRequest) (*FacilitatorVerifyResponse, error) {
	var verifyResp FacilitatorVerifyResponse
	if err := c.post(ctx, "/v2/x402/verify", req, nil, &verifyResp); err != nil {
		return nil, fmt.Errorf("facilitator verify: %w", err)
	}
	return &verifyResp, nil
}

// Settle executes the payment on-chain via POST /v2/x402/settle.
// A settlement rejected by the facilitator is reported in the response, not as an error.
func (c *FacilitatorClient) Settle(ctx context.Context, req *FacilitatorSettleRequest) (*FacilitatorSettleResponse, error) {
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers[HeaderIdempotencyKey] = req.IdempotencyKey
	}

	var settleResp FacilitatorSettleResponse
	if err := c.post(ctx, "/v2/x402/settle", req, headers, &settleResp); err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	return &settleResp, nil
}

// GetSupported fetches supported kinds, extensions, and signers via GET /v2/x402/supported.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (*FacilitatorSupportedResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/x402/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supported request: %w", err)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call facilitator supported endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("facilitator supported returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var supportedResp FacilitatorSupportedResponse
	if err := json.NewDecoder(resp.Body).Decode(&supportedResp); err != nil {
		return nil, fmt.Errorf("failed to decode supported response: %w", err)
	}

	return &supportedResp, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, in interface{}, headers map[string]string, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to call %s: %w", path, err)
	}
	defer resp.Body.Close()

	// Facilitators answer rejected payments with 400 and a JSON verdict.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response (status %d): %w", path, resp.StatusCode, err)
	}

	return nil
}

func (c *FacilitatorClient) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
