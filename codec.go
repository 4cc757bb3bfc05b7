package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// V2 header names.
const (
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"

	// V1 legacy header names.
	HeaderLegacyPayment         = "X-PAYMENT"
	HeaderLegacyPaymentResponse = "X-PAYMENT-RESPONSE"
)

// EncodePaymentPayload encodes a PaymentPayload to base64 JSON for the PAYMENT-SIGNATURE header.
func EncodePaymentPayload(payload *PaymentPayload) (string, error) {
	return encodeJSON(payload)
}

// EncodeLegacyPayment encodes a V1 payment for the X-PAYMENT header.
func EncodeLegacyPayment(payment *LegacyPayment) (string, error) {
	return encodeJSON(payment)
}

// EncodePaymentRequired encodes a challenge for the PAYMENT-REQUIRED header.
func EncodePaymentRequired(challenge *PaymentRequiredResponse) (string, error) {
	return encodeJSON(challenge)
}

// DecodePaymentRequired decodes a PAYMENT-REQUIRED header.
func DecodePaymentRequired(header string) (*PaymentRequiredResponse, error) {
	var challenge PaymentRequiredResponse
	if err := decodeJSON(header, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

// EncodePaymentResponse encodes a receipt for the X-PAYMENT-RESPONSE header.
func EncodePaymentResponse(response *PaymentResponse) (string, error) {
	return encodeJSON(response)
}

// DecodePaymentResponse decodes a PAYMENT-RESPONSE or X-PAYMENT-RESPONSE header.
func DecodePaymentResponse(header string) (*PaymentResponse, error) {
	var response PaymentResponse
	if err := decodeJSON(header, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// ReadPaymentRequirements extracts payment requirements from a 402 response.
func ReadPaymentRequirements(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("expected status 402, got %d", resp.StatusCode)
	}

	// Try PAYMENT-REQUIRED header first (V2).
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		if challenge, err := DecodePaymentRequired(header); err == nil {
			return challenge, nil
		}
	}

	// Fall back to body.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var challenge PaymentRequiredResponse
	if err := json.Unmarshal(body, &challenge); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}

	return &challenge, nil
}

// DecodePayment parses a payment header into a V2 PaymentPayload.
// Legacy X-PAYMENT values are lifted to V2 using the requirement that matches
// their scheme and network.
func DecodePayment(header string, legacy bool, accepts []PaymentRequirements) (*PaymentPayload, error) {
	if legacy {
		return parseLegacyPayment(header, accepts)
	}
	return parsePaymentPayload(header)
}

// parsePaymentPayload decodes a V2 PAYMENT-SIGNATURE header into a PaymentPayload.
func parsePaymentPayload(header string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := decodeJSON(header, &payload); err != nil {
		return nil, err
	}

	if payload.X402Version < VersionV2 {
		return nil, fmt.Errorf("PAYMENT-SIGNATURE header requires x402Version >= 2, got %d", payload.X402Version)
	}

	if payload.Accepted.Scheme == "" {
		return nil, fmt.Errorf("accepted.scheme is required")
	}

	if payload.Accepted.Network == "" {
		return nil, fmt.Errorf("accepted.network is required")
	}

	if payload.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	return &payload, nil
}

// parseLegacyPayment decodes a V1 X-PAYMENT header and converts to V2 PaymentPayload.
func parseLegacyPayment(header string, accepts []PaymentRequirements) (*PaymentPayload, error) {
	var legacy LegacyPayment
	if err := decodeJSON(header, &legacy); err != nil {
		return nil, err
	}

	if legacy.X402Version == 0 {
		return nil, fmt.Errorf("x402Version is required")
	}
	if legacy.Scheme == "" {
		return nil, fmt.Errorf("scheme is required")
	}
	if legacy.Network == "" {
		return nil, fmt.Errorf("network is required")
	}
	if legacy.Payload == nil {
		return nil, fmt.Errorf("payload is required")
	}

	accepted := PaymentRequirements{
		Scheme:   legacy.Scheme,
		Network:  legacy.Network,
		Resource: legacy.Resource,
	}
	for _, req := range accepts {
		if req.Scheme != legacy.Scheme || req.Network != legacy.Network {
			continue
		}
		accepted.Amount = req.Amount
		accepted.Asset = req.Asset
		accepted.PayTo = req.PayTo
		accepted.MaxTimeoutSeconds = req.MaxTimeoutSeconds
		// V1 payloads carry no resource binding of their own.
		if accepted.Resource == "" {
			accepted.Resource = req.Resource
		}
		break
	}

	return &PaymentPayload{
		X402Version: legacy.X402Version,
		Accepted:    accepted,
		Payload:     legacy.Payload,
	}, nil
}

// DecodeExactPayload converts a generic scheme payload to ExactPayload.
func DecodeExactPayload(payload interface{}) (*ExactPayload, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	var exact ExactPayload
	if err := json.Unmarshal(payloadBytes, &exact); err != nil {
		return nil, fmt.Errorf("failed to unmarshal exact payload: %w", err)
	}

	if exact.Signature == "" {
		return nil, fmt.Errorf("signature is required")
	}

	if exact.Authorization == nil {
		return nil, fmt.Errorf("authorization is required")
	}

	auth := exact.Authorization
	if auth.From == "" || auth.To == "" || auth.Value == "" || auth.Nonce == "" {
		return nil, fmt.Errorf("authorization missing required fields")
	}

	return &exact, nil
}

func encodeJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func decodeJSON(header string, v interface{}) error {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return fmt.Errorf("failed to decode base64: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}
	var firstErr error
	for _, enc := range encodings {
		raw, err := enc.DecodeString(s)
		if err == nil {
			return raw, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
