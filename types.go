package x402

import (
	"context"
	"time"
)

// Protocol versions understood by the resource server.
const (
	VersionLegacy = 1
	VersionV2     = 2
)

// SchemeExact pays exactly (or at least) the stated amount with a signed transfer authorization.
const SchemeExact = "exact"

// PaymentRequirements describes what payment is required for a resource.
// Amount and Asset are fixed once issued; a client must satisfy exactly this tuple.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"` // CAIP-2 or legacy name, matched exactly
	Amount            string                 `json:"amount"`  // atomic units
	Resource          string                 `json:"resource"`
	Description       string                 `json:"description,omitempty"`
	MimeType          string                 `json:"mimeType,omitempty"`
	PayTo             string                 `json:"payTo"`
	Asset             string                 `json:"asset"` // token contract address or symbol
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the challenge envelope returned with 402, both in the
// PAYMENT-REQUIRED header and in the body.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Code        string                `json:"code,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// PaymentPayload wraps accepted requirements and scheme-specific payload.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    PaymentRequirements    `json:"accepted"`
	Payload     interface{}            `json:"payload"` // scheme-specific (e.g., ExactPayload)
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// LegacyPayment represents a parsed V1 X-PAYMENT header.
type LegacyPayment struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Resource    string      `json:"resource,omitempty"`
	Payload     interface{} `json:"payload"`
}

// ExactPayload is the payload of the "exact" scheme, following EIP-3009
// transferWithAuthorization.
type ExactPayload struct {
	Signature     string         `json:"signature"`
	Authorization *Authorization `json:"authorization"`
}

// Authorization contains the transfer authorization parameters.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
}

// VerificationResult contains the result of payment verification.
type VerificationResult struct {
	Valid        bool
	Reason       string
	PayerAddress string
	Amount       string
}

// SettlementResult contains the result of payment settlement.
// Success=false with an ErrorReason is a rejection by the backend, not a transport error.
type SettlementResult struct {
	Success         bool
	TransactionHash string
	Network         string
	PayerAddress    string
	Amount          string
	ErrorReason     string
	SettledAt       time.Time
}

// PaymentResponse is sent base64-encoded in the X-PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// Receipt is merged into a fulfilled JSON response body under "payment".
type Receipt struct {
	Amount string `json:"amount"`
	Status string `json:"status"`
	TxHash string `json:"txHash"`
}

// ReceiptStatusSettled is the only status a released resource carries.
const ReceiptStatusSettled = "settled"

// DepositAddress is a one-time payment destination issued by a DepositAddressProvider.
type DepositAddress struct {
	ID        string
	PayTo     string
	ExpiresAt time.Time
}

// ChainVerifier is the settlement backend: it validates payment payloads against
// requirements and finalizes them on a ledger. Implementations own signature checks
// and double-settlement protection.
type ChainVerifier interface {
	// Verify checks if a payment is valid without settling it.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error)

	// Settle executes the payment and returns settlement details.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error)

	// SupportedKinds returns the supported scheme+network pairs.
	SupportedKinds() []SupportedKind
}

// DepositAddressProvider issues a fresh payTo address keyed to an exact amount.
type DepositAddressProvider interface {
	CreateDepositAddress(ctx context.Context, amountCents int64, description string) (*DepositAddress, error)
}

// PaymentContext contains payment information that can be extracted in handlers.
type PaymentContext struct {
	Verified        bool
	PayerAddress    string
	Amount          string
	Asset           string
	Network         string
	Resource        string
	TransactionHash string
	SettledAt       time.Time
}

type contextKey string

const (
	// PaymentContextKey is the key used to store payment context in request context.
	PaymentContextKey contextKey = "x402-payment"
)
