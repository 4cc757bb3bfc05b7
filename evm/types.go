package evm

// FacilitatorVerifyRequest is the request to /v2/x402/verify.
type FacilitatorVerifyRequest struct {
	X402Version  int         `json:"x402Version"`
	Payload      interface{} `json:"paymentPayload"`      // x402.PaymentPayload
	Requirements interface{} `json:"paymentRequirements"` // x402.PaymentRequirements
}

// FacilitatorVerifyResponse is the response from /v2/x402/verify.
type FacilitatorVerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// FacilitatorSettleRequest is the request to /v2/x402/settle.
type FacilitatorSettleRequest struct {
	X402Version  int         `json:"x402Version"`
	Payload      interface{} `json:"paymentPayload"`
	Requirements interface{} `json:"paymentRequirements"`

	// IdempotencyKey is sent as the Idempotency-Key header, not in the body.
	IdempotencyKey string `json:"-"`
}

// FacilitatorSettleResponse is the response from /v2/x402/settle.
type FacilitatorSettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Payer       string `json:"payer,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
}

// FacilitatorSupportedResponse is the response from /v2/x402/supported.
type FacilitatorSupportedResponse struct {
	Kinds      []SupportedKind   `json:"kinds"`
	Extensions []string          `json:"extensions,omitempty"`
	Signers    map[string]string `json:"signers,omitempty"` // network -> facilitator address
}

// SupportedKind represents a supported scheme+network pair.
type SupportedKind struct {
	X402Version int    `json:"x402Version,omitempty"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`
}
