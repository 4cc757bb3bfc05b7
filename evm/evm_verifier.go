package evm

import (
	"context"
	"fmt"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// EVMVerifier implements ChainVerifier for EVM-compatible chains using a facilitator service.
type EVMVerifier struct {
	facilitator *FacilitatorClient
	kinds       []x402.SupportedKind
}

// NewEVMVerifier creates a new EVM verifier that delegates to a facilitator service.
func NewEVMVerifier(facilitatorURL string, opts ...FacilitatorOption) (*EVMVerifier, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return NewEVMVerifierFromClient(ctx, NewFacilitatorClient(facilitatorURL, opts...))
}

// NewEVMVerifierFromClient fetches the facilitator's supported kinds with client.
func NewEVMVerifierFromClient(ctx context.Context, client *FacilitatorClient) (*EVMVerifier, error) {
	supported, err := client.GetSupported(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch supported kinds: %w", err)
	}

	kinds := make([]x402.SupportedKind, 0, len(supported.Kinds))
	for _, k := range supported.Kinds {
		kinds = append(kinds, x402.SupportedKind{
			Scheme:  k.Scheme,
			Network: k.Network,
		})
	}

	return &EVMVerifier{
		facilitator: client,
		kinds:       kinds,
	}, nil
}

// Verify checks if a payment is valid without settling it.
func (v *EVMVerifier) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	exact, err := x402.DecodeExactPayload(payload.Payload)
	if err != nil {
		return &x402.VerificationResult{
			Valid:  false,
			Reason: fmt.Sprintf("invalid payload: %v", err),
		}, nil
	}

	if !v.supports(requirements.Scheme, requirements.Network) {
		return &x402.VerificationResult{
			Valid:  false,
			Reason: fmt.Sprintf("facilitator does not support %s on %s", requirements.Scheme, requirements.Network),
		}, nil
	}

	verifyResp, err := v.facilitator.Verify(ctx, &FacilitatorVerifyRequest{
		X402Version:  payload.X402Version,
		Payload:      payload,
		Requirements: requirements,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator verification failed: %w", err)
	}

	payer := verifyResp.Payer
	if payer == "" {
		payer = exact.Authorization.From
	}

	return &x402.VerificationResult{
		Valid:        verifyResp.IsValid,
		Reason:       verifyResp.InvalidReason,
		PayerAddress: payer,
		Amount:       exact.Authorization.Value,
	}, nil
}

// Settle executes the payment on-chain and returns settlement details.
// The authorization nonce is passed through as the idempotency key.
func (v *EVMVerifier) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	exact, err := x402.DecodeExactPayload(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}

	settleResp, err := v.facilitator.Settle(ctx, &FacilitatorSettleRequest{
		X402Version:    payload.X402Version,
		Payload:        payload,
		Requirements:   requirements,
		IdempotencyKey: exact.Authorization.Nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("facilitator settlement failed: %w", err)
	}

	payer := settleResp.Payer
	if payer == "" {
		payer = exact.Authorization.From
	}

	return &x402.SettlementResult{
		Success:         settleResp.Success,
		TransactionHash: settleResp.Transaction,
		Network:         settleResp.Network,
		PayerAddress:    payer,
		Amount:          exact.Authorization.Value,
		ErrorReason:     settleResp.ErrorReason,
		SettledAt:       time.Now(),
	}, nil
}

// SupportedKinds returns the supported scheme+network pairs.
func (v *EVMVerifier) SupportedKinds() []x402.SupportedKind {
	return v.kinds
}

func (v *EVMVerifier) supports(scheme, network string) bool {
	if len(v.kinds) == 0 {
		return true
	}
	for _, k := range v.kinds {
		if k.Scheme == scheme && k.Network == network {
			return true
		}
	}
	return false
}
