package x402

import (
	"fmt"
	"strings"
)

// checkRequirements selects the requirement the payload claims to satisfy and checks
// everything that can be decided without the settlement backend: scheme, network,
// asset, resource binding, amount, recipient, challenge token and validity window.
// The returned requirement is what gets verified and settled.
func (p *Processor) checkRequirements(payload *PaymentPayload, accepts []PaymentRequirements) (*PaymentRequirements, *PaymentError) {
	accepted := &payload.Accepted

	expected, perr := selectRequirement(accepted, accepts)
	if perr != nil {
		return nil, perr
	}

	if accepted.Resource != expected.Resource {
		return nil, NewPaymentError(ErrCodeResourceMismatch,
			fmt.Sprintf("payment is for resource %q, not %q", accepted.Resource, expected.Resource), nil)
	}

	if accepted.Amount != "" {
		cmp, err := CompareAmounts(accepted.Amount, expected.Amount)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidPayment, "accepted amount is malformed", err)
		}
		if cmp != 0 {
			return nil, NewPaymentError(ErrCodeAmountMismatch,
				fmt.Sprintf("accepted amount %s differs from required %s", accepted.Amount, expected.Amount), nil)
		}
	}

	// Once challenges are signed, every payment must echo a live token.
	if len(p.cfg.ChallengeSecret) > 0 {
		payTo, perr := p.verifyChallenge(accepted, expected)
		if perr != nil {
			return nil, perr
		}
		if p.cfg.DepositProvider != nil {
			expected.PayTo = payTo
		}
	}

	if accepted.PayTo != "" && !strings.EqualFold(accepted.PayTo, expected.PayTo) {
		return nil, NewPaymentError(ErrCodeRecipientMismatch,
			fmt.Sprintf("payment is addressed to %s, not %s", accepted.PayTo, expected.PayTo), nil)
	}

	paid := accepted.Amount
	if expected.Scheme == SchemeExact {
		exact, err := DecodeExactPayload(payload.Payload)
		if err != nil {
			return nil, NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("invalid exact payload: %v", err), err)
		}
		auth := exact.Authorization

		if !strings.EqualFold(auth.To, expected.PayTo) {
			return nil, NewPaymentError(ErrCodeRecipientMismatch,
				fmt.Sprintf("authorization pays %s, not %s", auth.To, expected.PayTo), nil)
		}

		now := p.cfg.Now().Unix()
		if auth.ValidAfter > now {
			return nil, NewPaymentError(ErrCodeExpiredPayment, "authorization is not valid yet", nil)
		}
		if auth.ValidBefore != 0 && auth.ValidBefore <= now {
			return nil, NewPaymentError(ErrCodeExpiredPayment, "authorization has expired", nil)
		}

		paid = auth.Value
	}

	if paid == "" {
		paid = expected.Amount
	}

	cmp, err := CompareAmounts(paid, expected.Amount)
	if err != nil {
		return nil, NewPaymentError(ErrCodeInvalidPayment, "payment amount is malformed", err)
	}
	if cmp < 0 {
		return nil, NewPaymentError(ErrCodeInsufficientAmount,
			fmt.Sprintf("paid %s, required %s", paid, expected.Amount), nil)
	}

	return expected, nil
}

// selectRequirement narrows accepts by scheme, network and asset, reporting the
// first dimension that has no match.
func selectRequirement(accepted *PaymentRequirements, accepts []PaymentRequirements) (*PaymentRequirements, *PaymentError) {
	var byScheme, byNetwork []PaymentRequirements

	for _, req := range accepts {
		if req.Scheme == accepted.Scheme {
			byScheme = append(byScheme, req)
		}
	}
	if len(byScheme) == 0 {
		return nil, NewPaymentError(ErrCodeUnsupportedScheme,
			fmt.Sprintf("scheme %q is not accepted", accepted.Scheme), nil)
	}

	for _, req := range byScheme {
		if req.Network == accepted.Network {
			byNetwork = append(byNetwork, req)
		}
	}
	if len(byNetwork) == 0 {
		return nil, NewPaymentError(ErrCodeNetworkMismatch,
			fmt.Sprintf("network %q is not accepted", accepted.Network), nil)
	}

	if accepted.Asset == "" {
		selected := byNetwork[0]
		return &selected, nil
	}

	for _, req := range byNetwork {
		if strings.EqualFold(req.Asset, accepted.Asset) {
			selected := req
			return &selected, nil
		}
	}

	return nil, NewPaymentError(ErrCodeAssetMismatch,
		fmt.Sprintf("asset %s is not accepted on %s", accepted.Asset, accepted.Network), nil)
}
