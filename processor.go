package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SettleReasonAlreadySettled is the backend reason for a payload whose nonce was
// already settled.
const SettleReasonAlreadySettled = "already_settled"

// Processor issues challenges and turns payment headers into settlements.
// It keeps no state between requests; HTTP middleware and gRPC interceptors share it.
type Processor struct {
	cfg Config
}

// Settlement is the outcome of a fulfilled payment.
type Settlement struct {
	Requirements PaymentRequirements
	Payload      *PaymentPayload
	Verification *VerificationResult
	Result       *SettlementResult
	Receipt      Receipt
	Response     PaymentResponse
	Legacy       bool
}

// NewProcessor validates the configuration and returns a Processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{cfg: cfg}, nil
}

// Config returns the validated configuration.
func (p *Processor) Config() *Config {
	return &p.cfg
}

// Process decodes the payment header, checks it against the resource's
// requirements, then verifies and settles it with the backend. Every failure is a
// *PaymentError; client-correctable codes mean no settlement was attempted.
func (p *Processor) Process(ctx context.Context, rule *PricingRule, resource, header string, legacy bool) (*Settlement, error) {
	log := p.cfg.Logger.With(zap.String("resource", resource), zap.Bool("legacy", legacy))
	accepts := p.baseRequirements(rule, resource)

	payload, err := DecodePayment(header, legacy, accepts)
	if err != nil {
		log.Warn("malformed payment header", zap.Error(err))
		return nil, p.reject(NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("invalid payment header: %v", err), err))
	}

	requirements, perr := p.checkRequirements(payload, accepts)
	if perr != nil {
		log.Info("payment rejected", zap.String("code", perr.Code), zap.String("reason", perr.Message))
		return nil, p.reject(perr)
	}

	verification, err := p.verify(ctx, payload, requirements)
	if err != nil {
		var pe *PaymentError
		if errors.As(err, &pe) && IsClientCorrectable(pe.Code) {
			log.Info("payment rejected by backend", zap.String("reason", pe.Message))
			return nil, p.reject(pe)
		}
		log.Error("payment verification unavailable", zap.Error(err))
		return nil, p.fail(err)
	}

	result, err := p.settle(ctx, payload, requirements)
	if err != nil {
		log.Error("payment settlement failed", zap.Error(err))
		return nil, p.fail(err)
	}
	if result.SettledAt.IsZero() {
		result.SettledAt = p.cfg.Now()
	}

	payer := result.PayerAddress
	if payer == "" {
		payer = verification.PayerAddress
	}
	network := result.Network
	if network == "" {
		network = requirements.Network
	}
	amount := result.Amount
	if amount == "" {
		amount = verification.Amount
	}
	if amount == "" {
		amount = requirements.Amount
	}

	settlement := &Settlement{
		Requirements: *requirements,
		Payload:      payload,
		Verification: verification,
		Result:       result,
		Legacy:       legacy,
		Receipt: Receipt{
			Amount: amount,
			Status: ReceiptStatusSettled,
			TxHash: result.TransactionHash,
		},
		Response: PaymentResponse{
			Success:     true,
			Transaction: result.TransactionHash,
			Network:     network,
			Payer:       payer,
		},
	}

	p.cfg.Metrics.outcome(outcomeFulfilled, "")
	log.Info("payment settled",
		zap.String("tx_hash", result.TransactionHash),
		zap.String("payer", payer),
		zap.String("amount", amount),
		zap.String("network", network))

	return settlement, nil
}

// Context returns the payment context handed to downstream handlers.
func (s *Settlement) Context() *PaymentContext {
	return &PaymentContext{
		Verified:        true,
		PayerAddress:    s.Response.Payer,
		Amount:          s.Receipt.Amount,
		Asset:           s.Requirements.Asset,
		Network:         s.Response.Network,
		Resource:        s.Requirements.Resource,
		TransactionHash: s.Result.TransactionHash,
		SettledAt:       s.Result.SettledAt,
	}
}

func (p *Processor) verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerificationResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExternalCallTimeout)
	defer cancel()

	result, err := p.cfg.Verifier.Verify(callCtx, payload, requirements)
	if err != nil {
		return nil, upstreamError("payment verification", p.cfg.ExternalCallTimeout, err)
	}
	if result == nil {
		return nil, NewPaymentError(ErrCodeUpstreamUnavailable, "payment verification returned no result", nil)
	}
	if !result.Valid {
		reason := result.Reason
		if reason == "" {
			reason = "payment verification failed"
		}
		return nil, NewPaymentError(ErrCodeVerificationFailed, reason, nil)
	}
	return result, nil
}

func (p *Processor) settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettlementResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExternalCallTimeout)
	defer cancel()

	result, err := p.cfg.Verifier.Settle(callCtx, payload, requirements)
	if err != nil {
		return nil, upstreamError("payment settlement", p.cfg.ExternalCallTimeout, err)
	}
	if result == nil {
		return nil, NewPaymentError(ErrCodeUpstreamUnavailable, "payment settlement returned no result", nil)
	}
	if !result.Success {
		if isAlreadySettled(result.ErrorReason) {
			return nil, NewPaymentError(ErrCodeAlreadySettled, "payment was already settled", nil)
		}
		reason := result.ErrorReason
		if reason == "" {
			reason = "unknown reason"
		}
		return nil, NewPaymentError(ErrCodeSettlementFailed, "settlement failed: "+reason, nil)
	}
	return result, nil
}

func (p *Processor) reject(pe *PaymentError) *PaymentError {
	p.cfg.Metrics.outcome(outcomeRejected, pe.Code)
	return pe
}

func (p *Processor) fail(err error) *PaymentError {
	var pe *PaymentError
	if !errors.As(err, &pe) {
		pe = NewPaymentError(ErrCodeSettlementFailed, err.Error(), err)
	}
	p.cfg.Metrics.outcome(outcomeFailed, pe.Code)
	return pe
}

func upstreamError(op string, timeout time.Duration, err error) *PaymentError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewPaymentError(ErrCodeUpstreamUnavailable, fmt.Sprintf("%s timed out after %s", op, timeout), err)
	}
	if errors.Is(err, context.Canceled) {
		return NewPaymentError(ErrCodeUpstreamUnavailable, op+" canceled", err)
	}
	return NewPaymentError(ErrCodeUpstreamUnavailable, op+" error", err)
}

func isAlreadySettled(reason string) bool {
	r := strings.ToLower(reason)
	return r == SettleReasonAlreadySettled ||
		strings.Contains(r, "already") ||
		strings.Contains(r, "nonce_used")
}
