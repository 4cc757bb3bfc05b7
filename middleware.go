package x402

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

// PaymentMiddleware creates HTTP middleware that enforces x402 payment requirements.
// It accepts PAYMENT-SIGNATURE (v2) and falls back to X-PAYMENT (v1).
func PaymentMiddleware(cfg Config) func(http.Handler) http.Handler {
	processor, err := NewProcessor(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 middleware configuration: %v", err))
	}
	return processor.Middleware
}

// Middleware guards next with the processor's endpoint pricing.
func (p *Processor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		rule, requiresPayment := p.cfg.MatchEndpoint(r.URL.Path)
		if !requiresPayment {
			next.ServeHTTP(w, r)
			return
		}

		resource := p.cfg.ResourceURL(rule, r.URL.Path)

		header, legacy := paymentHeader(r)
		if header == "" {
			p.sendPaymentRequired(w, r, rule, resource, "", "")
			return
		}

		settlement, err := p.Process(ctx, rule, resource, header, legacy)
		if err != nil {
			var pe *PaymentError
			if !errors.As(err, &pe) {
				pe = NewPaymentError(ErrCodeSettlementFailed, err.Error(), err)
			}
			if IsClientCorrectable(pe.Code) {
				p.sendPaymentRequired(w, r, rule, resource, pe.Message, pe.Code)
				return
			}
			sendError(w, StatusCode(pe.Code), pe.Message, pe.Code)
			return
		}

		ctx = context.WithValue(ctx, PaymentContextKey, settlement.Context())

		// The payment is honored from here on; receipt problems only get logged.
		if err := setReceiptHeaders(w, settlement, rule.ProtocolVersion()); err != nil {
			p.cfg.Logger.Warn("failed to encode payment receipt header",
				zap.String("resource", resource), zap.Error(err))
		}

		rw := newReceiptWriter(w, settlement.Receipt)
		next.ServeHTTP(rw, r.WithContext(ctx))
		if err := rw.finish(); err != nil {
			p.cfg.Logger.Warn("failed to write fulfilled response",
				zap.String("resource", resource), zap.Error(err))
		}
	})
}

// paymentHeader returns the payment header value and whether it is a V1 X-PAYMENT.
func paymentHeader(r *http.Request) (string, bool) {
	if v := r.Header.Get(HeaderPaymentSignature); v != "" {
		return v, false
	}
	if v := r.Header.Get(HeaderLegacyPayment); v != "" {
		return v, true
	}
	return "", false
}

// GetPaymentFromContext extracts payment information from the request context.
func GetPaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	payment, ok := ctx.Value(PaymentContextKey).(*PaymentContext)
	return payment, ok
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("payment context not found")
	}
	if !payment.Verified {
		return nil, fmt.Errorf("payment not verified")
	}
	return payment, nil
}
