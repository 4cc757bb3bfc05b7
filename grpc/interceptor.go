package grpc

import (
	"context"
	"errors"
	"fmt"

	x402 "github.com/becomeliminal/x402-resource-server"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryServerInterceptor creates a gRPC unary server interceptor that enforces x402 payments.
func UnaryServerInterceptor(cfg x402.Config) grpc.UnaryServerInterceptor {
	processor, err := x402.NewProcessor(cfg)
	if err != nil {
		panic(fmt.Sprintf("invalid x402 config: %v", err))
	}
	return UnaryInterceptor(processor)
}

// UnaryInterceptor enforces the processor's method pricing on unary calls.
func UnaryInterceptor(p *x402.Processor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		paidCtx, settlement, err := authorize(ctx, p, info.FullMethod)
		if err != nil {
			return nil, err
		}
		if settlement == nil {
			return handler(ctx, req)
		}

		resp, err := handler(paidCtx, req)
		if err != nil {
			return nil, err
		}

		if trailer, err := receiptTrailer(settlement); err == nil {
			grpc.SetTrailer(ctx, trailer)
		}

		return resp, nil
	}
}

// authorize runs the payment flow for fullMethod. A nil settlement with a nil error
// means the method is free.
func authorize(ctx context.Context, p *x402.Processor, fullMethod string) (context.Context, *x402.Settlement, error) {
	cfg := p.Config()

	rule, requiresPayment := cfg.MatchMethod(fullMethod)
	if !requiresPayment {
		return ctx, nil, nil
	}

	resource := cfg.ResourceURL(rule, fullMethod)

	md, _ := metadata.FromIncomingContext(ctx)
	header, legacy := ExtractPaymentHeader(md)
	if header == "" {
		return nil, nil, paymentRequired(ctx, p, rule, resource, "", "")
	}

	settlement, err := p.Process(ctx, rule, resource, header, legacy)
	if err != nil {
		var pe *x402.PaymentError
		if !errors.As(err, &pe) {
			return nil, nil, status.Error(codes.Internal, err.Error())
		}
		if x402.IsClientCorrectable(pe.Code) {
			return nil, nil, paymentRequired(ctx, p, rule, resource, pe.Message, pe.Code)
		}
		return nil, nil, status.Error(settlementCode(pe.Code), pe.Message)
	}

	return context.WithValue(ctx, x402.PaymentContextKey, settlement.Context()), settlement, nil
}

// paymentRequired returns ResourceExhausted with the base64 challenge as message.
// v2 challenges are also sent in the payment-required trailer.
func paymentRequired(ctx context.Context, p *x402.Processor, rule *x402.PricingRule, resource, message, code string) error {
	challenge, err := p.Challenge(ctx, rule, resource, message, code)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to issue payment challenge: %v", err))
	}

	encoded, err := x402.EncodePaymentRequired(challenge)
	if err != nil {
		return status.Error(codes.Internal, fmt.Sprintf("failed to encode payment requirements: %v", err))
	}

	if challenge.X402Version >= x402.VersionV2 {
		// Streams without a transport (tests, in-process calls) only get the status.
		_ = grpc.SetTrailer(ctx, metadata.Pairs(MetadataKeyPaymentRequired, encoded))
	}

	return status.Error(codes.ResourceExhausted, encoded)
}

func settlementCode(code string) codes.Code {
	switch code {
	case x402.ErrCodeAlreadySettled:
		return codes.AlreadyExists
	case x402.ErrCodeUpstreamUnavailable, x402.ErrCodeSettlementFailed:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// GetPaymentFromContext extracts payment information from the gRPC context.
func GetPaymentFromContext(ctx context.Context) (*x402.PaymentContext, bool) {
	return x402.GetPaymentFromContext(ctx)
}

// RequirePayment extracts payment from context and returns error if not found.
func RequirePayment(ctx context.Context) (*x402.PaymentContext, error) {
	payment, ok := GetPaymentFromContext(ctx)
	if !ok {
		return nil, status.Error(codes.ResourceExhausted, "payment context not found")
	}
	if !payment.Verified {
		return nil, status.Error(codes.ResourceExhausted, "payment not verified")
	}
	return payment, nil
}
