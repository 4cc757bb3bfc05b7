package x402

import (
	"context"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/metadata"
)

// gRPC metadata keys carrying a settled payment from the gateway to the backend.
const (
	mdPaymentVerified = "x-payment-verified"
	mdPaymentPayer    = "x-payment-payer"
	mdPaymentAmount   = "x-payment-amount"
	mdPaymentNetwork  = "x-payment-network"
	mdPaymentAsset    = "x-payment-asset"
	mdPaymentResource = "x-payment-resource"
	mdPaymentTxHash   = "x-payment-tx-hash"
)

// WithPaymentMetadata returns a ServeMuxOption that propagates payment information
// from HTTP context to gRPC metadata, making it accessible in gRPC handlers
func WithPaymentMetadata() runtime.ServeMuxOption {
	return runtime.WithMetadata(func(ctx context.Context, r *http.Request) metadata.MD {
		md := metadata.MD{}

		payment, ok := GetPaymentFromContext(ctx)
		if !ok || payment == nil || !payment.Verified {
			return md
		}

		md.Set(mdPaymentVerified, "true")
		md.Set(mdPaymentPayer, payment.PayerAddress)
		md.Set(mdPaymentAmount, payment.Amount)
		md.Set(mdPaymentNetwork, payment.Network)

		if payment.Asset != "" {
			md.Set(mdPaymentAsset, payment.Asset)
		}
		if payment.Resource != "" {
			md.Set(mdPaymentResource, payment.Resource)
		}
		if payment.TransactionHash != "" {
			md.Set(mdPaymentTxHash, payment.TransactionHash)
		}

		return md
	})
}

// GetPaymentFromGRPCContext extracts payment information from gRPC metadata
// Use this in gRPC handlers to access payment details
func GetPaymentFromGRPCContext(ctx context.Context) (*PaymentContext, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, false
	}

	if first(md, mdPaymentVerified) != "true" {
		return nil, false
	}

	return &PaymentContext{
		Verified:        true,
		PayerAddress:    first(md, mdPaymentPayer),
		Amount:          first(md, mdPaymentAmount),
		Network:         first(md, mdPaymentNetwork),
		Asset:           first(md, mdPaymentAsset),
		Resource:        first(md, mdPaymentResource),
		TransactionHash: first(md, mdPaymentTxHash),
	}, true
}

// GetHTTPPathPattern extracts the HTTP path pattern from grpc-gateway context
// This is useful if you need to make payment decisions based on the matched route
func GetHTTPPathPattern(ctx context.Context) (string, bool) {
	pattern, ok := runtime.HTTPPathPattern(ctx)
	return pattern, ok
}

func first(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
