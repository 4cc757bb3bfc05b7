package grpc

import (
	"fmt"

	x402 "github.com/becomeliminal/x402-resource-server"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// V2 metadata keys.
const (
	MetadataKeyPaymentSignature = "payment-signature"
	MetadataKeyPaymentResponse  = "payment-response"
	MetadataKeyPaymentRequired  = "payment-required"

	// V1 legacy metadata keys.
	MetadataKeyLegacyPayment         = "x402-payment"
	MetadataKeyLegacyPaymentResponse = "x402-payment-response"
)

// ExtractPaymentHeader returns the encoded payment from metadata and whether it is V1.
// Tries V2 key (payment-signature) first, falls back to V1 (x402-payment).
func ExtractPaymentHeader(md metadata.MD) (string, bool) {
	if values := md.Get(MetadataKeyPaymentSignature); len(values) > 0 && values[0] != "" {
		return values[0], false
	}
	if values := md.Get(MetadataKeyLegacyPayment); len(values) > 0 && values[0] != "" {
		return values[0], true
	}
	return "", false
}

// PaymentRequiredFromError decodes the challenge carried by a ResourceExhausted status.
func PaymentRequiredFromError(err error) (*x402.PaymentRequiredResponse, error) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.ResourceExhausted {
		return nil, fmt.Errorf("not a payment required error: %v", err)
	}
	return x402.DecodePaymentRequired(st.Message())
}

// PaymentResponseFromTrailer decodes the receipt from response trailers.
func PaymentResponseFromTrailer(md metadata.MD) (*x402.PaymentResponse, error) {
	for _, key := range []string{MetadataKeyPaymentResponse, MetadataKeyLegacyPaymentResponse} {
		if values := md.Get(key); len(values) > 0 {
			return x402.DecodePaymentResponse(values[0])
		}
	}
	return nil, fmt.Errorf("no payment response in trailer")
}

func receiptTrailer(s *x402.Settlement) (metadata.MD, error) {
	encoded, err := x402.EncodePaymentResponse(&s.Response)
	if err != nil {
		return nil, err
	}
	if s.Legacy {
		return metadata.Pairs(MetadataKeyLegacyPaymentResponse, encoded), nil
	}
	return metadata.Pairs(MetadataKeyPaymentResponse, encoded), nil
}
