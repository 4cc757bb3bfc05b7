package grpc

import (
	"context"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/facilitatortest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testNetwork   = "eip155:84532"
	testMethod    = "/weather.v1.WeatherService/GetWeather"
	testRecipient = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

// fakeTransportStream captures trailers set through grpc.SetTrailer.
type fakeTransportStream struct {
	trailer metadata.MD
}

func (s *fakeTransportStream) Method() string                  { return testMethod }
func (s *fakeTransportStream) SetHeader(md metadata.MD) error  { return nil }
func (s *fakeTransportStream) SendHeader(md metadata.MD) error { return nil }
func (s *fakeTransportStream) SetTrailer(md metadata.MD) error {
	s.trailer = metadata.Join(s.trailer, md)
	return nil
}

func newTestProcessor(t *testing.T) (*x402.Processor, *facilitatortest.Facilitator) {
	t.Helper()

	facilitator := facilitatortest.New(testNetwork)
	processor, err := x402.NewProcessor(x402.Config{
		Verifier: facilitator,
		MethodPricing: map[string]x402.PricingRule{
			testMethod: {
				Description: "Weather report",
				AcceptedTokens: []x402.TokenRequirement{{
					Network:       testNetwork,
					AssetContract: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
					Symbol:        "USDC",
					Recipient:     testRecipient,
					Amount:        "10000",
					TokenDecimals: 6,
				}},
			},
		},
		SkipMethods: []string{"/grpc.health.v1.Health/*"},
	})
	if err != nil {
		t.Fatalf("NewProcessor failed: %v", err)
	}
	return processor, facilitator
}

func challengeFor(t *testing.T, interceptor grpc.UnaryServerInterceptor) *x402.PaymentRequiredResponse {
	t.Helper()

	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run without payment")
			return nil, nil
		})
	challenge, decodeErr := PaymentRequiredFromError(err)
	if decodeErr != nil {
		t.Fatalf("expected payment required status, got %v", err)
	}
	return challenge
}

func TestUnaryInterceptor_NoPayment(t *testing.T) {
	processor, facilitator := newTestProcessor(t)
	interceptor := UnaryInterceptor(processor)

	challenge := challengeFor(t, interceptor)
	if len(challenge.Accepts) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(challenge.Accepts))
	}
	if challenge.Accepts[0].Resource != testMethod {
		t.Errorf("resource = %q, want %q", challenge.Accepts[0].Resource, testMethod)
	}
	if facilitator.SettledCount() != 0 {
		t.Errorf("no settlement expected, got %d", facilitator.SettledCount())
	}
}

func TestUnaryInterceptor_ChallengeTrailer(t *testing.T) {
	processor, _ := newTestProcessor(t)
	interceptor := UnaryInterceptor(processor)

	stream := &fakeTransportStream{}
	ctx := grpc.NewContextWithServerTransportStream(context.Background(), stream)

	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run without payment")
			return nil, nil
		})
	if status.Code(err) != codes.ResourceExhausted {
		t.Fatalf("expected ResourceExhausted, got %v", err)
	}

	values := stream.trailer.Get(MetadataKeyPaymentRequired)
	if len(values) != 1 {
		t.Fatalf("expected payment-required trailer, got %v", stream.trailer)
	}
	challenge, err := x402.DecodePaymentRequired(values[0])
	if err != nil {
		t.Fatalf("failed to decode trailer: %v", err)
	}
	if challenge.Accepts[0].Amount != "10000" {
		t.Errorf("amount = %s", challenge.Accepts[0].Amount)
	}
}

func TestUnaryInterceptor_SkippedMethod(t *testing.T) {
	processor, _ := newTestProcessor(t)
	interceptor := UnaryInterceptor(processor)

	called := false
	_, err := interceptor(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			called = true
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Error("handler should run for skipped methods")
	}
}

func TestUnaryInterceptor_PaidCall(t *testing.T) {
	processor, facilitator := newTestProcessor(t)
	interceptor := UnaryInterceptor(processor)

	challenge := challengeFor(t, interceptor)
	payload := facilitatortest.Pay(challenge.Accepts[0], "0xPayer", "10000", "0xnonce-grpc", time.Now().Add(time.Minute))
	encoded, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}

	stream := &fakeTransportStream{}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded))
	ctx = grpc.NewContextWithServerTransportStream(ctx, stream)

	var payer string
	resp, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			payment, err := RequirePayment(ctx)
			if err != nil {
				return nil, err
			}
			payer = payment.PayerAddress
			return "sunny", nil
		})
	if err != nil {
		t.Fatalf("paid call failed: %v", err)
	}
	if resp != "sunny" {
		t.Errorf("resp = %v, want sunny", resp)
	}
	if payer != "0xPayer" {
		t.Errorf("payer = %q, want 0xPayer", payer)
	}

	receipt, err := PaymentResponseFromTrailer(stream.trailer)
	if err != nil {
		t.Fatalf("no receipt trailer: %v", err)
	}
	if !receipt.Success || receipt.Transaction == "" {
		t.Errorf("unexpected receipt: %+v", receipt)
	}

	// Replaying the same authorization must not release the resource again.
	_, err = interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run for a replayed payment")
			return nil, nil
		})
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("replay code = %v, want AlreadyExists", status.Code(err))
	}
	if facilitator.SettledCount() != 1 {
		t.Errorf("settled = %d, want 1", facilitator.SettledCount())
	}
}

func TestUnaryInterceptor_Underpayment(t *testing.T) {
	processor, facilitator := newTestProcessor(t)
	interceptor := UnaryInterceptor(processor)

	challenge := challengeFor(t, interceptor)
	payload := facilitatortest.Pay(challenge.Accepts[0], "0xPayer", "9999", "0xnonce-low", time.Now().Add(time.Minute))
	encoded, _ := x402.EncodePaymentPayload(payload)

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded))
	_, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: testMethod},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			t.Fatal("handler must not run for an underpayment")
			return nil, nil
		})

	rechallenge, decodeErr := PaymentRequiredFromError(err)
	if decodeErr != nil {
		t.Fatalf("expected a fresh challenge, got %v", err)
	}
	if rechallenge.Code != x402.ErrCodeInsufficientAmount {
		t.Errorf("code = %q, want %q", rechallenge.Code, x402.ErrCodeInsufficientAmount)
	}
	if facilitator.SettledCount() != 0 {
		t.Errorf("settled = %d, want 0", facilitator.SettledCount())
	}
}

type testServerStream struct {
	grpc.ServerStream
	ctx     context.Context
	trailer metadata.MD
}

func (s *testServerStream) Context() context.Context { return s.ctx }
func (s *testServerStream) SetTrailer(md metadata.MD) {
	s.trailer = metadata.Join(s.trailer, md)
}

func TestStreamInterceptor(t *testing.T) {
	processor, _ := newTestProcessor(t)
	interceptor := StreamInterceptor(processor)
	info := &grpc.StreamServerInfo{FullMethod: testMethod, IsServerStream: true}

	err := interceptor(nil, &testServerStream{ctx: context.Background()}, info,
		func(srv interface{}, ss grpc.ServerStream) error {
			t.Fatal("handler must not run without payment")
			return nil
		})
	challenge, decodeErr := PaymentRequiredFromError(err)
	if decodeErr != nil {
		t.Fatalf("expected payment required status, got %v", err)
	}

	payload := facilitatortest.Pay(challenge.Accepts[0], "0xPayer", "10000", "0xnonce-stream", time.Now().Add(time.Minute))
	encoded, _ := x402.EncodePaymentPayload(payload)

	ss := &testServerStream{
		ctx: metadata.NewIncomingContext(context.Background(), metadata.Pairs(MetadataKeyPaymentSignature, encoded)),
	}
	err = interceptor(nil, ss, info, func(srv interface{}, stream grpc.ServerStream) error {
		_, err := RequirePayment(stream.Context())
		return err
	})
	if err != nil {
		t.Fatalf("paid stream failed: %v", err)
	}
	if _, err := PaymentResponseFromTrailer(ss.trailer); err != nil {
		t.Errorf("expected receipt trailer: %v", err)
	}
}
