package x402_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/facilitatortest"
)

const (
	network   = "eip155:84532"
	asset     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	recipient = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	payer     = "0x857b06519E91e3A54538791bDbb0E22373e36b66"
	price     = "100000"
)

func weatherRule() x402.PricingRule {
	return x402.PricingRule{
		Description: "Current weather",
		MimeType:    "application/json",
		AcceptedTokens: []x402.TokenRequirement{{
			Network:       network,
			AssetContract: asset,
			Symbol:        "USDC",
			Recipient:     recipient,
			Amount:        price,
			TokenName:     "USDC",
			TokenVersion:  "2",
			TokenDecimals: 6,
		}},
	}
}

type server struct {
	*httptest.Server
	facilitator *facilitatortest.Facilitator
	served      atomic.Int32
}

func newServer(t *testing.T, mutate func(*x402.Config)) *server {
	t.Helper()

	s := &server{facilitator: facilitatortest.New(network)}
	cfg := x402.Config{
		Verifier:        s.facilitator,
		ResourceBaseURL: "https://api.example.com",
		EndpointPricing: map[string]x402.PricingRule{
			"/weather": weatherRule(),
			"/premium": weatherRule(),
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/weather", func(w http.ResponseWriter, r *http.Request) {
		s.served.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": map[string]interface{}{"location": "San Francisco", "temperature": 18.5},
		})
	})
	mux.HandleFunc("/premium", func(w http.ResponseWriter, r *http.Request) {
		s.served.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"tier":"premium"}}`))
	})

	s.Server = httptest.NewServer(x402.PaymentMiddleware(cfg)(mux))
	t.Cleanup(s.Close)
	return s
}

func (s *server) get(t *testing.T, path, payment string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Accept", "application/json")
	if payment != "" {
		req.Header.Set(x402.HeaderPaymentSignature, payment)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (s *server) challenge(t *testing.T, path string) x402.PaymentRequirements {
	t.Helper()
	resp := s.get(t, path, "")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	required, err := x402.ReadPaymentRequirements(resp)
	if err != nil {
		t.Fatalf("failed to read challenge: %v", err)
	}
	if len(required.Accepts) != 1 {
		t.Fatalf("expected 1 requirement, got %d", len(required.Accepts))
	}
	return required.Accepts[0]
}

func encode(t *testing.T, payload *x402.PaymentPayload) string {
	t.Helper()
	header, err := x402.EncodePaymentPayload(payload)
	if err != nil {
		t.Fatalf("failed to encode payment: %v", err)
	}
	return header
}

func pay(t *testing.T, req x402.PaymentRequirements, value, nonce string) string {
	t.Helper()
	return encode(t, facilitatortest.Pay(req, payer, value, nonce, time.Now().Add(time.Minute)))
}

func decodeCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	return body.Code
}

func TestChallengeRoundTrip(t *testing.T) {
	s := newServer(t, nil)

	resp := s.get(t, "/weather", "")
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}

	fromHeader, err := x402.DecodePaymentRequired(resp.Header.Get(x402.HeaderPaymentRequired))
	if err != nil {
		t.Fatalf("failed to decode header: %v", err)
	}
	var fromBody x402.PaymentRequiredResponse
	if err := json.NewDecoder(resp.Body).Decode(&fromBody); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}

	h, _ := json.Marshal(fromHeader)
	b, _ := json.Marshal(fromBody)
	if string(h) != string(b) {
		t.Errorf("header and body disagree:\n%s\n%s", h, b)
	}

	req := fromHeader.Accepts[0]
	if req.Amount != price || req.Asset != asset || req.PayTo != recipient || req.Network != network {
		t.Errorf("unexpected requirement: %+v", req)
	}
	if req.Resource != "https://api.example.com/weather" {
		t.Errorf("resource = %s", req.Resource)
	}
	if req.MaxTimeoutSeconds != 300 {
		t.Errorf("maxTimeoutSeconds = %d, want 300", req.MaxTimeoutSeconds)
	}
}

func TestEveryUnpaidRequestGetsAChallenge(t *testing.T) {
	s := newServer(t, nil)

	for i := 0; i < 3; i++ {
		s.challenge(t, "/weather")
	}
	if s.served.Load() != 0 || s.facilitator.SettledCount() != 0 {
		t.Errorf("unpaid requests must not reach the handler or settle")
	}
}

func TestWeatherEndToEnd(t *testing.T) {
	s := newServer(t, nil)

	req := s.challenge(t, "/weather")
	resp := s.get(t, "/weather", pay(t, req, price, "0xweather"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Data    map[string]interface{} `json:"data"`
		Payment x402.Receipt           `json:"payment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Data["location"] == nil {
		t.Error("expected data.location")
	}
	if body.Payment.Status != x402.ReceiptStatusSettled {
		t.Errorf("payment.status = %q, want settled", body.Payment.Status)
	}
	if body.Payment.Amount != price {
		t.Errorf("payment.amount = %q", body.Payment.Amount)
	}

	receipt, err := x402.DecodePaymentResponse(resp.Header.Get(x402.HeaderPaymentResponse))
	if err != nil {
		t.Fatalf("failed to decode receipt: %v", err)
	}
	if receipt.Payer != payer || receipt.Transaction != body.Payment.TxHash || receipt.Network != network {
		t.Errorf("unexpected receipt: %+v", receipt)
	}
}

func TestDoubleSubmitSettlesOnce(t *testing.T) {
	s := newServer(t, nil)

	payment := pay(t, s.challenge(t, "/weather"), price, "0xonce")

	if resp := s.get(t, "/weather", payment); resp.StatusCode != http.StatusOK {
		t.Fatalf("first submit: expected 200, got %d", resp.StatusCode)
	}

	resp := s.get(t, "/weather", payment)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("second submit: expected 500, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeAlreadySettled {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeAlreadySettled)
	}

	if s.served.Load() != 1 {
		t.Errorf("resource served %d times, want 1", s.served.Load())
	}
	if s.facilitator.SettledCount() != 1 {
		t.Errorf("settled %d times, want 1", s.facilitator.SettledCount())
	}
}

func TestAmountBoundary(t *testing.T) {
	tests := []struct {
		value      string
		wantStatus int
		wantCode   string
	}{
		{value: "99999", wantStatus: http.StatusPaymentRequired, wantCode: x402.ErrCodeInsufficientAmount},
		{value: "100000", wantStatus: http.StatusOK},
		{value: "100001", wantStatus: http.StatusOK},
		{value: "250000", wantStatus: http.StatusOK},
	}

	s := newServer(t, nil)
	req := s.challenge(t, "/weather")

	for i, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			resp := s.get(t, "/weather", pay(t, req, tt.value, fmt.Sprintf("0xamount-%d", i)))
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if tt.wantCode != "" {
				if code := decodeCode(t, resp); code != tt.wantCode {
					t.Errorf("code = %s, want %s", code, tt.wantCode)
				}
			}
		})
	}
}

func TestResourceBinding(t *testing.T) {
	s := newServer(t, nil)

	weatherReq := s.challenge(t, "/weather")
	resp := s.get(t, "/premium", pay(t, weatherReq, price, "0xbound"))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeResourceMismatch {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeResourceMismatch)
	}
	if s.facilitator.SettledCount() != 0 {
		t.Error("a mismatched payment must not settle")
	}
}

func TestRecipientMismatch(t *testing.T) {
	s := newServer(t, nil)

	req := s.challenge(t, "/weather")
	req.PayTo = "0x000000000000000000000000000000000000dEaD"

	resp := s.get(t, "/weather", pay(t, req, price, "0xelsewhere"))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeRecipientMismatch {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeRecipientMismatch)
	}
}

func TestExpiredAuthorization(t *testing.T) {
	s := newServer(t, nil)

	req := s.challenge(t, "/weather")
	payment := encode(t, facilitatortest.Pay(req, payer, price, "0xold", time.Now().Add(-time.Second)))

	resp := s.get(t, "/weather", payment)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeExpiredPayment {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeExpiredPayment)
	}
}

func TestForgedSignature(t *testing.T) {
	s := newServer(t, nil)

	payload := facilitatortest.Pay(s.challenge(t, "/weather"), payer, price, "0xforged", time.Now().Add(time.Minute))
	exact := payload.Payload.(x402.ExactPayload)
	exact.Signature = "0xdeadbeef"
	payload.Payload = exact

	resp := s.get(t, "/weather", encode(t, payload))
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeVerificationFailed {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeVerificationFailed)
	}
}

func TestSettlementFailureIsNotAVerificationFailure(t *testing.T) {
	s := newServer(t, nil)
	s.facilitator.SettleError = "insufficient_funds"

	resp := s.get(t, "/weather", pay(t, s.challenge(t, "/weather"), price, "0xbroke"))
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	if code := decodeCode(t, resp); code != x402.ErrCodeSettlementFailed {
		t.Errorf("code = %s, want %s", code, x402.ErrCodeSettlementFailed)
	}
	if s.served.Load() != 0 {
		t.Error("resource must not be released")
	}
}
