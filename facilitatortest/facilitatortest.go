// Package facilitatortest provides a deterministic in-memory settlement backend for
// tests, usable directly as an x402.ChainVerifier or over HTTP via NewServer.
//
// Signatures are not cryptographic: Sign hashes the authorization fields, and
// Verify accepts a payload only if its signature matches that hash. Settle records
// each authorization nonce and refuses to settle it twice.
package facilitatortest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
)

// Reasons reported for rejected payments.
const (
	ReasonInvalidSignature = "invalid_signature"
	ReasonInvalidPayload   = "invalid_payload"
)

// Facilitator is a deterministic settlement backend.
type Facilitator struct {
	Network string

	// SettleError, when set, makes every settlement fail with this reason.
	SettleError string

	mu              sync.Mutex
	settled         map[string]string // nonce -> tx hash
	idempotencyKeys []string
}

// New creates a Facilitator that supports the exact scheme on network.
func New(network string) *Facilitator {
	return &Facilitator{
		Network: network,
		settled: make(map[string]string),
	}
}

// Sign returns the signature Verify expects for auth.
func Sign(auth x402.Authorization) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		auth.From, auth.To, auth.Value, auth.Nonce, auth.ValidAfter, auth.ValidBefore)))
	return "0x" + hex.EncodeToString(sum[:])
}

// Pay builds a signed v2 payload accepting req and authorizing value from payer.
func Pay(req x402.PaymentRequirements, from, value, nonce string, validBefore time.Time) *x402.PaymentPayload {
	auth := x402.Authorization{
		From:        from,
		To:          req.PayTo,
		Value:       value,
		ValidAfter:  0,
		ValidBefore: validBefore.Unix(),
		Nonce:       nonce,
	}
	return &x402.PaymentPayload{
		X402Version: x402.VersionV2,
		Accepted:    req,
		Payload: x402.ExactPayload{
			Signature:     Sign(auth),
			Authorization: &auth,
		},
	}
}

// Verify implements x402.ChainVerifier.
func (f *Facilitator) Verify(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exact, err := x402.DecodeExactPayload(payload.Payload)
	if err != nil {
		return &x402.VerificationResult{Valid: false, Reason: ReasonInvalidPayload}, nil
	}

	if exact.Signature != Sign(*exact.Authorization) {
		return &x402.VerificationResult{Valid: false, Reason: ReasonInvalidSignature}, nil
	}

	return &x402.VerificationResult{
		Valid:        true,
		PayerAddress: exact.Authorization.From,
		Amount:       exact.Authorization.Value,
	}, nil
}

// Settle implements x402.ChainVerifier. A nonce settles at most once.
func (f *Facilitator) Settle(ctx context.Context, payload *x402.PaymentPayload, requirements *x402.PaymentRequirements) (*x402.SettlementResult, error) {
	verification, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verification.Valid {
		return &x402.SettlementResult{Success: false, ErrorReason: verification.Reason}, nil
	}

	exact, _ := x402.DecodeExactPayload(payload.Payload)
	nonce := exact.Authorization.Nonce

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SettleError != "" {
		return &x402.SettlementResult{Success: false, ErrorReason: f.SettleError}, nil
	}

	if _, ok := f.settled[nonce]; ok {
		return &x402.SettlementResult{Success: false, ErrorReason: x402.SettleReasonAlreadySettled}, nil
	}

	sum := sha256.Sum256([]byte("tx|" + nonce))
	txHash := "0x" + hex.EncodeToString(sum[:])
	f.settled[nonce] = txHash

	return &x402.SettlementResult{
		Success:         true,
		TransactionHash: txHash,
		Network:         requirements.Network,
		PayerAddress:    exact.Authorization.From,
		Amount:          exact.Authorization.Value,
		SettledAt:       time.Now(),
	}, nil
}

// SupportedKinds implements x402.ChainVerifier.
func (f *Facilitator) SupportedKinds() []x402.SupportedKind {
	return []x402.SupportedKind{{Scheme: x402.SchemeExact, Network: f.Network}}
}

// SettledCount returns how many payments were settled.
func (f *Facilitator) SettledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

// IdempotencyKeys returns the Idempotency-Key headers received by the HTTP server.
func (f *Facilitator) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.idempotencyKeys...)
}

type wireRequest struct {
	Payload      x402.PaymentPayload      `json:"paymentPayload"`
	Requirements x402.PaymentRequirements `json:"paymentRequirements"`
}

// NewServer serves f over the facilitator HTTP API.
func NewServer(f *Facilitator) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/v2/x402/supported", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		kinds := make([]map[string]interface{}, 0, 1)
		for _, k := range f.SupportedKinds() {
			kinds = append(kinds, map[string]interface{}{
				"x402Version": x402.VersionV2,
				"scheme":      k.Scheme,
				"network":     k.Network,
			})
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"kinds": kinds})
	})

	mux.HandleFunc("/v2/x402/verify", func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"isValid": false, "invalidReason": ReasonInvalidPayload})
			return
		}
		res, err := f.Verify(r.Context(), &req.Payload, &req.Requirements)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if !res.Valid {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]interface{}{
			"isValid":       res.Valid,
			"invalidReason": res.Reason,
			"payer":         res.PayerAddress,
		})
	})

	mux.HandleFunc("/v2/x402/settle", func(w http.ResponseWriter, r *http.Request) {
		if key := r.Header.Get("Idempotency-Key"); key != "" {
			f.mu.Lock()
			f.idempotencyKeys = append(f.idempotencyKeys, key)
			f.mu.Unlock()
		}

		var req wireRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "errorReason": ReasonInvalidPayload})
			return
		}
		res, err := f.Settle(r.Context(), &req.Payload, &req.Requirements)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		status := http.StatusOK
		if !res.Success {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]interface{}{
			"success":     res.Success,
			"errorReason": res.ErrorReason,
			"transaction": res.TransactionHash,
			"network":     res.Network,
			"payer":       res.PayerAddress,
		})
	})

	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
