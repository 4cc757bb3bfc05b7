package transactions

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HeaderWebhookSignature carries hex(HMAC-SHA256(secret, body)), optionally
// prefixed with "sha256=".
const HeaderWebhookSignature = "X-Webhook-Signature"

const maxBodyBytes = 1 << 20

// Handler exposes the transaction table over HTTP.
type Handler struct {
	svc           *Service
	webhookSecret []byte
	logger        *zap.Logger
}

// NewHandler creates a Handler. Webhook signatures are checked only when
// webhookSecret is non-empty.
func NewHandler(svc *Service, webhookSecret []byte, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, webhookSecret: webhookSecret, logger: logger}
}

// Routes mounts the transaction endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/wallets/{walletID}", func(wr chi.Router) {
		wr.Post("/deposits", h.createDeposit)
		wr.Post("/withdrawals", h.createWithdrawal)
		wr.Get("/transactions", h.listByWallet)
	})
	r.Get("/transactions/{id}", h.get)
	r.Post("/webhooks/transactions", h.webhook)
}

type amountRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) createDeposit(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.Deposit)
}

func (h *Handler) createWithdrawal(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, h.svc.Withdraw)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, walletID, amount string) (*Record, error)) {
	var req amountRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rec, err := fn(r.Context(), chi.URLParam(r, "walletID"), req.Amount)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) listByWallet(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.ListByWallet(r.Context(), chi.URLParam(r, "walletID"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": recs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if len(h.webhookSecret) > 0 && !ValidSignature(h.webhookSecret, body, r.Header.Get(HeaderWebhookSignature)) {
		h.logger.Warn("rejected webhook with bad signature", zap.String("remote_addr", r.RemoteAddr))
		writeError(w, http.StatusUnauthorized, "invalid webhook signature")
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid webhook payload")
		return
	}

	rec, applied, err := h.svc.Apply(r.Context(), ev)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"applied":     applied,
		"transaction": rec,
	})
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("transaction request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Sign returns the webhook signature for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidSignature checks signature against body in constant time.
func ValidSignature(secret, body []byte, signature string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
