package x402

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// sendPaymentRequired issues a fresh challenge: 402 with the PAYMENT-REQUIRED header
// for v2 resources and the same envelope in the body.
func (p *Processor) sendPaymentRequired(w http.ResponseWriter, r *http.Request, rule *PricingRule, resource, message, code string) {
	challenge, err := p.Challenge(r.Context(), rule, resource, message, code)
	if err != nil {
		errCode := GetPaymentErrorCode(err)
		if errCode == "" {
			errCode = ErrCodeInvalidConfig
		}
		p.cfg.Logger.Error("failed to issue payment challenge",
			zap.String("resource", resource), zap.Error(err))
		sendError(w, http.StatusInternalServerError, errorMessage(err), errCode)
		return
	}

	if p.cfg.CustomPaywallHTML != "" && isBrowserRequest(r) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(p.cfg.CustomPaywallHTML))
		return
	}

	if challenge.X402Version >= VersionV2 {
		if encoded, err := EncodePaymentRequired(challenge); err == nil {
			w.Header().Set(HeaderPaymentRequired, encoded)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(challenge)
}

func sendError(w http.ResponseWriter, statusCode int, message, code string) {
	body := map[string]string{
		"error": message,
	}
	if code != "" {
		body["code"] = code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func errorMessage(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}

// setReceiptHeaders attaches the base64 receipt. X-PAYMENT-RESPONSE is always set;
// v2 payments also get PAYMENT-RESPONSE.
func setReceiptHeaders(w http.ResponseWriter, s *Settlement, version int) error {
	encoded, err := EncodePaymentResponse(&s.Response)
	if err != nil {
		return err
	}
	w.Header().Set(HeaderLegacyPaymentResponse, encoded)
	if !s.Legacy && version >= VersionV2 {
		w.Header().Set(HeaderPaymentResponse, encoded)
	}
	return nil
}

// receiptWriter buffers the protected handler's response so the receipt can be
// merged into a JSON object body as "payment".
type receiptWriter struct {
	w       http.ResponseWriter
	receipt Receipt
	status  int
	buf     bytes.Buffer
}

func newReceiptWriter(w http.ResponseWriter, receipt Receipt) *receiptWriter {
	return &receiptWriter{w: w, receipt: receipt}
}

func (rw *receiptWriter) Header() http.Header {
	return rw.w.Header()
}

func (rw *receiptWriter) WriteHeader(status int) {
	if rw.status == 0 {
		rw.status = status
	}
}

func (rw *receiptWriter) Write(b []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	return rw.buf.Write(b)
}

func (rw *receiptWriter) finish() error {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}

	body := rw.buf.Bytes()
	if merged, ok := mergeReceipt(rw.w.Header(), rw.status, body, rw.receipt); ok {
		body = merged
		rw.w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}

	rw.w.WriteHeader(rw.status)
	_, err := rw.w.Write(body)
	return err
}

// mergeReceipt adds "payment" to a successful JSON object body. Anything else is
// released unchanged.
func mergeReceipt(h http.Header, status int, body []byte, receipt Receipt) ([]byte, bool) {
	if status < 200 || status >= 300 {
		return nil, false
	}
	ct := h.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") {
		return nil, false
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return nil, false
	}

	raw, err := json.Marshal(receipt)
	if err != nil {
		return nil, false
	}
	obj["payment"] = raw

	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return append(merged, '\n'), true
}

func isBrowserRequest(r *http.Request) bool {
	userAgent := r.Header.Get("User-Agent")
	if userAgent == "" {
		return false
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return false
	}

	browserIndicators := []string{"Mozilla/", "Chrome/", "Safari/", "Firefox/", "Edge/", "Opera/"}
	for _, indicator := range browserIndicators {
		if strings.Contains(userAgent, indicator) {
			return true
		}
	}

	return false
}
