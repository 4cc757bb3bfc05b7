package transactions

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(secret []byte) (http.Handler, *Service) {
	svc := NewService(NewMemoryRepository())
	r := chi.NewRouter()
	NewHandler(svc, secret, nil).Routes(r)
	return r, svc
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_CreateAndRead(t *testing.T) {
	h, _ := newTestRouter(nil)

	resp := do(t, h, http.MethodPost, "/wallets/w1/deposits", []byte(`{"amount":"100000"}`), nil)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	var created Record
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	assert.Equal(t, "w1", created.WalletID)
	assert.Equal(t, StatusPending, created.Status)

	resp = do(t, h, http.MethodPost, "/wallets/w1/withdrawals", []byte(`{"amount":"5"}`), nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	resp = do(t, h, http.MethodGet, "/transactions/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp = do(t, h, http.MethodGet, "/wallets/w1/transactions", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var list struct {
		Transactions []Record `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Len(t, list.Transactions, 2)

	resp = do(t, h, http.MethodGet, "/transactions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = do(t, h, http.MethodPost, "/wallets/w1/deposits", []byte(`{"amount":"zero"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = do(t, h, http.MethodPost, "/wallets/w1/deposits", []byte(`not json`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestHandler_Webhook(t *testing.T) {
	secret := []byte("whsec")
	h, svc := newTestRouter(secret)

	dep, err := svc.Deposit(context.Background(), "w1", "100000")
	require.NoError(t, err)

	body, err := json.Marshal(Event{
		ID:        dep.ID,
		Status:    StatusConfirmed,
		TxHash:    "0xfeed",
		UpdatedAt: time.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	t.Run("MissingSignature", func(t *testing.T) {
		resp := do(t, h, http.MethodPost, "/webhooks/transactions", body, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("BadSignature", func(t *testing.T) {
		resp := do(t, h, http.MethodPost, "/webhooks/transactions", body,
			http.Header{HeaderWebhookSignature: {Sign([]byte("other"), body)}})
		assert.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("Applied", func(t *testing.T) {
		resp := do(t, h, http.MethodPost, "/webhooks/transactions", body,
			http.Header{HeaderWebhookSignature: {"sha256=" + Sign(secret, body)}})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

		var out struct {
			Applied     bool   `json:"applied"`
			Transaction Record `json:"transaction"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		assert.True(t, out.Applied)
		assert.Equal(t, StatusConfirmed, out.Transaction.Status)
	})

	t.Run("StaleIsAcknowledged", func(t *testing.T) {
		stale, err := json.Marshal(Event{ID: dep.ID, Status: StatusFailed, UpdatedAt: time.Unix(1, 0)})
		require.NoError(t, err)

		resp := do(t, h, http.MethodPost, "/webhooks/transactions", stale,
			http.Header{HeaderWebhookSignature: {Sign(secret, stale)}})
		require.Equal(t, http.StatusOK, resp.Code)

		var out struct {
			Applied     bool   `json:"applied"`
			Transaction Record `json:"transaction"`
		}
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &out))
		assert.False(t, out.Applied)
		assert.Equal(t, StatusConfirmed, out.Transaction.Status)
	})
}
