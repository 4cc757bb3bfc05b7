package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/becomeliminal/x402-resource-server/facilitatortest"
	"github.com/becomeliminal/x402-resource-server/transactions"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testPayer = "0x857b06519E91e3A54538791bDbb0E22373e36b66"

func testConfig() *Config {
	return &Config{
		Network:         "eip155:84532",
		AssetContract:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Symbol:          "USDC",
		TokenName:       "USDC",
		TokenVersion:    "2",
		TokenDecimals:   6,
		Recipient:       "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		WeatherPrice:    "100000",
		ProtocolVersion: x402.VersionV2,
		ResourceBaseURL: "https://api.example.com",
		ChallengeTTL:    time.Minute,
		SettleTimeout:   5 * time.Second,
		TxStore:         "memory",
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *facilitatortest.Facilitator) {
	t.Helper()

	cfg := testConfig()
	facilitator := facilitatortest.New(cfg.Network)
	registry := prometheus.NewRegistry()

	paymentCfg := cfg.paymentConfig(facilitator)
	paymentCfg.Metrics = x402.NewMetrics(registry)
	processor, err := x402.NewProcessor(paymentCfg)
	require.NoError(t, err)

	handler, err := newRouter(routerDeps{
		processor: processor,
		txHandler: transactions.NewHandler(transactions.NewService(transactions.NewMemoryRepository()), nil, nil),
		weather:   &weatherService{},
		registry:  registry,
		logger:    zap.NewNop(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, facilitator
}

func get(t *testing.T, url, payment string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "application/json")
	if payment != "" {
		req.Header.Set(x402.HeaderPaymentSignature, payment)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func challenge(t *testing.T, url string) x402.PaymentRequirements {
	t.Helper()
	resp := get(t, url, "")
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	required, err := x402.ReadPaymentRequirements(resp)
	require.NoError(t, err)
	require.Len(t, required.Accepts, 1)
	return required.Accepts[0]
}

func pay(t *testing.T, req x402.PaymentRequirements, value, nonce string) string {
	t.Helper()
	encoded, err := x402.EncodePaymentPayload(
		facilitatortest.Pay(req, testPayer, value, nonce, time.Now().Add(time.Minute)))
	require.NoError(t, err)
	return encoded
}

type paidBody struct {
	Data    map[string]interface{} `json:"data"`
	Payment x402.Receipt           `json:"payment"`
}

func TestWeather_EndToEnd(t *testing.T) {
	srv, facilitator := newTestServer(t)

	req := challenge(t, srv.URL+"/weather")
	assert.Equal(t, "100000", req.Amount)
	assert.Equal(t, "https://api.example.com/weather", req.Resource)
	assert.Equal(t, "USDC", req.Extra["symbol"])

	resp := get(t, srv.URL+"/weather", pay(t, req, "100000", "0xe2e-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body paidBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Data["location"])
	assert.Equal(t, testPayer, body.Data["payer"])
	assert.Equal(t, x402.ReceiptStatusSettled, body.Payment.Status)
	assert.Equal(t, "100000", body.Payment.Amount)
	assert.NotEmpty(t, body.Payment.TxHash)

	receipt, err := x402.DecodePaymentResponse(resp.Header.Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	assert.Equal(t, body.Payment.TxHash, receipt.Transaction)
	assert.Equal(t, 1, facilitator.SettledCount())
}

func TestWeather_ReplayAndUnderpayment(t *testing.T) {
	srv, facilitator := newTestServer(t)
	req := challenge(t, srv.URL+"/weather")

	resp := get(t, srv.URL+"/weather", pay(t, req, "99999", "0xlow"))
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	payment := pay(t, req, "100001", "0xonce")
	resp = get(t, srv.URL+"/weather", payment)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = get(t, srv.URL+"/weather", payment)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errBody))
	assert.Equal(t, x402.ErrCodeAlreadySettled, errBody["code"])
	assert.Equal(t, 1, facilitator.SettledCount())
}

func TestGatewayWeather(t *testing.T) {
	srv, _ := newTestServer(t)

	req := challenge(t, srv.URL+"/v1/weather/paris")
	assert.Equal(t, "https://api.example.com/v1/weather/paris", req.Resource)

	resp := get(t, srv.URL+"/v1/weather/paris", pay(t, req, "100000", "0xgw-1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body paidBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "paris", body.Data["location"])
	assert.Equal(t, testPayer, body.Data["payer"])
	assert.Equal(t, x402.ReceiptStatusSettled, body.Payment.Status)
}

func TestResourceBinding(t *testing.T) {
	srv, facilitator := newTestServer(t)

	weatherReq := challenge(t, srv.URL+"/weather")
	resp := get(t, srv.URL+"/v1/weather/paris", pay(t, weatherReq, "100000", "0xbind"))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	var body x402.PaymentRequiredResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, x402.ErrCodeResourceMismatch, body.Code)
	assert.Equal(t, 0, facilitator.SettledCount())
}

func TestFreeRoutesAndMetrics(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := get(t, srv.URL+"/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	challenge(t, srv.URL+"/weather")

	resp = get(t, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	metrics, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), `x402_challenges_issued_total{version="2"} 1`)

	post, err := http.Post(srv.URL+"/wallets/w1/deposits", "application/json", strings.NewReader(`{"amount":"100000"}`))
	require.NoError(t, err)
	defer post.Body.Close()
	assert.Equal(t, http.StatusCreated, post.StatusCode)
}

func TestConfigValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.validate())

	cfg.Recipient = ""
	assert.Error(t, cfg.validate())

	cfg = testConfig()
	cfg.TxStore = "postgres"
	assert.Error(t, cfg.validate(), "postgres needs DATABASE_URL")

	cfg = testConfig()
	cfg.DepositBridgeURL = "https://bridge.example.com"
	assert.Error(t, cfg.validate(), "bridge needs a challenge secret")

	cfg = testConfig()
	cfg.ProtocolVersion = 3
	assert.Error(t, cfg.validate(), "only versions 1 and 2 exist")

	cfg = testConfig()
	cfg.ProtocolVersion = x402.VersionLegacy
	require.NoError(t, cfg.validate())

	cfg.ChallengeSecret = "secret"
	assert.Error(t, cfg.validate(), "v1 challenges cannot carry a token")

	cfg.Recipient = ""
	cfg.DepositBridgeURL = "https://bridge.example.com"
	assert.Error(t, cfg.validate(), "v1 cannot use deposit addresses")

	assert.Equal(t, []string{"a:9092", "b:9092"}, splitList(" a:9092, ,b:9092"))
}

func TestLoadConfig_MalformedValues(t *testing.T) {
	t.Setenv("RECIPIENT_ADDRESS", "0x209693Bc6afc0C5328bA36FaF03C514EF312287C")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, x402.VersionV2, cfg.ProtocolVersion)

	t.Setenv("X402_VERSION", "two")
	t.Setenv("SETTLE_TIMEOUT", "soon")

	_, err = LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "X402_VERSION")
	assert.Contains(t, err.Error(), "SETTLE_TIMEOUT")

	t.Setenv("X402_VERSION", "1")
	t.Setenv("SETTLE_TIMEOUT", "2s")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, x402.VersionLegacy, cfg.ProtocolVersion)
	assert.Equal(t, 2*time.Second, cfg.SettleTimeout)
}
