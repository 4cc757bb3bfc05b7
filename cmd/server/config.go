package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	x402 "github.com/becomeliminal/x402-resource-server"
	"github.com/joho/godotenv"
)

// Config is the server configuration, read from the environment.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	FacilitatorURL    string
	FacilitatorAPIKey string

	Network       string
	AssetContract string
	Symbol        string
	TokenName     string
	TokenVersion  string
	TokenDecimals int
	Recipient     string
	WeatherPrice  string

	// ProtocolVersion is 1 (body-only challenge) or 2 (PAYMENT-REQUIRED header).
	ProtocolVersion int

	ResourceBaseURL  string
	ChallengeSecret  string
	ChallengeTTL     time.Duration
	SettleTimeout    time.Duration
	DepositBridgeURL string
	DepositBridgeKey string

	TxStore       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	KafkaBrokers  []string
	KafkaTopic    string
	WebhookSecret string
}

// LoadConfig reads .env (if present) and the environment.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	env := &envReader{}
	cfg := &Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		GRPCAddr:          getEnv("GRPC_ADDR", ":9090"),
		FacilitatorURL:    getEnv("FACILITATOR_URL", "https://x402.org/facilitator"),
		FacilitatorAPIKey: getEnv("FACILITATOR_API_KEY", ""),
		Network:           getEnv("X402_NETWORK", "eip155:84532"),
		AssetContract:     getEnv("X402_ASSET", "0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
		Symbol:            getEnv("X402_SYMBOL", "USDC"),
		TokenName:         getEnv("X402_TOKEN_NAME", "USDC"),
		TokenVersion:      getEnv("X402_TOKEN_VERSION", "2"),
		TokenDecimals:     env.intVar("X402_TOKEN_DECIMALS", 6),
		Recipient:         getEnv("RECIPIENT_ADDRESS", ""),
		WeatherPrice:      getEnv("WEATHER_PRICE", "100000"),
		ProtocolVersion:   env.intVar("X402_VERSION", x402.VersionV2),
		ResourceBaseURL:   getEnv("RESOURCE_BASE_URL", "http://localhost:8080"),
		ChallengeSecret:   getEnv("CHALLENGE_SECRET", ""),
		ChallengeTTL:      env.durationVar("CHALLENGE_TTL", 5*time.Minute),
		SettleTimeout:     env.durationVar("SETTLE_TIMEOUT", x402.DefaultExternalCallTimeout),
		DepositBridgeURL:  getEnv("DEPOSIT_BRIDGE_URL", ""),
		DepositBridgeKey:  getEnv("DEPOSIT_BRIDGE_API_KEY", ""),
		TxStore:           getEnv("TX_STORE", "memory"),
		RedisAddr:         getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		RedisDB:           env.intVar("REDIS_DB", 0),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		KafkaBrokers:      splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:        getEnv("KAFKA_TOPIC", "x402.transactions"),
		WebhookSecret:     getEnv("WEBHOOK_SECRET", ""),
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Recipient == "" && c.DepositBridgeURL == "" {
		return fmt.Errorf("RECIPIENT_ADDRESS or DEPOSIT_BRIDGE_URL is required")
	}
	if c.DepositBridgeURL != "" && c.ChallengeSecret == "" {
		return fmt.Errorf("CHALLENGE_SECRET is required with DEPOSIT_BRIDGE_URL")
	}
	switch c.ProtocolVersion {
	case x402.VersionLegacy:
		if c.ChallengeSecret != "" {
			return fmt.Errorf("X402_VERSION=1 cannot carry a challenge token; unset CHALLENGE_SECRET and DEPOSIT_BRIDGE_URL or use version 2")
		}
	case x402.VersionV2:
	default:
		return fmt.Errorf("unsupported X402_VERSION %d", c.ProtocolVersion)
	}
	switch c.TxStore {
	case "memory", "redis":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for TX_STORE=postgres")
		}
	default:
		return fmt.Errorf("unknown TX_STORE %q", c.TxStore)
	}
	return nil
}

// pricingRule is the price of one weather report.
func (c *Config) pricingRule(description string) x402.PricingRule {
	return x402.PricingRule{
		Description: description,
		MimeType:    "application/json",
		Version:     c.ProtocolVersion,
		AcceptedTokens: []x402.TokenRequirement{{
			Network:       c.Network,
			AssetContract: c.AssetContract,
			Symbol:        c.Symbol,
			Recipient:     c.Recipient,
			Amount:        c.WeatherPrice,
			TokenName:     c.TokenName,
			TokenVersion:  c.TokenVersion,
			TokenDecimals: c.TokenDecimals,
		}},
	}
}

// paymentConfig prices /weather and the weather RPC over both transports.
func (c *Config) paymentConfig(verifier x402.ChainVerifier) x402.Config {
	rule := c.pricingRule("Current weather report")
	return x402.Config{
		Verifier:        verifier,
		ChallengeSecret: []byte(c.ChallengeSecret),
		ResourceBaseURL: c.ResourceBaseURL,
		EndpointPricing: map[string]x402.PricingRule{
			"/weather": rule,
			"/v1/*":    rule,
		},
		MethodPricing: map[string]x402.PricingRule{
			weatherGetMethod: rule,
		},
		ValidityDuration:    c.ChallengeTTL,
		ExternalCallTimeout: c.SettleTimeout,
		SkipPaths:           []string{"/health", "/metrics"},
		SkipMethods:         []string{"/grpc.health.v1.Health/*"},
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

// envReader parses typed variables, collecting every malformed value.
type envReader struct {
	errs []error
}

func (e *envReader) intVar(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not an integer", key, value))
		return fallback
	}
	return n
}

func (e *envReader) durationVar(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s=%q is not a duration", key, value))
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
