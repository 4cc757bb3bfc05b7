package x402

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultExternalCallTimeout bounds every call to the settlement backend and the
// deposit-address provider.
const DefaultExternalCallTimeout = 30 * time.Second

// Config describes what the resource server sells and how it settles payments.
// It is shared by the HTTP middleware and the gRPC interceptors.
type Config struct {
	// Verifier verifies and settles payloads, e.g. an evm.EVMVerifier.
	Verifier ChainVerifier

	// DepositProvider issues a fresh payTo per challenge (optional).
	// If nil, each token's fixed Recipient is used.
	DepositProvider DepositAddressProvider

	// ChallengeSecret signs the challenge token placed in extra.challenge.
	// Required when DepositProvider is set.
	ChallengeSecret []byte

	// ResourceBaseURL prefixes the request path to form the canonical resource URL
	// when a rule has no explicit Resource (e.g., "https://api.example.com").
	ResourceBaseURL string

	// EndpointPricing prices HTTP paths. Keys are exact paths, "/prefix/*"
	// wildcards or path.Match globs; the longest matching key wins.
	EndpointPricing map[string]PricingRule

	// MethodPricing prices native gRPC calls by full method name
	// ("/pkg.Service/Method"), with the same pattern rules as EndpointPricing.
	MethodPricing map[string]PricingRule

	// DefaultPricing prices anything no pattern matched. Nil leaves it free.
	DefaultPricing *PricingRule

	// ValidityDuration is how long an issued challenge stays payable.
	// Defaults to 5 minutes.
	ValidityDuration time.Duration

	// ExternalCallTimeout bounds verify, settle and deposit-address calls.
	// Defaults to 30 seconds.
	ExternalCallTimeout time.Duration

	// SkipPaths are always free, even under a wildcard rule.
	SkipPaths []string

	// SkipMethods are the gRPC counterpart of SkipPaths.
	SkipMethods []string

	// CustomPaywallHTML replaces the JSON challenge for browsers.
	CustomPaywallHTML string

	// Logger receives structured payment logs. Defaults to a no-op logger.
	Logger *zap.Logger

	// Metrics records challenge and settlement outcomes (optional).
	Metrics *Metrics

	// Now overrides the clock, mostly for tests.
	Now func() time.Time
}

// PricingRule is the price of one resource.
type PricingRule struct {
	// AcceptedTokens are the alternatives offered in a challenge, one
	// requirement each.
	AcceptedTokens []TokenRequirement

	Description string
	MimeType    string

	// Resource is the canonical URL of the protected resource (optional).
	Resource string

	// Version selects the challenge encoding: 2 sends the PAYMENT-REQUIRED header
	// and a body echo, 1 sends the body only. Defaults to 2.
	Version int
}

// TokenRequirement is one way to pay: an asset on a network, an amount and a recipient.
type TokenRequirement struct {
	// Network is matched exactly, e.g. "eip155:8453".
	Network string

	// AssetContract is advertised as the requirement's asset.
	AssetContract string

	// Symbol goes into extra.symbol.
	Symbol string

	// Recipient is the fixed payTo. Left empty when a DepositProvider issues one.
	Recipient string

	// Amount in atomic units, as a decimal integer string.
	Amount string

	// TokenName is the typed-data domain name of the token (optional).
	TokenName string

	// TokenVersion is the typed-data domain version of the token (optional).
	TokenVersion string

	// TokenDecimals converts Amount to cents for the DepositProvider.
	TokenDecimals int
}

// Validate fills defaults and rejects configurations that could never issue a
// payable challenge.
func (c *Config) Validate() error {
	if c.Verifier == nil {
		return fmt.Errorf("verifier is required")
	}

	if c.DepositProvider != nil && len(c.ChallengeSecret) == 0 {
		return fmt.Errorf("challenge secret is required when a deposit provider is configured")
	}

	if c.ValidityDuration == 0 {
		c.ValidityDuration = 5 * time.Minute
	}

	if c.ExternalCallTimeout == 0 {
		c.ExternalCallTimeout = DefaultExternalCallTimeout
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	if c.Now == nil {
		c.Now = time.Now
	}

	for pattern, rule := range c.EndpointPricing {
		if err := c.validateRule(&rule); err != nil {
			return fmt.Errorf("invalid pricing rule for pattern %q: %w", pattern, err)
		}
	}

	for method, rule := range c.MethodPricing {
		if err := c.validateRule(&rule); err != nil {
			return fmt.Errorf("invalid pricing rule for method %q: %w", method, err)
		}
	}

	if c.DefaultPricing != nil {
		if err := c.validateRule(c.DefaultPricing); err != nil {
			return fmt.Errorf("invalid default pricing rule: %w", err)
		}
	}

	return nil
}

// validateRule checks a rule against the rest of the configuration. A v1
// X-PAYMENT has no extra field to echo the challenge token in, so signed
// challenges (and with them deposit addresses) need v2 rules.
func (c *Config) validateRule(rule *PricingRule) error {
	if err := rule.Validate(c.DepositProvider == nil); err != nil {
		return err
	}
	if len(c.ChallengeSecret) > 0 && rule.ProtocolVersion() == VersionLegacy {
		return fmt.Errorf("x402 version 1 cannot carry a challenge token; use version 2 with a challenge secret or deposit provider")
	}
	return nil
}

// Validate checks the rule. needsRecipient is false when payTo comes from a
// DepositProvider.
func (p *PricingRule) Validate(needsRecipient bool) error {
	if len(p.AcceptedTokens) == 0 {
		return fmt.Errorf("at least one accepted token is required")
	}

	switch p.Version {
	case 0, VersionLegacy, VersionV2:
	default:
		return fmt.Errorf("unsupported x402 version %d", p.Version)
	}

	for i, token := range p.AcceptedTokens {
		if err := token.Validate(needsRecipient); err != nil {
			return fmt.Errorf("invalid token requirement at index %d: %w", i, err)
		}
	}

	return nil
}

// ProtocolVersion returns the configured challenge version, defaulting to 2.
func (p *PricingRule) ProtocolVersion() int {
	if p.Version == 0 {
		return VersionV2
	}
	return p.Version
}

func (t *TokenRequirement) Validate(needsRecipient bool) error {
	if t.Network == "" {
		return fmt.Errorf("network is required")
	}

	if t.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}

	if needsRecipient && t.Recipient == "" {
		return fmt.Errorf("recipient is required")
	}

	if t.AssetContract == "" {
		return fmt.Errorf("asset contract is required")
	}

	if t.Amount == "" {
		return fmt.Errorf("amount is required")
	}

	amount, err := decimal.NewFromString(t.Amount)
	if err != nil {
		return fmt.Errorf("amount %q is not a number: %w", t.Amount, err)
	}
	if !amount.IsInteger() || !amount.IsPositive() {
		return fmt.Errorf("amount %q must be a positive integer in atomic units", t.Amount)
	}

	if t.TokenDecimals < 0 {
		return fmt.Errorf("token decimals must not be negative")
	}

	return nil
}

// MatchEndpoint returns the rule pricing an HTTP path, if any.
func (c *Config) MatchEndpoint(requestPath string) (*PricingRule, bool) {
	for _, skipPath := range c.SkipPaths {
		if matchPath(requestPath, skipPath) {
			return nil, false
		}
	}

	return matchRule(c.EndpointPricing, requestPath, c.DefaultPricing)
}

// MatchMethod returns the rule pricing a gRPC method, if any.
func (c *Config) MatchMethod(fullMethod string) (*PricingRule, bool) {
	for _, skipMethod := range c.SkipMethods {
		if matchPath(fullMethod, skipMethod) {
			return nil, false
		}
	}

	return matchRule(c.MethodPricing, fullMethod, c.DefaultPricing)
}

// ResourceURL returns the canonical resource identifier for a request path.
func (c *Config) ResourceURL(rule *PricingRule, requestPath string) string {
	if rule != nil && rule.Resource != "" {
		return rule.Resource
	}
	return strings.TrimSuffix(c.ResourceBaseURL, "/") + requestPath
}

func matchRule(rules map[string]PricingRule, key string, fallback *PricingRule) (*PricingRule, bool) {
	if rule, ok := rules[key]; ok {
		return &rule, true
	}

	var bestMatch string
	var bestRule *PricingRule

	for pattern, rule := range rules {
		if matchPath(key, pattern) {
			if len(pattern) > len(bestMatch) {
				bestMatch = pattern
				ruleCopy := rule
				bestRule = &ruleCopy
			}
		}
	}

	if bestRule != nil {
		return bestRule, true
	}

	if fallback != nil {
		return fallback, true
	}

	return nil, false
}

func matchPath(requestPath, pattern string) bool {
	if requestPath == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(requestPath, prefix+"/") || requestPath == prefix
	}

	matched, _ := path.Match(pattern, requestPath)
	return matched
}
