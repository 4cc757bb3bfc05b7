package x402

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ExtraChallenge is the extra field carrying the signed challenge token.
const ExtraChallenge = "challenge"

type challengeClaims struct {
	Resource string `json:"res"`
	Scheme   string `json:"scheme"`
	Network  string `json:"net"`
	Asset    string `json:"asset"`
	Amount   string `json:"amt"`
	PayTo    string `json:"payTo"`
	jwt.RegisteredClaims
}

// Challenge builds the payment challenge for a resource. A fresh payTo is requested
// from the DepositProvider when one is configured; if that fails no challenge is
// produced.
func (p *Processor) Challenge(ctx context.Context, rule *PricingRule, resource, message, code string) (*PaymentRequiredResponse, error) {
	accepts := p.baseRequirements(rule, resource)
	now := p.cfg.Now()

	for i := range accepts {
		req := &accepts[i]

		if p.cfg.DepositProvider != nil {
			payTo, err := p.depositAddress(ctx, rule.AcceptedTokens[i], req)
			if err != nil {
				return nil, err
			}
			req.PayTo = payTo
		}

		if len(p.cfg.ChallengeSecret) > 0 {
			token, err := p.signChallenge(req, now)
			if err != nil {
				return nil, NewPaymentError(ErrCodeInvalidConfig, "failed to sign challenge", err)
			}
			req.Extra[ExtraChallenge] = token
		}
	}

	if message == "" {
		message = "Payment required"
	}

	p.cfg.Metrics.challengeIssued(rule.ProtocolVersion())

	return &PaymentRequiredResponse{
		X402Version: rule.ProtocolVersion(),
		Error:       message,
		Code:        code,
		Accepts:     accepts,
	}, nil
}

// baseRequirements expands a pricing rule into one requirement per accepted token,
// using the fixed recipients.
func (p *Processor) baseRequirements(rule *PricingRule, resource string) []PaymentRequirements {
	accepts := make([]PaymentRequirements, 0, len(rule.AcceptedTokens))
	for _, token := range rule.AcceptedTokens {
		extra := map[string]interface{}{}
		if token.TokenName != "" {
			extra["name"] = token.TokenName
		}
		if token.TokenVersion != "" {
			extra["version"] = token.TokenVersion
		}
		if token.Symbol != "" {
			extra["symbol"] = token.Symbol
		}

		accepts = append(accepts, PaymentRequirements{
			Scheme:            SchemeExact,
			Network:           token.Network,
			Amount:            token.Amount,
			Resource:          resource,
			Description:       rule.Description,
			MimeType:          rule.MimeType,
			PayTo:             token.Recipient,
			Asset:             token.AssetContract,
			MaxTimeoutSeconds: int(p.cfg.ValidityDuration.Seconds()),
			Extra:             extra,
		})
	}
	return accepts
}

func (p *Processor) depositAddress(ctx context.Context, token TokenRequirement, req *PaymentRequirements) (string, error) {
	cents, err := ToCents(token.Amount, token.TokenDecimals)
	if err != nil {
		return "", NewPaymentError(ErrCodeInvalidConfig, "cannot price deposit address", err)
	}

	description := req.Description
	if description == "" {
		description = "Payment for " + req.Resource
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.ExternalCallTimeout)
	defer cancel()

	addr, err := p.cfg.DepositProvider.CreateDepositAddress(callCtx, cents, description)
	if err != nil {
		p.cfg.Logger.Error("deposit address generation failed",
			zap.String("resource", req.Resource),
			zap.Int64("amount_cents", cents),
			zap.Error(err))
		return "", NewPaymentError(ErrCodeDepositAddressFailed, "failed to create deposit address", err)
	}
	if addr == nil || strings.TrimSpace(addr.PayTo) == "" {
		return "", NewPaymentError(ErrCodeDepositAddressFailed, "deposit provider returned no address", nil)
	}

	return addr.PayTo, nil
}

func (p *Processor) signChallenge(req *PaymentRequirements, now time.Time) (string, error) {
	claims := challengeClaims{
		Resource: req.Resource,
		Scheme:   req.Scheme,
		Network:  req.Network,
		Asset:    req.Asset,
		Amount:   req.Amount,
		PayTo:    req.PayTo,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.cfg.ValidityDuration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.cfg.ChallengeSecret)
}

// verifyChallenge checks the token echoed in accepted.extra against the expected
// requirement and returns the payTo it binds.
func (p *Processor) verifyChallenge(accepted, expected *PaymentRequirements) (string, *PaymentError) {
	raw, _ := accepted.Extra[ExtraChallenge].(string)
	if raw == "" {
		return "", NewPaymentError(ErrCodeInvalidChallenge, "challenge token is missing; request a new challenge", nil)
	}

	var claims challengeClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return p.cfg.ChallengeSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.cfg.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", NewPaymentError(ErrCodeExpiredPayment, "challenge expired; request a new challenge", err)
		}
		return "", NewPaymentError(ErrCodeInvalidChallenge, "challenge token is invalid", err)
	}

	switch {
	case claims.Resource != expected.Resource:
		return "", NewPaymentError(ErrCodeResourceMismatch,
			fmt.Sprintf("challenge was issued for %s", claims.Resource), nil)
	case claims.Network != expected.Network || claims.Scheme != expected.Scheme:
		return "", NewPaymentError(ErrCodeNetworkMismatch, "challenge was issued for another network", nil)
	case !strings.EqualFold(claims.Asset, expected.Asset):
		return "", NewPaymentError(ErrCodeAssetMismatch, "challenge was issued for another asset", nil)
	case claims.Amount != expected.Amount:
		return "", NewPaymentError(ErrCodeAmountMismatch, "challenge was issued for another amount", nil)
	}

	return claims.PayTo, nil
}
