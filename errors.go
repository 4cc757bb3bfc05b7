package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError represents an error related to payment processing.
type PaymentError struct {
	Code    string
	Message string
	Cause   error
}

func (e *PaymentError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PaymentError) Unwrap() error {
	return e.Cause
}

// Error codes.
const (
	// Client-correctable, answered with 402 and a fresh challenge.
	ErrCodeInvalidPayment     = "INVALID_PAYMENT"
	ErrCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrCodeUnsupportedScheme  = "UNSUPPORTED_SCHEME"
	ErrCodeNetworkMismatch    = "NETWORK_MISMATCH"
	ErrCodeAssetMismatch      = "ASSET_MISMATCH"
	ErrCodeAmountMismatch     = "AMOUNT_MISMATCH"
	ErrCodeInsufficientAmount = "INSUFFICIENT_AMOUNT"
	ErrCodeResourceMismatch   = "RESOURCE_MISMATCH"
	ErrCodeRecipientMismatch  = "RECIPIENT_MISMATCH"
	ErrCodeExpiredPayment     = "EXPIRED_PAYMENT"
	ErrCodeInvalidChallenge   = "INVALID_CHALLENGE"

	// Server side, answered with 500.
	ErrCodeSettlementFailed     = "SETTLEMENT_FAILED"
	ErrCodeAlreadySettled       = "ALREADY_SETTLED"
	ErrCodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	ErrCodeDepositAddressFailed = "DEPOSIT_ADDRESS_FAILED"
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
)

// NewPaymentError creates a new PaymentError.
func NewPaymentError(code, message string, cause error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsPaymentError checks if an error is a PaymentError.
func IsPaymentError(err error) bool {
	var pe *PaymentError
	return errors.As(err, &pe)
}

// GetPaymentErrorCode extracts the error code from a PaymentError.
func GetPaymentErrorCode(err error) string {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsClientCorrectable reports whether the client can fix the payment and retry.
func IsClientCorrectable(code string) bool {
	switch code {
	case ErrCodeInvalidPayment,
		ErrCodeVerificationFailed,
		ErrCodeUnsupportedScheme,
		ErrCodeNetworkMismatch,
		ErrCodeAssetMismatch,
		ErrCodeAmountMismatch,
		ErrCodeInsufficientAmount,
		ErrCodeResourceMismatch,
		ErrCodeRecipientMismatch,
		ErrCodeExpiredPayment,
		ErrCodeInvalidChallenge:
		return true
	}
	return false
}

// StatusCode maps an error code to the HTTP status returned to the client.
func StatusCode(code string) int {
	if IsClientCorrectable(code) {
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}
