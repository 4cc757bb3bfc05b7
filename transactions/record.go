// Package transactions keeps the wallet deposit/withdraw table. Records are created
// pending and move to confirmed or failed as chain webhooks arrive; every write goes
// through a last-write-wins upsert keyed by UpdatedAt, so a late stale update never
// overwrites a newer state.
package transactions

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Type is the direction of a transaction.
type Type string

const (
	TypeDeposit  Type = "deposit"
	TypeWithdraw Type = "withdraw"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound is returned when no record exists for an id.
	ErrNotFound = errors.New("transaction not found")

	// ErrInvalid wraps validation failures of records and events.
	ErrInvalid = errors.New("invalid transaction")
)

// Record is one row of the transaction table.
type Record struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"walletId"`
	Type      Type      `json:"type"`
	Status    Status    `json:"status"`
	Amount    string    `json:"amount"`
	TxHash    string    `json:"txHash,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Newer reports whether r may replace stored under the last-write-wins rule.
func (r *Record) Newer(stored *Record) bool {
	return stored == nil || !r.UpdatedAt.Before(stored.UpdatedAt)
}

// Validate checks the record is complete.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if r.WalletID == "" {
		return fmt.Errorf("%w: wallet id is required", ErrInvalid)
	}
	switch r.Type {
	case TypeDeposit, TypeWithdraw:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, r.Type)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, r.Status)
	}
	if err := validateAmount(r.Amount); err != nil {
		return err
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("%w: updatedAt is required", ErrInvalid)
	}
	return nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

func validateAmount(amount string) error {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("%w: amount %q is not a number", ErrInvalid, amount)
	}
	if !d.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalid)
	}
	return nil
}

// normalizeTime truncates to the microsecond precision every store keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
