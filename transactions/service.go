package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Publisher is notified of every applied change.
type Publisher interface {
	Publish(ctx context.Context, rec *Record) error
}

// Event is an out-of-band status update, typically a chain webhook.
// Empty WalletID, Type, Amount and TxHash are taken from the stored record.
type Event struct {
	ID        string    `json:"id"`
	WalletID  string    `json:"walletId,omitempty"`
	Type      Type      `json:"type,omitempty"`
	Status    Status    `json:"status"`
	Amount    string    `json:"amount,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Service creates transactions and applies status updates.
type Service struct {
	repo      Repository
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher fans applied changes out to p.
func WithPublisher(p Publisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service over repo.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Deposit records a pending deposit into walletID.
func (s *Service) Deposit(ctx context.Context, walletID, amount string) (*Record, error) {
	return s.create(ctx, walletID, TypeDeposit, amount)
}

// Withdraw records a pending withdrawal from walletID.
func (s *Service) Withdraw(ctx context.Context, walletID, amount string) (*Record, error) {
	return s.create(ctx, walletID, TypeWithdraw, amount)
}

func (s *Service) create(ctx context.Context, walletID string, txType Type, amount string) (*Record, error) {
	now := normalizeTime(s.now())
	rec := &Record{
		ID:        uuid.New().String(),
		WalletID:  walletID,
		Type:      txType,
		Status:    StatusPending,
		Amount:    amount,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.repo.Upsert(ctx, rec); err != nil {
		return nil, err
	}

	s.logger.Info("transaction created",
		zap.String("id", rec.ID),
		zap.String("wallet_id", walletID),
		zap.String("type", string(txType)),
		zap.String("amount", amount),
	)
	s.publish(ctx, rec)

	return rec, nil
}

// Apply merges ev into the table. It returns the record now stored and whether ev
// was applied; a stale event leaves the stored record untouched.
func (s *Service) Apply(ctx context.Context, ev Event) (*Record, bool, error) {
	if ev.ID == "" {
		return nil, false, fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if ev.UpdatedAt.IsZero() {
		return nil, false, fmt.Errorf("%w: updatedAt is required", ErrInvalid)
	}

	rec := &Record{
		ID:        ev.ID,
		WalletID:  ev.WalletID,
		Type:      ev.Type,
		Status:    ev.Status,
		Amount:    ev.Amount,
		TxHash:    ev.TxHash,
		UpdatedAt: normalizeTime(ev.UpdatedAt),
	}

	stored, err := s.repo.Get(ctx, ev.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec.CreatedAt = rec.UpdatedAt
	case err != nil:
		return nil, false, err
	default:
		if rec.WalletID != "" && rec.WalletID != stored.WalletID {
			return nil, false, fmt.Errorf("%w: transaction %s belongs to wallet %s", ErrInvalid, rec.ID, stored.WalletID)
		}
		fillFrom(rec, stored)
	}

	if err := rec.Validate(); err != nil {
		return nil, false, err
	}

	applied, err := s.repo.Upsert(ctx, rec)
	if err != nil {
		return nil, false, err
	}

	if !applied {
		s.logger.Info("stale transaction update ignored",
			zap.String("id", rec.ID),
			zap.String("status", string(rec.Status)),
			zap.Time("updated_at", rec.UpdatedAt),
		)
		current, err := s.repo.Get(ctx, rec.ID)
		if err != nil {
			return nil, false, err
		}
		return current, false, nil
	}

	s.logger.Info("transaction updated",
		zap.String("id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("tx_hash", rec.TxHash),
	)
	s.publish(ctx, rec)

	return rec, true, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.repo.Get(ctx, id)
}

// ListByWallet returns a wallet's transactions, oldest first.
func (s *Service) ListByWallet(ctx context.Context, walletID string) ([]*Record, error) {
	return s.repo.ListByWallet(ctx, walletID)
}

func (s *Service) publish(ctx context.Context, rec *Record) {
	if s.publisher == nil {
		return
	}
	// The record is already stored; a failed publish is not the caller's error.
	if err := s.publisher.Publish(ctx, rec); err != nil {
		s.logger.Warn("failed to publish transaction",
			zap.String("id", rec.ID),
			zap.Error(err),
		)
	}
}

func fillFrom(rec, stored *Record) {
	rec.CreatedAt = stored.CreatedAt
	if rec.WalletID == "" {
		rec.WalletID = stored.WalletID
	}
	if rec.Type == "" {
		rec.Type = stored.Type
	}
	if rec.Amount == "" {
		rec.Amount = stored.Amount
	}
	if rec.TxHash == "" {
		rec.TxHash = stored.TxHash
	}
}
