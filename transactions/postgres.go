package transactions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id         TEXT PRIMARY KEY,
	wallet_id  TEXT NOT NULL,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	amount     NUMERIC NOT NULL,
	tx_hash    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_wallet_id_idx ON transactions (wallet_id, created_at);
`

// PostgresRepository stores records in the transactions table.
type PostgresRepository struct {
	db DB
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the transactions table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate transactions table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	query := `
		SELECT id, wallet_id, type, status, amount::text, tx_hash, created_at, updated_at
		FROM transactions
		WHERE id = $1
	`

	rec, err := scanRecord(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return rec, nil
}

// Upsert relies on the conflict WHERE clause: a stale row updates nothing.
func (r *PostgresRepository) Upsert(ctx context.Context, rec *Record) (bool, error) {
	query := `
		INSERT INTO transactions (id, wallet_id, type, status, amount, tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			wallet_id  = EXCLUDED.wallet_id,
			type       = EXCLUDED.type,
			status     = EXCLUDED.status,
			amount     = EXCLUDED.amount,
			tx_hash    = EXCLUDED.tx_hash,
			updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= transactions.updated_at
	`

	tag, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.WalletID,
		string(rec.Type),
		string(rec.Status),
		rec.Amount,
		rec.TxHash,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert transaction %s: %w", rec.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) ListByWallet(ctx context.Context, walletID string) ([]*Record, error) {
	query := `
		SELECT id, wallet_id, type, status, amount::text, tx_hash, created_at, updated_at
		FROM transactions
		WHERE wallet_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.Query(ctx, query, walletID)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet %s: %w", walletID, err)
	}
	defer rows.Close()

	out := []*Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list wallet %s: %w", walletID, err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec          Record
		txType, stat string
	)
	if err := row.Scan(
		&rec.ID,
		&rec.WalletID,
		&txType,
		&stat,
		&rec.Amount,
		&rec.TxHash,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Type = Type(txType)
	rec.Status = Status(stat)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}
