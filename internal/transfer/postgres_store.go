package transfer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL.
//
// Balances live in account_balances with a CHECK (available >= 0) constraint,
// entries in transfer_entries. Apply locks both balance rows in a fixed order
// so concurrent opposite-direction transfers cannot deadlock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed balance store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Balance(ctx context.Context, asset, account string) (*Balance, error) {
	bal := &Balance{Account: account, Asset: asset}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, updated_at
		FROM account_balances WHERE asset = $1 AND account = $2
	`, asset, account).Scan(&bal.Available, &bal.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		bal.UpdatedAt = time.Now().UTC()
		return bal, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (p *PostgresStore) Apply(ctx context.Context, e *Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	accounts := []string{e.To}
	if e.From != "" {
		accounts = append(accounts, e.From)
	}
	for _, account := range accounts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO account_balances (asset, account, available, updated_at)
			VALUES ($1, $2, 0, $3)
			ON CONFLICT (asset, account) DO NOTHING
		`, e.Asset, account, e.CreatedAt); err != nil {
			return fmt.Errorf("failed to ensure balance row: %w", err)
		}
	}

	// Lock in account order.
	rows, err := tx.QueryContext(ctx, `
		SELECT account FROM account_balances
		WHERE asset = $1 AND account = ANY($2)
		ORDER BY account
		FOR UPDATE
	`, e.Asset, pq.Array(accounts))
	if err != nil {
		return fmt.Errorf("failed to lock balances: %w", err)
	}
	_ = rows.Close()

	if e.From != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE account_balances
			SET available = available - $3, updated_at = $4
			WHERE asset = $1 AND account = $2 AND available >= $3
		`, e.Asset, e.From, e.Amount, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to debit: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrInsufficientFunds
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE account_balances
		SET available = available + $3, updated_at = $4
		WHERE asset = $1 AND account = $2
	`, e.Asset, e.To, e.Amount, e.CreatedAt); err != nil {
		return fmt.Errorf("failed to credit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transfer_entries (id, kind, asset, from_account, to_account, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.Kind, e.Asset, nullString(e.From), e.To, e.Amount, nullString(e.Reference), e.CreatedAt); err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, kind, asset, from_account, to_account, amount, reference, created_at
		FROM transfer_entries
		WHERE from_account = $1 OR to_account = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var from, ref sql.NullString
		if err := rows.Scan(&e.ID, &e.Kind, &e.Asset, &from, &e.To, &e.Amount, &ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.From = from.String
		e.Reference = ref.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
