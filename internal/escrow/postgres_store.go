package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Constraint names from migrations/001_invoices.sql.
const (
	pkeyConstraint = "invoices_pkey"
	memoConstraint = "invoices_memo_key"
)

// PostgresStore persists invoices in PostgreSQL. The payment ledger and
// receipts are stored as JSONB alongside the row; the memo index is a UNIQUE
// constraint, so record and index are written in one statement.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed invoice store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, inv *Invoice) error {
	payments, receipts, err := marshalLedger(inv)
	if err != nil {
		return err
	}
	claim, err := marshalClaim(inv.Claim)
	if err != nil {
		return err
	}
	splits, err := marshalSplits(inv.Splits)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO invoices (
			id, memo, total_amount, due_date, merchant, asset, status,
			payments, receipts, version, created_at, updated_at, settled_at, expired_at, claim, splits
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		inv.ID, nullString(inv.Memo), inv.TotalAmount, inv.DueDate, inv.Merchant, inv.Asset, string(inv.Status),
		payments, receipts, inv.Version, inv.CreatedAt, inv.UpdatedAt, nullTime(inv.SettledAt), nullTime(inv.ExpiredAt),
		claim, splits,
	)
	return mapUniqueViolation(err)
}

const invoiceColumns = `id, memo, total_amount, due_date, merchant, asset, status,
		       payments, receipts, version, created_at, updated_at, settled_at, expired_at, claim, splits`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)

	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) GetByMemo(ctx context.Context, memo string) (*Invoice, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE memo = $1`, memo)

	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	return inv, err
}

func (p *PostgresStore) Update(ctx context.Context, inv *Invoice) error {
	payments, receipts, err := marshalLedger(inv)
	if err != nil {
		return err
	}
	claim, err := marshalClaim(inv.Claim)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE invoices SET
			status = $1, payments = $2, receipts = $3, version = version + 1,
			updated_at = $4, settled_at = $5, expired_at = $6, claim = $7
		WHERE id = $8 AND version = $9`,
		string(inv.Status), payments, receipts,
		inv.UpdatedAt, nullTime(inv.SettledAt), nullTime(inv.ExpiredAt), claim,
		inv.ID, inv.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, inv.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrInvoiceNotFound
		}
		return ErrVersionConflict
	}
	inv.Version++
	return nil
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchant string, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE merchant = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, merchant, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Invoice, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'open' AND due_date < $1
		ORDER BY due_date
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanInvoices(rows)
}

// SumHeld totals the payment ledgers of unsettled invoices.
func (p *PostgresStore) SumHeld(ctx context.Context) (int64, int, error) {
	var held int64
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(p.value::bigint), 0), COUNT(DISTINCT i.id) FILTER (WHERE p.value::bigint > 0)
		FROM invoices i, jsonb_each_text(i.payments) AS p
		WHERE i.status <> 'settled'`).Scan(&held, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum held payments: %w", err)
	}
	return held, count, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(s scanner) (*Invoice, error) {
	inv := &Invoice{}
	var (
		memo         sql.NullString
		status       string
		paymentsJSON []byte
		receiptsJSON []byte
		settledAt    sql.NullTime
		expiredAt    sql.NullTime
		claimJSON    []byte
		splitsJSON   []byte
	)

	err := s.Scan(
		&inv.ID, &memo, &inv.TotalAmount, &inv.DueDate, &inv.Merchant, &inv.Asset, &status,
		&paymentsJSON, &receiptsJSON, &inv.Version, &inv.CreatedAt, &inv.UpdatedAt, &settledAt, &expiredAt, &claimJSON, &splitsJSON,
	)
	if err != nil {
		return nil, err
	}

	inv.Memo = memo.String
	inv.Status = Status(status)
	inv.Payments = Ledger{}
	if len(paymentsJSON) > 0 {
		if err := json.Unmarshal(paymentsJSON, &inv.Payments); err != nil {
			return nil, fmt.Errorf("decode payments for %s: %w", inv.ID, err)
		}
	}
	inv.Receipts = []Receipt{}
	if len(receiptsJSON) > 0 {
		if err := json.Unmarshal(receiptsJSON, &inv.Receipts); err != nil {
			return nil, fmt.Errorf("decode receipts for %s: %w", inv.ID, err)
		}
	}
	if settledAt.Valid {
		inv.SettledAt = &settledAt.Time
	}
	if expiredAt.Valid {
		inv.ExpiredAt = &expiredAt.Time
	}
	if len(splitsJSON) > 0 {
		if err := json.Unmarshal(splitsJSON, &inv.Splits); err != nil {
			return nil, fmt.Errorf("decode splits for %s: %w", inv.ID, err)
		}
	}
	if len(claimJSON) > 0 {
		inv.Claim = &Claim{}
		if err := json.Unmarshal(claimJSON, inv.Claim); err != nil {
			return nil, fmt.Errorf("decode claim for %s: %w", inv.ID, err)
		}
	}

	return inv, nil
}

func scanInvoices(rows *sql.Rows) ([]*Invoice, error) {
	var result []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, inv)
	}
	return result, rows.Err()
}

func marshalLedger(inv *Invoice) (payments, receipts []byte, err error) {
	p := inv.Payments
	if p == nil {
		p = Ledger{}
	}
	if payments, err = json.Marshal(p); err != nil {
		return nil, nil, err
	}
	r := inv.Receipts
	if r == nil {
		r = []Receipt{}
	}
	if receipts, err = json.Marshal(r); err != nil {
		return nil, nil, err
	}
	return payments, receipts, nil
}

// marshalClaim encodes a claim, or NULL when there is none.
func marshalClaim(c *Claim) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// marshalSplits encodes payout splits, or NULL for a single-merchant payout.
func marshalSplits(splits []Split) (sql.NullString, error) {
	if len(splits) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(splits)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// mapUniqueViolation translates unique_violation (23505) into domain errors.
func mapUniqueViolation(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return err
	}
	switch pqErr.Constraint {
	case memoConstraint:
		return ErrDuplicateMemo
	case pkeyConstraint:
		return ErrDuplicateInvoice
	}
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
