package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mabena/shamba/internal/idgen"
	"github.com/mabena/shamba/internal/pagination"
	"github.com/mabena/shamba/internal/token"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the ledger tables with NUMERIC columns.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS token_balances (
			token       VARCHAR(128) PRIMARY KEY,
			amount      NUMERIC(20,6) NOT NULL DEFAULT 0,
			updated_at  TIMESTAMPTZ DEFAULT NOW(),
			CONSTRAINT chk_amount_nonneg CHECK (amount >= 0)
		);

		CREATE TABLE IF NOT EXISTS ledger_entries (
			id          VARCHAR(36) PRIMARY KEY,
			token       VARCHAR(128) NOT NULL,
			type        VARCHAR(10) NOT NULL,
			amount      NUMERIC(20,6) NOT NULL,
			reference   VARCHAR(255),
			description TEXT,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_token ON ledger_entries(token);
		CREATE INDEX IF NOT EXISTS idx_ledger_created ON ledger_entries(created_at DESC);
	`)
	return err
}

func (p *PostgresStore) Balance(ctx context.Context, kind token.Kind) (string, error) {
	var amount string
	err := p.db.QueryRowContext(ctx, `
		SELECT amount FROM token_balances WHERE token = $1
	`, string(kind)).Scan(&amount)
	if err == sql.ErrNoRows {
		return "0.000000", nil
	}
	if err != nil {
		return "", err
	}
	return amount, nil
}

func (p *PostgresStore) Balances(ctx context.Context) (map[token.Kind]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT token, amount FROM token_balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[token.Kind]string)
	for rows.Next() {
		var kind, amount string
		if err := rows.Scan(&kind, &amount); err != nil {
			return nil, err
		}
		out[token.Kind(kind)] = amount
	}
	return out, rows.Err()
}

func (p *PostgresStore) Credit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Upsert balance using native NUMERIC arithmetic
	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_balances (token, amount, updated_at)
		VALUES ($1, $2::NUMERIC(20,6), NOW())
		ON CONFLICT (token) DO UPDATE SET
			amount     = token_balances.amount + $2::NUMERIC(20,6),
			updated_at = NOW()
	`, string(kind), amount)
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}

	if err := insertEntry(ctx, tx, kind, "credit", amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, kind token.Kind, amount, reference, description string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Guarded update: zero rows affected means the balance would go
	// negative, which is an accounting bug, not user error.
	res, err := tx.ExecContext(ctx, `
		UPDATE token_balances
		SET amount = amount - $2::NUMERIC(20,6), updated_at = NOW()
		WHERE token = $1 AND amount >= $2::NUMERIC(20,6)
	`, string(kind), amount)
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		LedgerInvariantViolations.Inc()
		return ErrInvariantViolation
	}

	if err := insertEntry(ctx, tx, kind, "debit", amount, reference, description); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, kind token.Kind, before *pagination.Cursor, limit int) ([]*Entry, error) {
	query := `
		SELECT id, token, type, amount, COALESCE(reference, ''), COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE token = $1`
	args := []interface{}{string(kind)}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var kindStr string
		if err := rows.Scan(&e.ID, &kindStr, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Token = token.Kind(kindStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func insertEntry(ctx context.Context, tx *sql.Tx, kind token.Kind, typ, amount, reference, description string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, token, type, amount, reference, description)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6)
	`, idgen.WithPrefix("le_"), string(kind), typ, amount, reference, description)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}
