package transfer

import (
	"context"
	"database/sql"
	"time"

	"github.com/mabena/shamba/internal/token"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pending-transfer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Pending) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_transfers (reference, kind, property_id, bid_id,
			lease_id, token, recipient, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(20,6), $9)
	`, t.Reference, string(t.Kind), t.PropertyID, t.BidID, t.LeaseID,
		string(t.Token), t.Recipient, t.Amount, t.CreatedAt)
	return err
}

func (p *PostgresStore) Consume(ctx context.Context, reference string) (*Pending, error) {
	// DELETE ... RETURNING is atomic: only one caller can win.
	row := p.db.QueryRowContext(ctx, `
		DELETE FROM pending_transfers WHERE reference = $1
		RETURNING reference, kind, property_id, bid_id, lease_id, token,
			recipient, amount, created_at
	`, reference)

	t := &Pending{}
	var kind, tokenStr string
	err := row.Scan(&t.Reference, &kind, &t.PropertyID, &t.BidID, &t.LeaseID,
		&tokenStr, &t.Recipient, &t.Amount, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = Kind(kind)
	t.Token = token.Kind(tokenStr)
	return t, nil
}

func (p *PostgresStore) HasForBid(ctx context.Context, bidID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_transfers WHERE bid_id = $1)
	`, bidID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Pending, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT reference, kind, property_id, bid_id, lease_id, token,
			recipient, amount, created_at
		FROM pending_transfers
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Pending
	for rows.Next() {
		t := &Pending{}
		var kind, tokenStr string
		if err := rows.Scan(&t.Reference, &kind, &t.PropertyID, &t.BidID,
			&t.LeaseID, &tokenStr, &t.Recipient, &t.Amount, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Kind = Kind(kind)
		t.Token = token.Kind(tokenStr)
		out = append(out, t)
	}
	return out, rows.Err()
}
