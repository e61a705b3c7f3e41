package bid

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/mabena/shamba/internal/token"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed bid store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const bidColumns = `
	id, property_id, bidder, amount, action, token, status,
	COALESCE(document_ref, ''), COALESCE(dispute_reason, ''),
	COALESCE(settlement_ref, ''), COALESCE(refund_ref, ''),
	created_at, updated_at, expires_at`

func (p *PostgresStore) Create(ctx context.Context, b *Bid) error {
	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO bids (property_id, bidder, amount, action, token, status,
			created_at, updated_at, expires_at)
		VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, b.PropertyID, b.Bidder, b.Amount, string(b.Action), string(b.Token),
		string(b.Status), b.CreatedAt, b.UpdatedAt, b.ExpiresAt,
	).Scan(&b.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Bid, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE id = $1
	`, id)
	b, err := scanBid(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return b, err
}

func (p *PostgresStore) Update(ctx context.Context, b *Bid) error {
	b.UpdatedAt = time.Now()
	res, err := p.db.ExecContext(ctx, `
		UPDATE bids SET status = $2, document_ref = $3, dispute_reason = $4,
			settlement_ref = $5, refund_ref = $6, updated_at = $7, expires_at = $8
		WHERE id = $1
	`, b.ID, string(b.Status), b.DocumentRef, b.DisputeReason,
		b.SettlementRef, b.RefundRef, b.UpdatedAt, b.ExpiresAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListByProperty(ctx context.Context, propertyID int64) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids WHERE property_id = $1 ORDER BY id
	`, propertyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (p *PostgresStore) LiveByProperty(ctx context.Context, propertyID, afterID int64, limit int) ([]*Bid, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE property_id = $1 AND id > $2
		  AND status NOT IN ('completed', 'rejected', 'cancelled', 'disputed')
		ORDER BY id
		LIMIT $3
	`, propertyID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

func (p *PostgresStore) StaleBids(ctx context.Context, statuses []Status, cutoff time.Time, afterID int64, limit int) ([]*Bid, error) {
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+bidColumns+` FROM bids
		WHERE status = ANY($1) AND updated_at <= $2 AND id > $3
		ORDER BY id
		LIMIT $4
	`, pq.Array(strs), cutoff, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBids(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBid(row rowScanner) (*Bid, error) {
	b := &Bid{}
	var action, tokenStr, status string
	var expiresAt sql.NullTime

	err := row.Scan(&b.ID, &b.PropertyID, &b.Bidder, &b.Amount, &action,
		&tokenStr, &status, &b.DocumentRef, &b.DisputeReason,
		&b.SettlementRef, &b.RefundRef, &b.CreatedAt, &b.UpdatedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	b.Action = Action(action)
	b.Token = token.Kind(tokenStr)
	b.Status = Status(status)
	if expiresAt.Valid {
		b.ExpiresAt = &expiresAt.Time
	}
	return b, nil
}

func scanBids(rows *sql.Rows) ([]*Bid, error) {
	var out []*Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
