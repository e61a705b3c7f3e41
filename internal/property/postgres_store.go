package property

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

// NewPostgresStore creates a new PostgreSQL-backed property store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const propertyColumns = `
	p.id, p.owner, p.description, COALESCE(p.metadata_uri, ''), p.is_for_sale,
	p.price, p.lease_duration_seconds, p.escrow_token, p.active_lease_id,
	p.sold_buyer, p.sold_amount, p.sold_previous_owner, p.sold_at, p.created_at`

const leaseColumns = `
	l.id, l.property_id, l.tenant, l.start_time, l.end_time, l.active,
	l.dispute_status, l.dispute_raised_by, l.dispute_reason, l.dispute_raised_at,
	l.dispute_arbitration_result, l.dispute_resolved_by, l.dispute_resolved_at,
	l.escrow_held, l.escrow_token`

func (p *PostgresStore) Create(ctx context.Context, prop *Property) error {
	if prop.CreatedAt.IsZero() {
		prop.CreatedAt = time.Now()
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO properties (owner, description, metadata_uri, is_for_sale,
			price, lease_duration_seconds, escrow_token, created_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,6), $6, $7, $8)
		RETURNING id
	`, prop.Owner, prop.Description, prop.MetadataURI, prop.IsForSale,
		prop.Price, int64(prop.LeaseDuration/time.Second), string(prop.EscrowToken),
		prop.CreatedAt,
	).Scan(&prop.ID)
}

func (p *PostgresStore) Get(ctx context.Context, id int64) (*Property, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+propertyColumns+` FROM properties p WHERE p.id = $1
	`, id)
	prop, leaseID, err := scanProperty(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if leaseID > 0 {
		lease, err := p.GetLease(ctx, leaseID)
		if err == nil && lease.Active {
			prop.ActiveLease = lease
		}
	}
	return prop, nil
}

func (p *PostgresStore) Update(ctx context.Context, prop *Property) error {
	var leaseID interface{}
	if prop.ActiveLease != nil {
		leaseID = prop.ActiveLease.ID
	}
	var soldBuyer, soldAmount, soldPrev interface{}
	var soldAt interface{}
	if prop.Sold != nil {
		soldBuyer = prop.Sold.Buyer
		soldAmount = prop.Sold.Amount
		soldPrev = prop.Sold.PreviousOwner
		soldAt = prop.Sold.SoldAt
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE properties SET
			owner = $2, description = $3, metadata_uri = $4, is_for_sale = $5,
			price = $6::NUMERIC(20,6), lease_duration_seconds = $7,
			escrow_token = $8, active_lease_id = $9,
			sold_buyer = $10, sold_amount = $11::NUMERIC(20,6),
			sold_previous_owner = $12, sold_at = $13
		WHERE id = $1
	`, prop.ID, prop.Owner, prop.Description, prop.MetadataURI, prop.IsForSale,
		prop.Price, int64(prop.LeaseDuration/time.Second), string(prop.EscrowToken),
		leaseID, soldBuyer, soldAmount, soldPrev, soldAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id int64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM properties WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, forSaleOnly bool) ([]*Property, error) {
	query := `SELECT ` + propertyColumns + ` FROM properties p ORDER BY p.id`
	if forSaleOnly {
		query = `SELECT ` + propertyColumns + ` FROM properties p WHERE p.is_for_sale ORDER BY p.id`
	}
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Property
	for rows.Next() {
		prop, leaseID, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		if leaseID > 0 {
			if lease, err := p.GetLease(ctx, leaseID); err == nil && lease.Active {
				prop.ActiveLease = lease
			}
		}
		out = append(out, prop)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateLease(ctx context.Context, l *Lease) error {
	return p.db.QueryRowContext(ctx, `
		INSERT INTO leases (property_id, tenant, start_time, end_time, active,
			dispute_status, escrow_held, escrow_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC(20,6), $8)
		RETURNING id
	`, l.PropertyID, l.Tenant, l.StartTime, l.EndTime, l.Active,
		string(l.DisputeStatus), l.EscrowHeld, string(l.EscrowToken),
	).Scan(&l.ID)
}

func (p *PostgresStore) GetLease(ctx context.Context, id int64) (*Lease, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+leaseColumns+` FROM leases l WHERE l.id = $1
	`, id)
	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, ErrLeaseNotFound
	}
	return l, err
}

func (p *PostgresStore) UpdateLease(ctx context.Context, l *Lease) error {
	var raisedBy, reason, arbResult, resolvedBy interface{}
	var raisedAt, resolvedAt interface{}
	if l.Dispute != nil {
		raisedBy = l.Dispute.RaisedBy
		reason = l.Dispute.Reason
		raisedAt = l.Dispute.RaisedAt
		arbResult = l.Dispute.ArbitrationResult
		resolvedBy = l.Dispute.ResolvedBy
		resolvedAt = l.Dispute.ResolvedAt
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE leases SET
			active = $2, dispute_status = $3,
			dispute_raised_by = $4, dispute_reason = $5, dispute_raised_at = $6,
			dispute_arbitration_result = $7, dispute_resolved_by = $8,
			dispute_resolved_at = $9,
			escrow_held = $10::NUMERIC(20,6)
		WHERE id = $1
	`, l.ID, l.Active, string(l.DisputeStatus),
		raisedBy, reason, raisedAt, arbResult, resolvedBy, resolvedAt, l.EscrowHeld)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseNotFound
	}

	if !l.Active {
		// Detach from the property once deactivated.
		_, err = p.db.ExecContext(ctx, `
			UPDATE properties SET active_lease_id = NULL
			WHERE id = $1 AND active_lease_id = $2
		`, l.PropertyID, l.ID)
	}
	return err
}

func (p *PostgresStore) ExpiredLeases(ctx context.Context, now time.Time, afterID int64, limit int) ([]*Lease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM leases l
		WHERE l.active AND l.end_time <= $1 AND l.id > $2
		ORDER BY l.id
		LIMIT $3
	`, now, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeases(rows)
}

func (p *PostgresStore) ActiveLeases(ctx context.Context) ([]*Lease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM leases l WHERE l.active ORDER BY l.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeases(rows)
}

func (p *PostgresStore) LeasesWithOpenDisputes(ctx context.Context) ([]*Lease, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+leaseColumns+` FROM leases l
		WHERE l.active AND l.dispute_status = 'raised'
		ORDER BY l.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLeases(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProperty(row rowScanner) (*Property, int64, error) {
	prop := &Property{}
	var tokenStr string
	var leaseSeconds int64
	var leaseID sql.NullInt64
	var soldBuyer, soldAmount, soldPrev sql.NullString
	var soldAt sql.NullTime

	err := row.Scan(&prop.ID, &prop.Owner, &prop.Description, &prop.MetadataURI,
		&prop.IsForSale, &prop.Price, &leaseSeconds, &tokenStr, &leaseID,
		&soldBuyer, &soldAmount, &soldPrev, &soldAt, &prop.CreatedAt)
	if err != nil {
		return nil, 0, err
	}
	prop.EscrowToken = token.Kind(tokenStr)
	prop.LeaseDuration = time.Duration(leaseSeconds) * time.Second
	if soldBuyer.Valid {
		prop.Sold = &SoldRecord{
			PropertyID:    prop.ID,
			Buyer:         soldBuyer.String,
			Amount:        soldAmount.String,
			PreviousOwner: soldPrev.String,
			SoldAt:        soldAt.Time,
		}
	}
	return prop, leaseID.Int64, nil
}

func scanLease(row rowScanner) (*Lease, error) {
	l := &Lease{}
	var status, tokenStr string
	var raisedBy, reason, arbResult, resolvedBy sql.NullString
	var raisedAt, resolvedAt sql.NullTime

	err := row.Scan(&l.ID, &l.PropertyID, &l.Tenant, &l.StartTime, &l.EndTime,
		&l.Active, &status, &raisedBy, &reason, &raisedAt, &arbResult,
		&resolvedBy, &resolvedAt, &l.EscrowHeld, &tokenStr)
	if err != nil {
		return nil, err
	}
	l.DisputeStatus = DisputeStatus(status)
	l.EscrowToken = token.Kind(tokenStr)
	if raisedBy.Valid {
		l.Dispute = &DisputeDetail{
			RaisedBy:          raisedBy.String,
			Reason:            reason.String,
			RaisedAt:          raisedAt.Time,
			ArbitrationResult: arbResult.String,
			ResolvedBy:        resolvedBy.String,
		}
		if resolvedAt.Valid {
			l.Dispute.ResolvedAt = &resolvedAt.Time
		}
	}
	return l, nil
}

func scanLeases(rows *sql.Rows) ([]*Lease, error) {
	var out []*Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
