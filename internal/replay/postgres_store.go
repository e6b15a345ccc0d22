package replay

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists claims in the processed_tx_hashes table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed replay store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert claims c.TxHash with a single INSERT ... ON CONFLICT DO NOTHING.
func (p *PostgresStore) Insert(ctx context.Context, c *Claim) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_tx_hashes
			(tx_hash, request_id, tenant_id, amount_usd, asset, network, settlement_type, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tx_hash) DO NOTHING
	`, c.TxHash, c.RequestID, c.TenantID, c.AmountUSD.String(), c.Asset, c.Network, c.SettlementType, c.ProcessedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return false, nil
		}
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Get returns the claim for hash or ErrNotFound.
func (p *PostgresStore) Get(ctx context.Context, hash string) (*Claim, error) {
	c := &Claim{}
	var amount string
	var tenant sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT tx_hash, request_id, tenant_id, amount_usd::text, asset, network, settlement_type, processed_at
		FROM processed_tx_hashes WHERE tx_hash = $1
	`, hash).Scan(&c.TxHash, &c.RequestID, &tenant, &amount, &c.Asset, &c.Network, &c.SettlementType, &c.ProcessedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.TenantID = tenant.String
	if c.AmountUSD, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes the claim for hash, if any.
func (p *PostgresStore) Delete(ctx context.Context, hash string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM processed_tx_hashes WHERE tx_hash = $1`, hash)
	return err
}

// DeleteOlderThan removes claims processed before cutoff.
func (p *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_tx_hashes WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
