package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, tenant_id, name, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, tenant_id, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.TenantID, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves an API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByTenant retrieves all API keys for a tenant, newest first.
func (p *PostgresStore) GetByTenant(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. A revoked key stays revoked.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed *time.Time
	if !key.LastUsed.IsZero() {
		lastUsed = &key.LastUsed
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = COALESCE($1, last_used), revoked = revoked OR $2
		WHERE id = $3
	`, lastUsed, key.Revoked, key.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// Delete removes an API key
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*APIKey, error) {
	key := &APIKey{}
	var (
		name      sql.NullString
		lastUsed  sql.NullTime
		expiresAt sql.NullTime
	)
	if err := s.Scan(
		&key.ID, &key.Hash, &key.TenantID, &name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Name = name.String
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}
