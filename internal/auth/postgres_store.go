package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists API keys and usage in PostgreSQL.
// The schema lives in migrations/002_api_keys.sql.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, wallet, name, tier, created_at, last_used, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, wallet, name, tier, created_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Wallet, key.Name, string(key.Tier), key.CreatedAt, key.Revoked)
	return err
}

// GetByHash retrieves an active API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE hash = $1 AND revoked = FALSE
	`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByWallet retrieves all API keys for a wallet
func (p *PostgresStore) GetByWallet(ctx context.Context, wallet string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE wallet = $1 ORDER BY created_at DESC, id
	`, wallet)
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

// Update writes last_used and revoked. Revocation is sticky and last_used
// only moves forward, so a late LastUsed write cannot undo a revoke.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET
			last_used = GREATEST(last_used, $1),
			revoked = revoked OR $2
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

// RecordUsage appends one usage row.
func (p *PostgresStore) RecordUsage(ctx context.Context, wallet, operation string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_usage (wallet, operation, used_at) VALUES ($1, $2, $3)
	`, wallet, operation, at)
	return err
}

// UsageSince returns usage timestamps for wallet at or after since, oldest first.
func (p *PostgresStore) UsageSince(ctx context.Context, wallet string, since time.Time) ([]time.Time, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT used_at FROM api_usage
		WHERE wallet = $1 AND used_at >= $2
		ORDER BY used_at
	`, wallet, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanKey(row scannable) (*APIKey, error) {
	key := &APIKey{}
	var (
		name     sql.NullString
		tier     string
		lastUsed sql.NullTime
	)
	if err := row.Scan(
		&key.ID, &key.Hash, &key.Wallet, &name, &tier,
		&key.CreatedAt, &lastUsed, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Name = name.String
	key.Tier = Tier(tier)
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}
