package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/mbd888/cipherscore/internal/scoring"
	"github.com/mbd888/cipherscore/internal/sealed"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL. The credit_records
// table is created by migrations/001_credit_records.sql.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `wallet, encrypted_metrics, current_score, risk_level, score_timestamp, last_updated`

// Get retrieves the record for wallet.
func (p *PostgresStore) Get(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM credit_records WHERE wallet = $1
	`, wallet.String())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credit record: %w", err)
	}
	return rec, nil
}

// GetOrCreate inserts the zero-valued record if none exists.
func (p *PostgresStore) GetOrCreate(ctx context.Context, wallet solana.PublicKey) (*CreditRecord, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credit_records (wallet, risk_level)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO NOTHING
	`, wallet.String(), int16(scoring.RiskFor(0)))
	if err != nil {
		return nil, fmt.Errorf("create credit record: %w", err)
	}
	return p.Get(ctx, wallet)
}

// ApplySubmission locks the wallet's row, re-checks the cooldown and
// overwrites the ciphertexts in one serializable transaction.
func (p *PostgresStore) ApplySubmission(ctx context.Context, wallet solana.PublicKey, metrics sealed.EncryptedWalletMetrics, now, cooldown int64) (*CreditRecord, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO credit_records (wallet, risk_level)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO NOTHING
	`, wallet.String(), int16(scoring.RiskFor(0))); err != nil {
		return nil, fmt.Errorf("create credit record: %w", err)
	}

	existing, err := scanRecord(tx.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM credit_records WHERE wallet = $1
		FOR UPDATE
	`, wallet.String()))
	if err != nil {
		return nil, fmt.Errorf("lock credit record: %w", err)
	}
	if err := CheckCooldown(existing, now, cooldown); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE credit_records
		SET encrypted_metrics = $2, last_updated = $3, updated_at = NOW()
		WHERE wallet = $1
	`, wallet.String(), metrics.Bytes(), now)
	if err != nil {
		return nil, fmt.Errorf("update credit record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	existing.EncryptedMetrics = metrics
	existing.LastUpdated = now
	return existing, nil
}

// ApplyScore records a revealed score and its risk tier.
func (p *PostgresStore) ApplyScore(ctx context.Context, wallet solana.PublicKey, score uint16, now int64) (*CreditRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO credit_records (wallet, current_score, risk_level, score_timestamp)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (wallet) DO UPDATE
		SET current_score = EXCLUDED.current_score,
			risk_level = EXCLUDED.risk_level,
			score_timestamp = EXCLUDED.score_timestamp,
			updated_at = NOW()
		RETURNING `+recordColumns+`
	`, wallet.String(), int32(score), int16(scoring.RiskFor(score)), now)

	rec, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("apply score: %w", err)
	}
	return rec, nil
}

// List returns records ordered by most recent submission first.
func (p *PostgresStore) List(ctx context.Context, limit int) ([]*CreditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM credit_records
		ORDER BY last_updated DESC, wallet
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list credit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*CreditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scannable abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable) (*CreditRecord, error) {
	var (
		wallet string
		blob   []byte
		score  int32
		risk   int16
		rec    CreditRecord
	)
	if err := row.Scan(&wallet, &blob, &score, &risk, &rec.ScoreTimestamp, &rec.LastUpdated); err != nil {
		return nil, err
	}

	pk, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return nil, fmt.Errorf("stored wallet %q: %w", wallet, err)
	}
	metrics, err := sealed.EncryptedWalletMetricsFromBytes(blob)
	if err != nil {
		return nil, fmt.Errorf("stored metrics for %s: %w", wallet, err)
	}

	rec.Wallet = pk
	rec.EncryptedMetrics = metrics
	rec.CurrentScore = uint16(score)
	rec.RiskLevel = scoring.RiskLevel(risk)
	return &rec, nil
}
