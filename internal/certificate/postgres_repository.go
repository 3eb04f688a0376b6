package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createCertificatesTable = `
	CREATE TABLE IF NOT EXISTS certificates (
		id          TEXT PRIMARY KEY,
		url         TEXT NOT NULL,
		label       TEXT NOT NULL DEFAULT '',
		agent_only  BOOLEAN NOT NULL DEFAULT false,
		expires_at  TIMESTAMPTZ,
		source      TEXT NOT NULL DEFAULT 'manual',
		common_name TEXT NOT NULL DEFAULT '',
		issuer      TEXT NOT NULL DEFAULT '',
		last_error  TEXT NOT NULL DEFAULT '',
		checked_at  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

const selectColumns = `
	SELECT id, url, label, agent_only, expires_at, source, common_name, issuer, last_error, checked_at, created_at, updated_at
	FROM certificates
`

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL certificate repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate creates the certificates table if it does not exist.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, createCertificatesTable); err != nil {
		return fmt.Errorf("create certificates table: %w", err)
	}
	return nil
}

// Get retrieves a record by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Record, error) {
	record, err := scanRecord(r.pool.QueryRow(ctx, selectColumns+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return record, nil
}

// List retrieves records ordered by ID.
func (r *PostgresRepository) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	return r.query(ctx, selectColumns+` ORDER BY id LIMIT $1`, limit)
}

// ListStale returns records never checked or last checked before cutoff.
func (r *PostgresRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 500
	}
	return r.query(ctx, selectColumns+`
		WHERE checked_at IS NULL OR checked_at < $1
		ORDER BY checked_at NULLS FIRST, id
		LIMIT $2
	`, cutoff, limit)
}

func (r *PostgresRepository) query(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// Save creates or replaces a record.
func (r *PostgresRepository) Save(ctx context.Context, record *Record) error {
	if record.URL == "" {
		return ErrMissingURL
	}

	query := `
		INSERT INTO certificates (id, url, label, agent_only, expires_at, source, common_name, issuer, last_error, checked_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			label = EXCLUDED.label,
			agent_only = EXCLUDED.agent_only,
			expires_at = EXCLUDED.expires_at,
			source = EXCLUDED.source,
			common_name = EXCLUDED.common_name,
			issuer = EXCLUDED.issuer,
			last_error = EXCLUDED.last_error,
			checked_at = EXCLUDED.checked_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.URL,
		record.Label,
		record.AgentOnly,
		record.ExpiresAt,
		string(record.Source),
		record.CommonName,
		record.Issuer,
		record.LastError,
		record.CheckedAt,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

// Delete removes a record.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM certificates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var record Record
	var source string
	err := row.Scan(
		&record.ID,
		&record.URL,
		&record.Label,
		&record.AgentOnly,
		&record.ExpiresAt,
		&source,
		&record.CommonName,
		&record.Issuer,
		&record.LastError,
		&record.CheckedAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	record.Source = Source(source)
	return &record, nil
}

var _ Repository = (*PostgresRepository)(nil)
