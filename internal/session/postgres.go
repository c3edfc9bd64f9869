package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver

	"github.com/R3E-Network/ledger_client/internal/errors"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS ledger_sessions (
		profile        TEXT PRIMARY KEY,
		user_id        TEXT NOT NULL,
		username       TEXT NOT NULL,
		wallet_address TEXT NOT NULL DEFAULT '',
		token          TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_sessions_user_id_idx ON ledger_sessions (user_id)`,
}

// ApplyMigrations creates the session table.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply session migration %d: %w", i+1, err)
		}
	}
	return nil
}

// PostgresRepository stores one session row per profile.
type PostgresRepository struct {
	db      *sqlx.DB
	profile string
}

// NewPostgresRepository wraps an open database.
func NewPostgresRepository(db *sqlx.DB, profile string) *PostgresRepository {
	if profile == "" {
		profile = "default"
	}
	return &PostgresRepository{db: db, profile: profile}
}

// OpenPostgres connects to dsn and applies migrations.
func OpenPostgres(ctx context.Context, dsn, profile string) (*PostgresRepository, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect session database: %w", err)
	}
	if err := ApplyMigrations(ctx, db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresRepository(db, profile), nil
}

// Get returns the record of the configured profile.
func (p *PostgresRepository) Get(ctx context.Context) (Record, error) {
	var rec Record
	err := p.db.GetContext(ctx, &rec,
		`SELECT user_id, username, wallet_address, token FROM ledger_sessions WHERE profile = $1`,
		p.profile)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, errors.ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load session: %w", err)
	}
	return rec, nil
}

// Set upserts the record of the configured profile.
func (p *PostgresRepository) Set(ctx context.Context, rec Record) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO ledger_sessions (profile, user_id, username, wallet_address, token, updated_at)
		 VALUES ($1, $2, $3, $4, $5, NOW())
		 ON CONFLICT (profile) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   username = EXCLUDED.username,
		   wallet_address = EXCLUDED.wallet_address,
		   token = EXCLUDED.token,
		   updated_at = NOW()`,
		p.profile, rec.UserID, rec.Username, rec.WalletAddress, rec.Token)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Clear deletes the row of the configured profile.
func (p *PostgresRepository) Clear(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM ledger_sessions WHERE profile = $1`, p.profile); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *PostgresRepository) Close() error {
	return p.db.Close()
}

var _ Repository = (*PostgresRepository)(nil)
