package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgxScheme = "pgx"

// PostgresStore keeps the credential row in PostgreSQL through a pgx pool, without an ORM.
type PostgresStore struct {
	pool     *pgxpool.Pool
	storeKey string
}

// NewPostgresStore connects to the pgx:// (or postgres://) URL and ensures the credential table exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolConfig, configErr := newPoolConfig(databaseURL)
	if configErr != nil {
		return nil, fmt.Errorf("token_store.pgx.config: %w", configErr)
	}
	pool, poolErr := pgxpool.NewWithConfig(ctx, poolConfig)
	if poolErr != nil {
		return nil, fmt.Errorf("token_store.pgx.pool: %w", poolErr)
	}
	if schemaErr := ensureCredentialSchema(ctx, pool); schemaErr != nil {
		pool.Close()
		return nil, fmt.Errorf("token_store.pgx.schema: %w", schemaErr)
	}
	return &PostgresStore{pool: pool, storeKey: DefaultKey}, nil
}

// Close releases the pool.
func (store *PostgresStore) Close() error {
	store.pool.Close()
	return nil
}

func (store *PostgresStore) Load(ctx context.Context) (Credential, error) {
	var credential Credential
	row := store.pool.QueryRow(ctx, `
SELECT access_token, refresh_token, expires_unix
FROM amocrm_credentials
WHERE store_key = $1
`, store.storeKey)
	if scanErr := row.Scan(&credential.AccessToken, &credential.RefreshToken, &credential.ExpiresAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return Credential{}, ErrCredentialNotFound
		}
		return Credential{}, fmt.Errorf("token_store.load.pgx: %w", scanErr)
	}
	return credential, nil
}

func (store *PostgresStore) Save(ctx context.Context, credential Credential) error {
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO amocrm_credentials (store_key, access_token, refresh_token, expires_unix, updated_at_unix)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (store_key) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_unix = EXCLUDED.expires_unix,
    updated_at_unix = EXCLUDED.updated_at_unix
`, store.storeKey, credential.AccessToken, credential.RefreshToken, credential.ExpiresAt, time.Now().UTC().Unix())
	if execErr != nil {
		return fmt.Errorf("token_store.save.pgx: %w", execErr)
	}
	return nil
}

// newPoolConfig accepts pgx:// as an alias of postgres:// and applies the pool sizing.
func newPoolConfig(databaseURL string) (*pgxpool.Config, error) {
	parsed, parseErr := url.Parse(strings.TrimSpace(databaseURL))
	if parseErr != nil {
		return nil, parseErr
	}
	if strings.EqualFold(parsed.Scheme, pgxScheme) {
		parsed.Scheme = "postgres"
	}
	config, err := pgxpool.ParseConfig(parsed.String())
	if err != nil {
		return nil, err
	}
	config.MinConns = 1
	config.MaxConns = 4
	config.MaxConnLifetime = 30 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second
	return config, nil
}

func ensureCredentialSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS amocrm_credentials (
    store_key TEXT PRIMARY KEY,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_unix BIGINT NOT NULL,
    updated_at_unix BIGINT NOT NULL
);
`)
	return err
}
