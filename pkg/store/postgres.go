package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const createKVTable = `CREATE TABLE IF NOT EXISTS forkchat_kv (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore keeps values in a single key/value table, for deployments
// sharing one database between several processes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn, verifies the connection and creates the table
// if needed.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "could not create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not reach postgres")
	}
	if _, err := pool.Exec(ctx, createKVTable); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "could not create kv table")
	}
	log.Debug().Msg("opened postgres store")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Load(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM forkchat_kv WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrap(ErrNotFound, key)
		}
		return nil, errors.Wrapf(err, "could not load %s", key)
	}
	return value, nil
}

func (s *PostgresStore) Save(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO forkchat_kv (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	return errors.Wrapf(err, "could not save %s", key)
}

func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM forkchat_kv WHERE key = $1`, key)
	return errors.Wrapf(err, "could not delete %s", key)
}

func (s *PostgresStore) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM forkchat_kv WHERE starts_with(key, $1) ORDER BY key COLLATE "C"`, prefix)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list %s", prefix)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrapf(err, "could not list %s", prefix)
	}
	return keys, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
