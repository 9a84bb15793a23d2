package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ilnaes/gopad-rebase/internal/ot"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `CREATE TABLE IF NOT EXISTS history (
	doc_id TEXT NOT NULL,
	idx    INTEGER NOT NULL,
	body   BYTEA NOT NULL,
	PRIMARY KEY (doc_id, idx)
)`

const uniqueViolation = "23505"

// PostgresStore keeps history in a single table keyed by (doc_id, idx).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// ConnectPostgres opens a pool on url and creates the history table.
func ConnectPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating history table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, docID string, index int, change *ot.Change) error {
	body, err := ot.EncodeBinary(change)
	if err != nil {
		return err
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var n int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM history WHERE doc_id = $1`, docID).Scan(&n); err != nil {
			return err
		}
		if n != index {
			return fmt.Errorf("%w: append at %d, have %d", ErrIndexConflict, index, n)
		}
		_, err := tx.Exec(ctx, `INSERT INTO history (doc_id, idx, body) VALUES ($1, $2, $3)`, docID, index, body)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: entry %d of %s already written", ErrIndexConflict, index, docID)
	}
	return err
}

func (s *PostgresStore) Load(ctx context.Context, docID string) ([]*ot.Change, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM history WHERE doc_id = $1 ORDER BY idx`, docID)
	if err != nil {
		return nil, err
	}
	bodies, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, err
	}
	return decodeAll(bodies)
}

func (s *PostgresStore) Close(context.Context) error {
	s.pool.Close()
	return nil
}
