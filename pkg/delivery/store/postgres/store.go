package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

const uniqueViolation = "23505"

type Options struct {
	RetentionHorizon time.Duration
	Clock            clockwork.Clock
}

// Store keeps the queue in a Postgres table, for collectors relaying on behalf of many devices.
type Store struct {
	pool      *pgxpool.Pool
	table     pgx.Identifier
	retention time.Duration
	clock     clockwork.Clock
}

func New(pool *pgxpool.Pool, table pgx.Identifier, opts Options) (*Store, error) {
	if pool == nil {
		return nil, invalidConfig("pool is required")
	}
	if len(table) == 0 {
		return nil, invalidConfig("table is required")
	}
	if opts.RetentionHorizon == 0 {
		opts.RetentionHorizon = delivery.DefaultRetentionHorizon
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{
		pool:      pool,
		table:     table,
		retention: opts.RetentionHorizon,
		clock:     opts.Clock,
	}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	tableName := s.table.Sanitize()
	name := s.table[len(s.table)-1]
	q := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  transaction_id    TEXT             NOT NULL,
  type              TEXT             NOT NULL,
  body              TEXT             NOT NULL,
  enqueue_timestamp DOUBLE PRECISION NOT NULL,
  retry_timestamp   DOUBLE PRECISION NOT NULL DEFAULT 0,
  CONSTRAINT %s PRIMARY KEY (transaction_id)
);
CREATE INDEX IF NOT EXISTS %s ON %s (retry_timestamp, enqueue_timestamp);
`,
		tableName,
		pgx.Identifier{name + "_pkey"}.Sanitize(),
		pgx.Identifier{name + "_selection_idx"}.Sanitize(),
		tableName,
	)
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return delivery.StorageError("ensure schema", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, e delivery.Event) error {
	q := fmt.Sprintf(
		`INSERT INTO %s (transaction_id, type, body, enqueue_timestamp, retry_timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.table.Sanitize(),
	)
	if _, err := s.pool.Exec(ctx, q, e.TransactionID, string(e.Type), e.Body, e.EnqueueTimestamp, e.RetryTimestamp); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			err = fmt.Errorf("duplicate transaction id %q: %w", e.TransactionID, err)
		}
		return delivery.StorageError("create", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, e delivery.Event) error {
	q := fmt.Sprintf(
		`UPDATE %s
		    SET type = $2,
		        body = $3,
		        retry_timestamp = $4
		  WHERE transaction_id = $1`,
		s.table.Sanitize(),
	)
	if _, err := s.pool.Exec(ctx, q, e.TransactionID, string(e.Type), e.Body, e.RetryTimestamp); err != nil {
		return delivery.StorageError("update", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, e delivery.Event) error {
	q := fmt.Sprintf(`DELETE FROM %s WHERE transaction_id = $1`, s.table.Sanitize())
	if _, err := s.pool.Exec(ctx, q, e.TransactionID); err != nil {
		return delivery.StorageError("delete", err)
	}
	return nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	q := fmt.Sprintf(`SELECT count(*) FROM %s`, s.table.Sanitize())
	if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, delivery.StorageError("count", err)
	}
	return n, nil
}

func (s *Store) Query(ctx context.Context, fetchLimit int, retryDeadline time.Duration) ([]delivery.Event, error) {
	var limit any
	if fetchLimit > 0 {
		limit = fetchLimit
	}
	q := fmt.Sprintf(
		`SELECT transaction_id, type, body, enqueue_timestamp, retry_timestamp
		   FROM %s
		  WHERE retry_timestamp = 0 OR ($1 - retry_timestamp) > $2
		  ORDER BY retry_timestamp, enqueue_timestamp, transaction_id
		  LIMIT $3`,
		s.table.Sanitize(),
	)
	now := delivery.Timestamp(s.clock.Now())
	return s.collect(ctx, "query", q, now, retryDeadline.Seconds(), limit)
}

func (s *Store) QueryExpired(ctx context.Context) ([]delivery.Event, error) {
	q := fmt.Sprintf(
		`SELECT transaction_id, type, body, enqueue_timestamp, retry_timestamp
		   FROM %s
		  WHERE ($1 - enqueue_timestamp) > $2
		  ORDER BY retry_timestamp, enqueue_timestamp, transaction_id`,
		s.table.Sanitize(),
	)
	now := delivery.Timestamp(s.clock.Now())
	return s.collect(ctx, "query expired", q, now, s.retention.Seconds())
}

func (s *Store) Erase(ctx context.Context) error {
	q := fmt.Sprintf(`DELETE FROM %s`, s.table.Sanitize())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return delivery.StorageError("erase", err)
	}
	return nil
}

func (s *Store) collect(ctx context.Context, op, q string, args ...any) ([]delivery.Event, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, delivery.StorageError(op, err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (delivery.Event, error) {
		var e delivery.Event
		var typ string
		if err := row.Scan(&e.TransactionID, &typ, &e.Body, &e.EnqueueTimestamp, &e.RetryTimestamp); err != nil {
			return delivery.Event{}, err
		}
		e.Type = delivery.EventType(typ)
		return e, nil
	})
	if err != nil {
		return nil, delivery.StorageError(op, err)
	}
	return events, nil
}

var _ delivery.Store = (*Store)(nil)
