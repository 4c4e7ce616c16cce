package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

const driverName = "sqlite"

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

type Options struct {
	// Path of the database file. ":memory:" is accepted for tests but is not durable.
	Path             string
	RetentionHorizon time.Duration
	Clock            clockwork.Clock
	// SkipMigrate leaves the schema untouched; Open then expects it to exist.
	SkipMigrate bool
}

// Store is the durable on-device queue backed by a single SQLite file.
type Store struct {
	db        *sqlx.DB
	retention time.Duration
	clock     clockwork.Clock
}

// Open opens (creating if needed) the database at opts.Path and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", delivery.ErrInvalidConfig)
	}
	db, err := sqlx.Open(driverName, dsn(opts.Path))
	if err != nil {
		return nil, delivery.StorageError("open", err)
	}
	if opts.Path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, delivery.StorageError("ping", err)
	}
	if !opts.SkipMigrate {
		if _, err := Migrate(ctx, db.DB); err != nil {
			_ = db.Close()
			return nil, delivery.StorageError("migrate", err)
		}
	}
	// One writer keeps SQLITE_BUSY out of the picture.
	db.SetMaxOpenConns(1)
	return New(db, opts), nil
}

// New wraps an existing handle whose schema is already migrated.
func New(db *sqlx.DB, opts Options) *Store {
	if opts.RetentionHorizon == 0 {
		opts.RetentionHorizon = delivery.DefaultRetentionHorizon
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{db: db, retention: opts.RetentionHorizon, clock: opts.Clock}
}

func dsn(path string) string {
	if path == ":memory:" {
		return path
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Create(ctx context.Context, e delivery.Event) error {
	const q = `INSERT INTO delivery_events (transaction_id, type, body, enqueue_timestamp, retry_timestamp)
	           VALUES (:transaction_id, :type, :body, :enqueue_timestamp, :retry_timestamp)`

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return delivery.StorageError("create", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.NamedExecContext(ctx, q, e); err != nil {
		if IsConstraintError(err) {
			err = fmt.Errorf("duplicate transaction id %q: %w", e.TransactionID, err)
		}
		return delivery.StorageError("create", err)
	}
	if err := tx.Commit(); err != nil {
		return delivery.StorageError("create", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, e delivery.Event) error {
	const q = `UPDATE delivery_events
	              SET type = :type,
	                  body = :body,
	                  retry_timestamp = :retry_timestamp
	            WHERE transaction_id = :transaction_id`
	if _, err := s.db.NamedExecContext(ctx, q, e); err != nil {
		return delivery.StorageError("update", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, e delivery.Event) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_events WHERE transaction_id = ?`, e.TransactionID); err != nil {
		return delivery.StorageError("delete", err)
	}
	return nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM delivery_events`); err != nil {
		return 0, delivery.StorageError("count", err)
	}
	return n, nil
}

func (s *Store) Query(ctx context.Context, fetchLimit int, retryDeadline time.Duration) ([]delivery.Event, error) {
	if fetchLimit <= 0 {
		fetchLimit = -1
	}
	const q = `SELECT transaction_id, type, body, enqueue_timestamp, retry_timestamp
	             FROM delivery_events
	            WHERE retry_timestamp = 0 OR (? - retry_timestamp) > ?
	            ORDER BY retry_timestamp, enqueue_timestamp, transaction_id
	            LIMIT ?`

	var out []delivery.Event
	now := delivery.Timestamp(s.clock.Now())
	if err := s.db.SelectContext(ctx, &out, q, now, retryDeadline.Seconds(), fetchLimit); err != nil {
		return nil, delivery.StorageError("query", err)
	}
	return out, nil
}

func (s *Store) QueryExpired(ctx context.Context) ([]delivery.Event, error) {
	const q = `SELECT transaction_id, type, body, enqueue_timestamp, retry_timestamp
	             FROM delivery_events
	            WHERE (? - enqueue_timestamp) > ?
	            ORDER BY retry_timestamp, enqueue_timestamp, transaction_id`

	var out []delivery.Event
	now := delivery.Timestamp(s.clock.Now())
	if err := s.db.SelectContext(ctx, &out, q, now, s.retention.Seconds()); err != nil {
		return nil, delivery.StorageError("query expired", err)
	}
	return out, nil
}

func (s *Store) Erase(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM delivery_events`); err != nil {
		return delivery.StorageError("erase", err)
	}
	return nil
}

// Vacuum reclaims pages freed by deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return delivery.StorageError("vacuum", err)
	}
	return nil
}

// IsConstraintError reports whether err came from a uniqueness or check violation.
func IsConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var target interface{ Code() int }
	if errors.As(err, &target) {
		// SQLITE_CONSTRAINT primary code.
		return target.Code()&0xff == 19
	}
	return strings.Contains(err.Error(), "constraint failed")
}

var _ delivery.Store = (*Store)(nil)
