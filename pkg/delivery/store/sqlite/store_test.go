package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/storetest"
)

func TestStore_Conformance(t *testing.T) {
	clocks := map[*Store]clockwork.Clock{}
	paths := map[*Store]string{}

	storetest.Run(t, storetest.Backend{
		Open: func(t *testing.T, clock clockwork.Clock, retention time.Duration) delivery.Store {
			path := filepath.Join(t.TempDir(), "events.db")
			s, err := Open(context.Background(), Options{Path: path, RetentionHorizon: retention, Clock: clock})
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			clocks[s] = clock
			paths[s] = path
			return s
		},
		Reopen: func(t *testing.T, st delivery.Store) delivery.Store {
			s := st.(*Store)
			require.NoError(t, s.Close())
			reopened, err := Open(context.Background(), Options{
				Path:             paths[s],
				RetentionHorizon: s.retention,
				Clock:            clocks[s],
			})
			require.NoError(t, err)
			t.Cleanup(func() { _ = reopened.Close() })
			return reopened
		},
	})
}

func TestMigrate_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	s, err := Open(ctx, Options{Path: path})
	require.NoError(t, err)

	version, err := Migrate(ctx, s.DB().DB)
	require.NoError(t, err)
	require.Equal(t, int64(1), version)
	require.NoError(t, s.Close())
}

func TestStore_DuplicateIsConstraintError(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Options{Path: filepath.Join(t.TempDir(), "events.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	e := delivery.Event{TransactionID: "t1", Type: delivery.EventCustom, Body: "{}", EnqueueTimestamp: 1}
	require.NoError(t, s.Create(ctx, e))

	err = s.Create(ctx, e)
	require.ErrorIs(t, err, delivery.ErrStorage)
	require.True(t, IsConstraintError(err))
	require.Contains(t, err.Error(), "duplicate transaction id")
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	return New(sqlx.NewDb(db, "sqlite"), Options{Clock: clock}), mock
}

func TestStore_CreateFailureIsStorageError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO delivery_events").WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := s.Create(context.Background(), delivery.Event{TransactionID: "a", Type: delivery.EventCustom, Body: "{}"})
	require.ErrorIs(t, err, delivery.ErrStorage)
	require.Contains(t, err.Error(), "disk I/O error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_QueryPassesNowAndDeadline(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"transaction_id", "type", "body", "enqueue_timestamp", "retry_timestamp"}).
		AddRow("a", "trackClick", `{"x":1}`, 1_699_999_000.0, 0.0)
	mock.ExpectQuery("SELECT transaction_id, type, body, enqueue_timestamp, retry_timestamp").
		WithArgs(1_700_000_000.0, 60.0, 5).
		WillReturnRows(rows)

	got, err := s.Query(context.Background(), 5, time.Minute)
	require.NoError(t, err)
	require.Equal(t, []delivery.Event{{
		TransactionID:    "a",
		Type:             delivery.EventTrackClick,
		Body:             `{"x":1}`,
		EnqueueTimestamp: 1_699_999_000,
	}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateFailureIsStorageError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("UPDATE delivery_events").WillReturnError(errors.New("database is locked"))

	err := s.Update(context.Background(), delivery.Event{TransactionID: "a"})
	require.ErrorIs(t, err, delivery.ErrStorage)
	require.NoError(t, mock.ExpectationsWereMet())
}
