// Package storetest holds the behaviour every delivery.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

const (
	retention = 24 * time.Hour
	cooldown  = time.Minute
)

var epoch = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

type Backend struct {
	// Open returns an empty store that reads "now" from clock.
	Open func(t *testing.T, clock clockwork.Clock, retention time.Duration) delivery.Store
	// Reopen closes s and opens the same underlying data again. Nil skips the reload case.
	Reopen func(t *testing.T, s delivery.Store) delivery.Store
}

func Run(t *testing.T, b Backend) {
	t.Helper()

	cases := []struct {
		name string
		fn   func(t *testing.T, b Backend)
	}{
		{"CreateAndCount", testCreateAndCount},
		{"DuplicateCreateFails", testDuplicateCreateFails},
		{"UpdateRewritesRow", testUpdateRewritesRow},
		{"UpdateAndDeleteMissingAreNoops", testMissingRowNoops},
		{"QueryOrdering", testQueryOrdering},
		{"QueryRespectsCooldown", testQueryRespectsCooldown},
		{"QueryFetchLimit", testQueryFetchLimit},
		{"QueryExpired", testQueryExpired},
		{"Erase", testErase},
		{"SurvivesReload", testSurvivesReload},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, b)
		})
	}
}

func open(t *testing.T, b Backend) (delivery.Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	return b.Open(t, clock, retention), clock
}

func ev(id string, enqueueAgo time.Duration, retryAgo time.Duration) delivery.Event {
	e := delivery.Event{
		TransactionID:    id,
		Type:             delivery.EventCustom,
		Body:             fmt.Sprintf(`{"id":%q}`, id),
		EnqueueTimestamp: delivery.Timestamp(epoch.Add(-enqueueAgo)),
	}
	if retryAgo > 0 {
		e.RetryTimestamp = delivery.Timestamp(epoch.Add(-retryAgo))
	}
	return e
}

func ids(events []delivery.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.TransactionID)
	}
	return out
}

func testCreateAndCount(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Create(ctx, ev(fmt.Sprintf("e%d", i), time.Duration(i)*time.Second, 0)))
	}
	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := s.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, ev("e0", 0, 0), got[2])
}

func testDuplicateCreateFails(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	require.NoError(t, s.Create(ctx, ev("dup", time.Second, 0)))
	err := s.Create(ctx, ev("dup", 0, 0))
	require.ErrorIs(t, err, delivery.ErrStorage)

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testUpdateRewritesRow(t *testing.T, b Backend) {
	ctx := context.Background()
	s, clock := open(t, b)

	e := ev("u1", time.Hour, 0)
	require.NoError(t, s.Create(ctx, e))

	e = e.MarkRetried(clock.Now())
	require.NoError(t, s.Update(ctx, e))

	got, err := s.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Empty(t, got, "row inside cooldown must not be returned")

	clock.Advance(cooldown + time.Second)
	got, err = s.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, e.RetryTimestamp, got[0].RetryTimestamp, 1e-3)
}

func testMissingRowNoops(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	require.NoError(t, s.Update(ctx, ev("ghost", 0, time.Second)))
	require.NoError(t, s.Delete(ctx, ev("ghost", 0, 0)))

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testQueryOrdering(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	events := []delivery.Event{
		ev("retried-old", 10*time.Hour, 5*time.Hour),
		ev("fresh-new", 1*time.Hour, 0),
		ev("retried-recent", 9*time.Hour, 2*time.Hour),
		ev("fresh-old", 3*time.Hour, 0),
		ev("retried-old-tie", 11*time.Hour, 5*time.Hour),
	}
	for _, e := range events {
		require.NoError(t, s.Create(ctx, e))
	}

	got, err := s.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Equal(t, []string{
		"fresh-old",
		"fresh-new",
		"retried-old-tie",
		"retried-old",
		"retried-recent",
	}, ids(got))
}

func testQueryRespectsCooldown(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	require.NoError(t, s.Create(ctx, ev("cooling", time.Hour, 30*time.Second)))
	require.NoError(t, s.Create(ctx, ev("overdue", time.Hour, 2*time.Minute)))
	require.NoError(t, s.Create(ctx, ev("never", time.Hour, 0)))

	got, err := s.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Equal(t, []string{"never", "overdue"}, ids(got))
}

func testQueryFetchLimit(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, ev(fmt.Sprintf("e%d", i), time.Duration(10-i)*time.Minute, 0)))
	}
	got, err := s.Query(ctx, 2, cooldown)
	require.NoError(t, err)
	require.Equal(t, []string{"e0", "e1"}, ids(got))
}

func testQueryExpired(t *testing.T, b Backend) {
	ctx := context.Background()
	s, clock := open(t, b)

	require.NoError(t, s.Create(ctx, ev("ancient", retention+time.Hour, 0)))
	require.NoError(t, s.Create(ctx, ev("young", time.Hour, 0)))

	got, err := s.QueryExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"ancient"}, ids(got))

	clock.Advance(retention)
	got, err = s.QueryExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"ancient", "young"}, ids(got))
}

func testErase(t *testing.T, b Backend) {
	ctx := context.Background()
	s, _ := open(t, b)

	require.NoError(t, s.Create(ctx, ev("a", 0, 0)))
	require.NoError(t, s.Create(ctx, ev("b", 0, 0)))
	require.NoError(t, s.Erase(ctx))

	n, err := s.CountEvents(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func testSurvivesReload(t *testing.T, b Backend) {
	if b.Reopen == nil {
		t.Skip("backend is not durable")
	}
	ctx := context.Background()
	s, _ := open(t, b)

	want := ev("durable", time.Minute, 0)
	require.NoError(t, s.Create(ctx, want))

	reopened := b.Reopen(t, s)
	n, err := reopened.CountEvents(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := reopened.Query(ctx, 0, cooldown)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, want.TransactionID, got[0].TransactionID)
	require.Equal(t, want.Body, got[0].Body)
	require.InDelta(t, want.EnqueueTimestamp, got[0].EnqueueTimestamp, 1e-3)
}
