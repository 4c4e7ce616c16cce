package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_Decide(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	p := DefaultRetryPolicy()
	at := func(d time.Duration) float64 { return Timestamp(now.Add(-d)) }

	cases := []struct {
		name  string
		event Event
		class FailureClass
		want  Decision
	}{
		{
			name:  "never attempted is due now",
			event: Event{EnqueueTimestamp: at(time.Minute)},
			want:  Decision{Action: ActionRetryNow},
		},
		{
			name:  "inside cooldown waits",
			event: Event{EnqueueTimestamp: at(time.Hour), RetryTimestamp: at(20 * time.Second)},
			want:  Decision{Action: ActionRetryLater, At: now.Add(40 * time.Second)},
		},
		{
			name:  "cooldown elapsed is due",
			event: Event{EnqueueTimestamp: at(time.Hour), RetryTimestamp: at(61 * time.Second)},
			want:  Decision{Action: ActionRetryNow},
		},
		{
			name:  "transient failure waits a full cooldown",
			event: Event{EnqueueTimestamp: at(time.Hour)},
			class: FailureTransient,
			want:  Decision{Action: ActionRetryLater, At: now.Add(DefaultRetryDeadline)},
		},
		{
			name:  "permanent failure drops",
			event: Event{EnqueueTimestamp: at(time.Hour)},
			class: FailurePermanent,
			want:  Decision{Action: ActionDrop},
		},
		{
			name:  "expired drops regardless of class",
			event: Event{EnqueueTimestamp: at(DefaultRetentionHorizon + time.Second)},
			class: FailureTransient,
			want:  Decision{Action: ActionDrop},
		},
	}

	for _, tc := range cases {
		got := p.Decide(tc.event, now, tc.class)
		require.Equal(t, tc.want.Action, got.Action, tc.name)
		require.WithinDuration(t, tc.want.At, got.At, time.Millisecond, tc.name)
	}
}

func TestRetryPolicy_Predicates(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_800_000_000, 0)
	p := RetryPolicy{RetryDeadline: time.Minute, RetentionHorizon: 24 * time.Hour}

	fresh := Event{EnqueueTimestamp: Timestamp(now.Add(-time.Hour))}
	require.True(t, p.IsOverdue(fresh, now))
	require.True(t, p.IsRetriable(fresh, now))
	require.False(t, p.IsExpired(fresh, now))

	cooling := fresh.MarkRetried(now.Add(-30 * time.Second))
	require.False(t, p.IsOverdue(cooling, now))
	require.False(t, p.IsRetriable(cooling, now))
	require.WithinDuration(t, now.Add(30*time.Second), p.NextAttemptAt(cooling), time.Millisecond)

	old := Event{EnqueueTimestamp: Timestamp(now.Add(-25 * time.Hour))}
	require.True(t, p.IsExpired(old, now))
	require.False(t, p.IsRetriable(old, now))
}

func TestMarkRetried_NeverBeforeEnqueue(t *testing.T) {
	t.Parallel()

	enqueued := time.Unix(1_800_000_000, 0)
	e := Event{EnqueueTimestamp: Timestamp(enqueued)}

	// A clock that stepped backwards must not break enqueue <= retry.
	bumped := e.MarkRetried(enqueued.Add(-time.Minute))
	require.Equal(t, e.EnqueueTimestamp, bumped.RetryTimestamp)

	bumped = e.MarkRetried(enqueued.Add(time.Minute))
	require.InDelta(t, Timestamp(enqueued)+60, bumped.RetryTimestamp, 1e-6)
}

func TestRetryPolicy_Validate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultRetryPolicy().validate())
	require.ErrorIs(t, RetryPolicy{RetryDeadline: -time.Second, RetentionHorizon: time.Hour}.validate(), ErrInvalidConfig)
	require.ErrorIs(t, RetryPolicy{RetryDeadline: time.Second}.validate(), ErrInvalidConfig)
}

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, time.October, 18, 9, 30, 15, 250_000_000, time.UTC)
	require.WithinDuration(t, ts, FromTimestamp(Timestamp(ts)), time.Microsecond)
}
