package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/delivery/store/memory"
	"github.com/iota-uz/telemetry-sdk/pkg/eventbus"
)

var epoch = time.Date(2026, time.January, 15, 12, 0, 0, 0, time.UTC)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fn   func(ctx context.Context, e delivery.Event) error
}

func (s *recordingSender) Send(ctx context.Context, e delivery.Event) error {
	s.mu.Lock()
	s.sent = append(s.sent, e.TransactionID)
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, e)
}

func (s *recordingSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type harness struct {
	clock    *clockwork.FakeClock
	store    *memory.Store
	sender   *recordingSender
	sched    *delivery.Scheduler
	producer *delivery.Producer
	outcomes chan *delivery.Outcome
}

func newHarness(t *testing.T, send func(ctx context.Context, e delivery.Event) error, configure func(*delivery.SchedulerOptions)) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(epoch)
	store := memory.New(memory.Options{Clock: clock})
	sender := &recordingSender{fn: send}

	outcomes := make(chan *delivery.Outcome, 64)
	bus := eventbus.NewEventPublisher(logrus.New())
	bus.Subscribe(func(o *delivery.Outcome) { outcomes <- o })

	opts := delivery.SchedulerOptions{Clock: clock, Bus: bus}
	if configure != nil {
		configure(&opts)
	}
	sched, err := delivery.NewScheduler(store, sender, opts)
	require.NoError(t, err)

	var seq atomic.Int64
	producer, err := delivery.NewProducer(store, sched, delivery.ProducerOptions{
		Clock: clock,
		NewID: func() string { return fmt.Sprintf("evt-%03d", seq.Add(1)) },
	})
	require.NoError(t, err)

	return &harness{
		clock:    clock,
		store:    store,
		sender:   sender,
		sched:    sched,
		producer: producer,
		outcomes: outcomes,
	}
}

func (h *harness) enqueue(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		e, err := h.producer.Enqueue(context.Background(), delivery.EventCustom, fmt.Sprintf(`{"n":%d}`, i))
		require.NoError(t, err)
		ids = append(ids, e.TransactionID)
	}
	return ids
}

func (h *harness) count(t *testing.T) int {
	t.Helper()
	n, err := h.store.CountEvents(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
}

func (h *harness) waitOutcome(t *testing.T, want delivery.OutcomeResult) *delivery.Outcome {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-h.outcomes:
			if o.Result == want {
				return o
			}
		case <-deadline:
			t.Fatalf("no %s outcome", want)
			return nil
		}
	}
}

func TestScheduler_DeliversAllEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	ids := h.enqueue(t, 10)

	require.NoError(t, h.sched.RunPass(context.Background()))

	require.Equal(t, ids, h.sender.Sent())
	require.Equal(t, 0, h.count(t))
	require.Equal(t, delivery.StateIdle, h.sched.CurrentState())
}

func TestScheduler_TransientFailureWaitsForCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, delivery.Event) error {
		return &delivery.StatusError{Code: 503}
	}, nil)
	h.enqueue(t, 2)

	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Len(t, h.sender.Sent(), 2)
	require.Equal(t, 2, h.count(t))
	for _, e := range h.store.All() {
		require.Equal(t, delivery.Timestamp(epoch), e.RetryTimestamp)
	}

	h.clock.Advance(30 * time.Second)
	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Len(t, h.sender.Sent(), 2, "events inside the cooldown must not be resent")

	h.clock.Advance(31 * time.Second)
	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Len(t, h.sender.Sent(), 4)
	require.Equal(t, 2, h.count(t))

	o := h.waitOutcome(t, delivery.OutcomeRetry)
	var statusErr *delivery.StatusError
	require.ErrorAs(t, o.Err, &statusErr)
	require.Equal(t, 503, statusErr.Code)
}

func TestScheduler_PermanentFailureDropsEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(context.Context, delivery.Event) error {
		return &delivery.StatusError{Code: 400, Body: "unknown field"}
	}, nil)
	ids := h.enqueue(t, 1)

	require.NoError(t, h.sched.RunPass(context.Background()))

	require.Equal(t, 0, h.count(t))
	o := h.waitOutcome(t, delivery.OutcomeDropped)
	require.Equal(t, ids[0], o.Event.TransactionID)
}

func TestScheduler_ExpiredEventsDroppedWithoutSend(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	stale := delivery.Event{
		TransactionID:    "stale",
		Type:             delivery.EventTrackVisit,
		Body:             `{}`,
		EnqueueTimestamp: delivery.Timestamp(epoch.Add(-delivery.DefaultRetentionHorizon - time.Hour)),
	}
	require.NoError(t, h.store.Create(context.Background(), stale))
	fresh := h.enqueue(t, 1)

	require.NoError(t, h.sched.RunPass(context.Background()))

	require.Equal(t, fresh, h.sender.Sent())
	require.Equal(t, 0, h.count(t))
	o := h.waitOutcome(t, delivery.OutcomeExpired)
	require.Equal(t, "stale", o.Event.TransactionID)
	require.ErrorIs(t, o.Err, delivery.ErrExpired)
}

func TestScheduler_DrainsInStoreOrderAcrossBatches(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, func(o *delivery.SchedulerOptions) { o.FetchLimit = 2 })
	ids := h.enqueue(t, 5)

	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Equal(t, ids, h.sender.Sent())

	// A second pass over an empty store sends nothing.
	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Len(t, h.sender.Sent(), 5)
}

func TestScheduler_RetriedEventsGoLast(t *testing.T) {
	t.Parallel()

	var failFirst atomic.Bool
	failFirst.Store(true)
	h := newHarness(t, func(_ context.Context, e delivery.Event) error {
		if e.TransactionID == "evt-001" && failFirst.CompareAndSwap(true, false) {
			return delivery.Transient(errors.New("collector busy"))
		}
		return nil
	}, nil)
	h.enqueue(t, 1)
	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Equal(t, 1, h.count(t))

	h.clock.Advance(time.Second)
	h.enqueue(t, 1)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.sched.RunPass(context.Background()))

	// Never-attempted rows sort ahead of retried ones.
	require.Equal(t, []string{"evt-001", "evt-002", "evt-001"}, h.sender.Sent())
	require.Equal(t, 0, h.count(t))
}

func TestScheduler_SuspendAndResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.sched.Suspend()
	require.True(t, h.sched.Suspended())
	h.enqueue(t, 3)

	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Empty(t, h.sender.Sent())
	require.Equal(t, 3, h.count(t))

	h.sched.Resume()
	require.False(t, h.sched.Suspended())
	require.NoError(t, h.sched.RunPass(context.Background()))
	require.Len(t, h.sender.Sent(), 3)
	require.Equal(t, 0, h.count(t))
}

func TestScheduler_CancelDuringSendLeavesRowUntouched(t *testing.T) {
	t.Parallel()

	started := make(chan struct{}, 1)
	h := newHarness(t, func(ctx context.Context, _ delivery.Event) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	h.enqueue(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sched.RunPass(ctx) }()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	rows := h.store.All()
	require.Len(t, rows, 1)
	require.False(t, rows[0].Attempted())
	require.Equal(t, delivery.StateIdle, h.sched.CurrentState())
}

func TestScheduler_ReportsStateChanges(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var states []delivery.State
	h := newHarness(t, nil, func(o *delivery.SchedulerOptions) {
		o.OnStateChange = func(s delivery.State) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		}
	})

	require.NoError(t, h.sched.RunPass(context.Background()))
	h.enqueue(t, 2)
	require.NoError(t, h.sched.RunPass(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []delivery.State{delivery.StateDelivering, delivery.StateIdle}, states)
}

func TestScheduler_RunFlushesOnEnqueue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.start(t)

	h.enqueue(t, 3)
	require.Eventually(t, func() bool { return h.count(t) == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.sender.Sent(), 3)
}

func TestScheduler_RunRejectsSecondCaller(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	h.start(t)

	// A delivered event proves the loop is up.
	h.enqueue(t, 1)
	h.waitOutcome(t, delivery.OutcomeDelivered)

	err := h.sched.Run(context.Background())
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)
}

func TestScheduler_PollIntervalTriggersPass(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	fail.Store(true)
	h := newHarness(t, func(context.Context, delivery.Event) error {
		if fail.Load() {
			return delivery.Transient(nil)
		}
		return nil
	}, func(o *delivery.SchedulerOptions) { o.PollInterval = 45 * time.Second })
	h.start(t)

	h.enqueue(t, 1)
	h.waitOutcome(t, delivery.OutcomeRetry)
	fail.Store(false)

	// Ticker fires at 45s (still cooling down) and again at 90s.
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 1))
	h.clock.Advance(45 * time.Second)
	h.clock.Advance(45 * time.Second)
	h.waitOutcome(t, delivery.OutcomeDelivered)
	require.Equal(t, 0, h.count(t))
}

func TestNewScheduler_Validation(t *testing.T) {
	t.Parallel()

	store := memory.New(memory.Options{})
	sender := delivery.SenderFunc(func(context.Context, delivery.Event) error { return nil })

	_, err := delivery.NewScheduler(nil, sender, delivery.SchedulerOptions{})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	_, err = delivery.NewScheduler(store, nil, delivery.SchedulerOptions{})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	_, err = delivery.NewScheduler(store, sender, delivery.SchedulerOptions{FetchLimit: -1})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	_, err = delivery.NewScheduler(store, sender, delivery.SchedulerOptions{RetryDeadline: -time.Second})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	s, err := delivery.NewScheduler(store, sender, delivery.SchedulerOptions{StartSuspended: true})
	require.NoError(t, err)
	require.True(t, s.Suspended())
	require.Equal(t, delivery.DefaultRetryPolicy(), s.Policy())
}

func TestScheduler_PurgeExpiredSkipsSending(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil)
	old := delivery.Event{
		TransactionID:    "old",
		Type:             delivery.EventSDKLogs,
		Body:             `{}`,
		EnqueueTimestamp: delivery.Timestamp(epoch.Add(-delivery.DefaultRetentionHorizon - time.Minute)),
	}
	require.NoError(t, h.store.Create(context.Background(), old))
	h.enqueue(t, 1)

	n, err := h.sched.PurgeExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, h.sender.Sent())
	require.Equal(t, 1, h.count(t))
}
