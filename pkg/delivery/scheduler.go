package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("telemetry-sdk/delivery")

const lastErrorMaxLen = 2048

// Scheduler drains the store through the sender, one event at a time.
type Scheduler struct {
	store  Store
	sender Sender
	opts   SchedulerOptions
	policy RetryPolicy
	m      *metrics

	state     atomic.Int32
	suspended atomic.Bool

	// work serializes drain passes and receipt attempts so only one send is in flight.
	work sync.Mutex

	trigger  chan struct{}
	attempts chan *waiter
	stopped  chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu      sync.Mutex
	waiters map[string]*waiter

	nextDepthAt time.Time
}

type waiter struct {
	event Event
	done  chan struct{}
	once  sync.Once
}

func (w *waiter) complete() {
	w.once.Do(func() { close(w.done) })
}

func NewScheduler(store Store, sender Sender, opts SchedulerOptions) (*Scheduler, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if sender == nil {
		return nil, invalidConfig("sender is required")
	}
	opts.setDefaults()
	if opts.FetchLimit < 0 {
		return nil, invalidConfig("fetch limit must be non-negative, got %d", opts.FetchLimit)
	}
	if opts.PollInterval < 0 {
		return nil, invalidConfig("poll interval must be non-negative, got %s", opts.PollInterval)
	}

	s := &Scheduler{
		store:    store,
		sender:   sender,
		opts:     opts,
		policy:   opts.policy(),
		m:        getMetrics(),
		trigger:  make(chan struct{}, 1),
		attempts: make(chan *waiter, 64),
		stopped:  make(chan struct{}),
		waiters:  make(map[string]*waiter),
	}
	if err := s.policy.validate(); err != nil {
		return nil, err
	}
	if opts.StartSuspended {
		s.suspended.Store(true)
		s.m.suspended.Set(1)
	}
	return s, nil
}

func (s *Scheduler) Policy() RetryPolicy {
	return s.policy
}

func (s *Scheduler) CurrentState() State {
	return State(s.state.Load())
}

func (s *Scheduler) Suspended() bool {
	return s.suspended.Load()
}

// Suspend blocks new drain passes and stops a running pass between events.
func (s *Scheduler) Suspend() {
	if s.suspended.CompareAndSwap(false, true) {
		s.m.suspended.Set(1)
		s.opts.Logger.Info("delivery: operations suspended")
	}
}

func (s *Scheduler) Resume() {
	if s.suspended.CompareAndSwap(true, false) {
		s.m.suspended.Set(0)
		s.opts.Logger.Info("delivery: operations resumed")
	}
	s.FlushNow()
}

// FlushNow requests a drain pass without blocking.
func (s *Scheduler) FlushNow() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Foreground is the app-foreground trigger.
func (s *Scheduler) Foreground() {
	s.FlushNow()
}

// Run owns the drain loop until ctx is done. Pending receipt waits are released on return.
func (s *Scheduler) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if !s.running.CompareAndSwap(false, true) {
		return invalidConfig("scheduler is already running")
	}
	defer s.stopOnce.Do(func() { close(s.stopped) })

	var tick <-chan time.Time
	if s.opts.PollInterval > 0 {
		ticker := s.opts.Clock.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	// Events persisted before a restart are drained right away.
	s.FlushNow()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case w := <-s.attempts:
			if err := s.attempt(ctx, w); err != nil && isContextErr(err) {
				return err
			}
			continue
		case <-tick:
		case <-s.trigger:
		}

		if err := s.RunPass(ctx); err != nil {
			if isContextErr(err) && ctx.Err() != nil {
				return err
			}
			s.opts.Logger.WithError(err).Warn("delivery: drain pass failed")
		}
	}
}

// RunPass performs one drain pass synchronously: expiry sweep, then every overdue
// event in store order until none remain.
func (s *Scheduler) RunPass(ctx context.Context) error {
	s.work.Lock()
	defer s.work.Unlock()

	if s.suspended.Load() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "delivery.drain")
	defer span.End()
	defer s.setState(StateIdle)

	processed, err := s.drain(ctx)
	span.SetAttributes(attribute.Int("delivery.processed", processed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	s.observeQueueDepth(ctx)
	return err
}

// PurgeExpired runs only the expiry sweep and reports how many events it dropped.
func (s *Scheduler) PurgeExpired(ctx context.Context) (int, error) {
	s.work.Lock()
	defer s.work.Unlock()
	defer s.setState(StateIdle)
	return s.sweepExpired(ctx)
}

func (s *Scheduler) drain(ctx context.Context) (int, error) {
	if _, err := s.sweepExpired(ctx); err != nil {
		return 0, err
	}

	handled := make(map[string]struct{})
	for {
		if s.suspended.Load() {
			return len(handled), nil
		}
		batch, err := s.store.Query(ctx, s.opts.FetchLimit, s.opts.RetryDeadline)
		if err != nil {
			return len(handled), err
		}

		progressed := false
		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return len(handled), err
			}
			if s.suspended.Load() {
				return len(handled), nil
			}
			if err := s.serviceAttempts(ctx, handled); err != nil {
				return len(handled), err
			}
			if _, ok := handled[e.TransactionID]; ok {
				continue
			}
			handled[e.TransactionID] = struct{}{}
			progressed = true
			if err := s.process(ctx, e); err != nil {
				return len(handled), err
			}
		}
		if !progressed {
			return len(handled), nil
		}
	}
}

// serviceAttempts runs receipt attempts queued while a pass is in progress.
func (s *Scheduler) serviceAttempts(ctx context.Context, handled map[string]struct{}) error {
	for {
		select {
		case w := <-s.attempts:
			if _, ok := handled[w.event.TransactionID]; ok {
				w.complete()
				continue
			}
			if !s.isWaiting(w) {
				continue
			}
			handled[w.event.TransactionID] = struct{}{}
			if err := s.process(ctx, w.event); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Scheduler) attempt(ctx context.Context, w *waiter) error {
	s.work.Lock()
	defer s.work.Unlock()

	if s.suspended.Load() || !s.isWaiting(w) {
		return nil
	}
	defer s.setState(StateIdle)

	err := s.process(ctx, w.event)
	if err != nil && !isContextErr(err) {
		s.opts.Logger.WithError(err).WithFields(logFields(w.event)).Warn("delivery: receipt attempt failed")
	}
	return err
}

func (s *Scheduler) sweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.QueryExpired(ctx)
	if err != nil {
		return 0, err
	}
	for i, e := range expired {
		s.setState(StateDelivering)
		if err := s.store.Delete(ctx, e); err != nil {
			return i, err
		}
		s.recordExpired(e)
	}
	return len(expired), nil
}

// process sends one event and applies the outcome to the store. If ctx is cancelled
// while the send is in flight the row is left exactly as it was.
func (s *Scheduler) process(ctx context.Context, e Event) error {
	s.setState(StateDelivering)
	now := s.opts.Clock.Now()
	if s.policy.IsExpired(e, now) {
		if err := s.store.Delete(ctx, e); err != nil {
			return err
		}
		s.recordExpired(e)
		return nil
	}

	ctx, span := tracer.Start(ctx, "delivery.send", trace.WithAttributes(
		attribute.String("delivery.transaction_id", e.TransactionID),
		attribute.String("delivery.type", string(e.Type)),
		attribute.Bool("delivery.retry", e.Attempted()),
	))
	defer span.End()

	sendCtx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
	start := time.Now()
	sendErr := s.sender.Send(sendCtx, e)
	latency := time.Since(start)
	cancel()

	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return err
	}

	class := s.opts.Classifier.ClassifyError(sendErr)
	log := s.opts.Logger.WithFields(logFields(e))
	switch class {
	case FailureNone:
		if err := s.store.Delete(ctx, e); err != nil {
			return err
		}
		s.recordSend(e, OutcomeDelivered, latency)
		s.publish(e, OutcomeDelivered, nil)
		log.Debug("delivery: event delivered")

	case FailurePermanent:
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "permanent")
		if err := s.store.Delete(ctx, e); err != nil {
			return err
		}
		s.recordSend(e, OutcomeDropped, latency)
		s.publish(e, OutcomeDropped, sendErr)
		log.WithFields(logrus.Fields{
			"last_error": previewError(sendErr, lastErrorMaxLen),
			"body":       preview(e.Body, s.opts.LogBodyMaxLen),
		}).Warn("delivery: permanent send failure, event dropped")

	default:
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "transient")
		retried := e.MarkRetried(s.opts.Clock.Now())
		if err := s.store.Update(ctx, retried); err != nil {
			return err
		}
		s.recordSend(e, OutcomeRetry, latency)
		s.publish(retried, OutcomeRetry, sendErr)
		log.WithError(errors.Join(ErrTransientSend, sendErr)).
			WithField("next_attempt_at", s.policy.NextAttemptAt(retried)).
			Info("delivery: transient send failure, retry scheduled")
	}

	s.complete(e.TransactionID)
	return nil
}

func (s *Scheduler) register(e Event) *waiter {
	w := &waiter{event: e, done: make(chan struct{})}
	s.mu.Lock()
	s.waiters[e.TransactionID] = w
	s.mu.Unlock()
	return w
}

func (s *Scheduler) unregister(w *waiter) {
	s.mu.Lock()
	if cur, ok := s.waiters[w.event.TransactionID]; ok && cur == w {
		delete(s.waiters, w.event.TransactionID)
	}
	s.mu.Unlock()
}

func (s *Scheduler) isWaiting(w *waiter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.waiters[w.event.TransactionID]
	return ok && cur == w
}

func (s *Scheduler) complete(transactionID string) {
	s.mu.Lock()
	w, ok := s.waiters[transactionID]
	if ok {
		delete(s.waiters, transactionID)
	}
	s.mu.Unlock()
	if ok {
		w.complete()
	}
}

// submit hands a receipt attempt to the Run loop. It fails fast once Run has returned.
func (s *Scheduler) submit(ctx context.Context, w *waiter) error {
	select {
	case s.attempts <- w:
		return nil
	case <-s.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	if st == StateDelivering {
		s.m.state.Set(1)
	} else {
		s.m.state.Set(0)
	}
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func (s *Scheduler) observeQueueDepth(ctx context.Context) {
	now := s.opts.Clock.Now()
	if now.Before(s.nextDepthAt) {
		return
	}
	s.nextDepthAt = now.Add(s.opts.ObserveQueueDepthEvery)
	n, err := s.store.CountEvents(ctx)
	if err != nil {
		s.opts.Logger.WithError(err).Debug("delivery: observe queue depth failed")
		return
	}
	s.m.pending.Set(float64(n))
}

func (s *Scheduler) recordSend(e Event, result OutcomeResult, latency time.Duration) {
	s.m.sendTotal.WithLabelValues(string(e.Type), string(result)).Inc()
	s.m.sendLatency.WithLabelValues(string(e.Type), string(result)).Observe(latency.Seconds())
}

func (s *Scheduler) recordExpired(e Event) {
	s.m.expiredTotal.WithLabelValues(string(e.Type)).Inc()
	s.publish(e, OutcomeExpired, ErrExpired)
	s.opts.Logger.WithError(ErrExpired).WithFields(logFields(e)).Info("delivery: event expired, dropped")
	s.complete(e.TransactionID)
}

func (s *Scheduler) publish(e Event, result OutcomeResult, err error) {
	if s.opts.Bus == nil || s.opts.Bus.SubscribersCount() == 0 {
		return
	}
	s.opts.Bus.Publish(&Outcome{Event: e, Result: result, Err: err})
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
