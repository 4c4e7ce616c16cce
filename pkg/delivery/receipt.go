package delivery

import (
	"context"
	"errors"
	"time"
)

// ReceiptTracker persists an event and waits a bounded time for one delivery attempt.
// The wait is the only thing a timeout cancels; the row and any in-flight send are unaffected.
type ReceiptTracker struct {
	store     Store
	scheduler *Scheduler
	m         *metrics
}

func NewReceiptTracker(store Store, scheduler *Scheduler) (*ReceiptTracker, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	if scheduler == nil {
		return nil, invalidConfig("scheduler is required")
	}
	return &ReceiptTracker{store: store, scheduler: scheduler, m: getMetrics()}, nil
}

// Track reports whether an attempt to deliver e completed within timeout.
// Only storage failures are returned as errors.
func (t *ReceiptTracker) Track(ctx context.Context, e Event, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return false, invalidConfig("timeout must be positive, got %s", timeout)
	}

	// Registered before the row exists so a concurrent pass cannot finish it unobserved.
	w := t.scheduler.register(e)
	defer t.scheduler.unregister(w)

	if err := t.store.Create(ctx, e); err != nil {
		return false, err
	}
	t.m.enqueueTotal.WithLabelValues(string(e.Type)).Inc()

	if t.scheduler.Suspended() {
		t.m.receiptTotal.WithLabelValues("suspended").Inc()
		return false, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.scheduler.submit(waitCtx, w); err != nil {
		t.recordWait(err)
		return false, nil
	}

	select {
	case <-w.done:
		t.m.receiptTotal.WithLabelValues("completed").Inc()
		return true, nil
	case <-t.scheduler.stopped:
		t.recordWait(ErrStopped)
		return false, nil
	case <-waitCtx.Done():
		t.recordWait(waitCtx.Err())
		return false, nil
	}
}

func (t *ReceiptTracker) recordWait(err error) {
	switch {
	case errors.Is(err, ErrStopped):
		t.m.receiptTotal.WithLabelValues("stopped").Inc()
	case errors.Is(err, context.DeadlineExceeded):
		t.m.receiptTotal.WithLabelValues("timeout").Inc()
	default:
		t.m.receiptTotal.WithLabelValues("cancelled").Inc()
	}
}
