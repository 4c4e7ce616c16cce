package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Producer is the entry point for trackers: persist first, then signal the scheduler.
type Producer struct {
	store     Store
	scheduler *Scheduler
	receipts  *ReceiptTracker
	opts      ProducerOptions
	m         *metrics
}

func NewProducer(store Store, scheduler *Scheduler, opts ProducerOptions) (*Producer, error) {
	receipts, err := NewReceiptTracker(store, scheduler)
	if err != nil {
		return nil, err
	}
	opts.setDefaults()
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Producer{
		store:     store,
		scheduler: scheduler,
		receipts:  receipts,
		opts:      opts,
		m:         getMetrics(),
	}, nil
}

// NewEvent builds an unsent event stamped with a fresh transaction id.
func (p *Producer) NewEvent(typ EventType, body string) (Event, error) {
	if !typ.Valid() {
		return Event{}, invalidConfig("unknown event type %q", typ)
	}
	if body == "" {
		return Event{}, invalidConfig("event body is required")
	}
	return Event{
		TransactionID:    p.opts.NewID(),
		Type:             typ,
		Body:             body,
		EnqueueTimestamp: Timestamp(p.opts.Clock.Now()),
	}, nil
}

// Enqueue persists the event and signals the scheduler. It never waits on the network.
func (p *Producer) Enqueue(ctx context.Context, typ EventType, body string) (Event, error) {
	e, err := p.NewEvent(typ, body)
	if err != nil {
		return Event{}, err
	}
	if err := p.store.Create(ctx, e); err != nil {
		p.opts.Logger.WithError(err).WithFields(logFields(e)).Error("delivery: enqueue failed")
		return Event{}, err
	}
	p.m.enqueueTotal.WithLabelValues(string(e.Type)).Inc()
	p.scheduler.FlushNow()
	return e, nil
}

// TrackSynchronously persists the event and waits up to timeout for one delivery attempt.
func (p *Producer) TrackSynchronously(ctx context.Context, typ EventType, body string, timeout time.Duration) (bool, error) {
	e, err := p.NewEvent(typ, body)
	if err != nil {
		return false, err
	}
	ok, err := p.receipts.Track(ctx, e, timeout)
	if err != nil {
		p.opts.Logger.WithError(err).WithFields(logFields(e)).Error("delivery: synchronous track failed")
	}
	return ok, err
}
