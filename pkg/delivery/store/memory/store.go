package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

// Store keeps events in a map. It is not durable and exists for tests and embedding.
type Store struct {
	mu     sync.RWMutex
	events map[string]delivery.Event
	closed atomic.Bool

	retention time.Duration
	clock     clockwork.Clock
}

type Options struct {
	RetentionHorizon time.Duration
	Clock            clockwork.Clock
}

func New(opts Options) *Store {
	if opts.RetentionHorizon == 0 {
		opts.RetentionHorizon = delivery.DefaultRetentionHorizon
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Store{
		events:    make(map[string]delivery.Event),
		retention: opts.RetentionHorizon,
		clock:     opts.Clock,
	}
}

// Close makes every later call fail with a storage error.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Store) Create(ctx context.Context, e delivery.Event) error {
	if err := s.check(ctx, "create"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.TransactionID]; exists {
		return delivery.StorageError("create", fmt.Errorf("duplicate transaction id %q", e.TransactionID))
	}
	s.events[e.TransactionID] = e
	return nil
}

func (s *Store) Update(ctx context.Context, e delivery.Event) error {
	if err := s.check(ctx, "update"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[e.TransactionID]; exists {
		s.events[e.TransactionID] = e
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, e delivery.Event) error {
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events, e.TransactionID)
	return nil
}

func (s *Store) CountEvents(ctx context.Context) (int, error) {
	if err := s.check(ctx, "count"); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (s *Store) Query(ctx context.Context, fetchLimit int, retryDeadline time.Duration) ([]delivery.Event, error) {
	if err := s.check(ctx, "query"); err != nil {
		return nil, err
	}
	policy := delivery.RetryPolicy{RetryDeadline: retryDeadline, RetentionHorizon: s.retention}
	now := s.clock.Now()

	s.mu.RLock()
	out := make([]delivery.Event, 0, len(s.events))
	for _, e := range s.events {
		if policy.IsOverdue(e, now) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortEvents(out)
	if fetchLimit > 0 && len(out) > fetchLimit {
		out = out[:fetchLimit]
	}
	return out, nil
}

func (s *Store) QueryExpired(ctx context.Context) ([]delivery.Event, error) {
	if err := s.check(ctx, "query expired"); err != nil {
		return nil, err
	}
	policy := delivery.RetryPolicy{RetentionHorizon: s.retention}
	now := s.clock.Now()

	s.mu.RLock()
	var out []delivery.Event
	for _, e := range s.events {
		if policy.IsExpired(e, now) {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()

	sortEvents(out)
	return out, nil
}

func (s *Store) Erase(ctx context.Context) error {
	if err := s.check(ctx, "erase"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]delivery.Event)
	return nil
}

func (s *Store) check(ctx context.Context, op string) error {
	if s.closed.Load() {
		return delivery.StorageError(op, fmt.Errorf("store is closed"))
	}
	if err := ctx.Err(); err != nil {
		return delivery.StorageError(op, err)
	}
	return nil
}

func sortEvents(events []delivery.Event) {
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.RetryTimestamp != b.RetryTimestamp {
			return a.RetryTimestamp < b.RetryTimestamp
		}
		if a.EnqueueTimestamp != b.EnqueueTimestamp {
			return a.EnqueueTimestamp < b.EnqueueTimestamp
		}
		return a.TransactionID < b.TransactionID
	})
}

// All returns a snapshot of every stored event in drain order.
func (s *Store) All() []delivery.Event {
	s.mu.RLock()
	out := make([]delivery.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	s.mu.RUnlock()
	sortEvents(out)
	return out
}
