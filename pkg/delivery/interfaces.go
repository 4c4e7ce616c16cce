package delivery

import (
	"context"
	"time"
)

// Store is the durable queue. All row mutation goes through it.
type Store interface {
	Create(ctx context.Context, event Event) error
	// Update rewrites the row with the same TransactionID; a missing row is not an error.
	Update(ctx context.Context, event Event) error
	Delete(ctx context.Context, event Event) error
	CountEvents(ctx context.Context) (int, error)
	// Query returns events overdue for retry ordered by RetryTimestamp, then EnqueueTimestamp.
	// fetchLimit <= 0 means no limit.
	Query(ctx context.Context, fetchLimit int, retryDeadline time.Duration) ([]Event, error)
	// QueryExpired returns events older than the store's retention horizon.
	QueryExpired(ctx context.Context) ([]Event, error)
	Erase(ctx context.Context) error
}

// Sender delivers one encoded event. A nil error means the collector accepted it.
type Sender interface {
	Send(ctx context.Context, event Event) error
}

type SenderFunc func(ctx context.Context, event Event) error

func (f SenderFunc) Send(ctx context.Context, event Event) error {
	return f(ctx, event)
}
