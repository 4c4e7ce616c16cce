package eventbus

import (
	"context"
	"errors"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
	"github.com/iota-uz/telemetry-sdk/pkg/eventbus"
)

// Sender hands events to in-process subscribers.
// Subscribers take *delivery.Event and may return an error:
//   - func(e *delivery.Event) error
//   - func(ctx context.Context, e *delivery.Event) error
type Sender struct {
	bus eventbus.EventBusWithError
}

func New(bus eventbus.EventBusWithError) *Sender {
	return &Sender{bus: bus}
}

func (s *Sender) Send(ctx context.Context, e delivery.Event) error {
	err := s.bus.PublishE(&e)
	if errors.Is(err, eventbus.ErrNoSubscribers) {
		err = s.bus.PublishE(ctx, &e)
	}
	if errors.Is(err, eventbus.ErrNoSubscribers) {
		// Nobody is listening yet; keep the event for a later pass.
		return delivery.Transient(err)
	}
	return err
}
