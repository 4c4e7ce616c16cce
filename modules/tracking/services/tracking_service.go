package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

type Options struct {
	// SessionTimeout is the gap after which a new visit is recorded for a device.
	SessionTimeout time.Duration
	// SyncTimeout bounds synchronous tracking when the caller passes no timeout.
	SyncTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *logrus.Entry
}

// TrackingService turns typed tracker calls into persisted delivery events.
type TrackingService struct {
	producer *delivery.Producer
	opts     Options

	mu         sync.Mutex
	lastVisits map[string]time.Time
	lastPrune  time.Time
}

func NewTrackingService(producer *delivery.Producer, opts Options) *TrackingService {
	if opts.SessionTimeout == 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	if opts.SyncTimeout == 0 {
		opts.SyncTimeout = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TrackingService{
		producer:   producer,
		opts:       opts,
		lastVisits: make(map[string]time.Time),
	}
}

func (s *TrackingService) SyncTimeout() time.Duration {
	return s.opts.SyncTimeout
}

// Track enqueues an already encoded body.
func (s *TrackingService) Track(ctx context.Context, typ delivery.EventType, body json.RawMessage) (delivery.Event, error) {
	if !json.Valid(body) {
		return delivery.Event{}, fmt.Errorf("%w: body is not valid JSON", delivery.ErrInvalidConfig)
	}
	return s.producer.Enqueue(ctx, typ, string(body))
}

// TrackSync enqueues an encoded body and waits up to timeout for one delivery attempt.
func (s *TrackingService) TrackSync(ctx context.Context, typ delivery.EventType, body json.RawMessage, timeout time.Duration) (bool, error) {
	if !json.Valid(body) {
		return false, fmt.Errorf("%w: body is not valid JSON", delivery.ErrInvalidConfig)
	}
	if timeout <= 0 {
		timeout = s.opts.SyncTimeout
	}
	return s.producer.TrackSynchronously(ctx, typ, string(body), timeout)
}

func (s *TrackingService) TrackInstallation(ctx context.Context, dto *InstallationDTO) (delivery.Event, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, err
	}
	return s.enqueue(ctx, delivery.EventInstalled, dto)
}

func (s *TrackingService) TrackInfoUpdated(ctx context.Context, dto *InfoUpdatedDTO) (delivery.Event, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, err
	}
	return s.enqueue(ctx, delivery.EventInfoUpdated, dto)
}

// TrackPushDelivered waits up to timeout (SyncTimeout when zero) for one delivery attempt.
func (s *TrackingService) TrackPushDelivered(ctx context.Context, dto *PushDeliveredDTO, timeout time.Duration) (bool, error) {
	if err := dto.Ok(); err != nil {
		return false, err
	}
	body, err := s.encode(dto)
	if err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = s.opts.SyncTimeout
	}
	return s.producer.TrackSynchronously(ctx, delivery.EventPushDelivered, body, timeout)
}

func (s *TrackingService) TrackClick(ctx context.Context, dto *ClickDTO) (delivery.Event, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, err
	}
	return s.enqueue(ctx, delivery.EventTrackClick, dto)
}

// TrackVisit records a visit unless the device had one within the session window.
// The second return value reports whether an event was enqueued.
func (s *TrackingService) TrackVisit(ctx context.Context, dto *VisitDTO) (delivery.Event, bool, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, false, err
	}

	now := s.opts.Clock.Now()
	s.mu.Lock()
	s.pruneVisitsLocked(now)
	last, seen := s.lastVisits[dto.DeviceID]
	if seen && now.Sub(last) < s.opts.SessionTimeout {
		s.mu.Unlock()
		return delivery.Event{}, false, nil
	}
	s.lastVisits[dto.DeviceID] = now
	s.mu.Unlock()

	e, err := s.enqueue(ctx, delivery.EventTrackVisit, dto)
	if err != nil {
		s.mu.Lock()
		if seen {
			s.lastVisits[dto.DeviceID] = last
		} else {
			delete(s.lastVisits, dto.DeviceID)
		}
		s.mu.Unlock()
		return delivery.Event{}, false, err
	}
	return e, true, nil
}

// pruneVisitsLocked forgets devices whose session window has closed. It runs at most
// once per SessionTimeout.
func (s *TrackingService) pruneVisitsLocked(now time.Time) {
	if now.Sub(s.lastPrune) < s.opts.SessionTimeout {
		return
	}
	s.lastPrune = now
	for device, last := range s.lastVisits {
		if now.Sub(last) >= s.opts.SessionTimeout {
			delete(s.lastVisits, device)
		}
	}
}

func (s *TrackingService) TrackCustomEvent(ctx context.Context, dto *CustomEventDTO) (delivery.Event, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, err
	}
	return s.enqueue(ctx, delivery.EventCustom, dto)
}

func (s *TrackingService) TrackSDKLogs(ctx context.Context, dto *SDKLogsDTO) (delivery.Event, error) {
	if err := dto.Ok(); err != nil {
		return delivery.Event{}, err
	}
	return s.enqueue(ctx, delivery.EventSDKLogs, dto)
}

func (s *TrackingService) enqueue(ctx context.Context, typ delivery.EventType, dto any) (delivery.Event, error) {
	body, err := s.encode(dto)
	if err != nil {
		return delivery.Event{}, err
	}
	e, err := s.producer.Enqueue(ctx, typ, body)
	if err != nil {
		return delivery.Event{}, err
	}
	s.opts.Logger.WithFields(logrus.Fields{
		"transaction_id": e.TransactionID,
		"type":           string(typ),
	}).Debug("tracking: event enqueued")
	return e, nil
}

type envelope struct {
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

func (s *TrackingService) encode(dto any) (string, error) {
	b, err := json.Marshal(envelope{Data: dto, Timestamp: delivery.Timestamp(s.opts.Clock.Now())})
	if err != nil {
		return "", fmt.Errorf("%w: encode body: %v", delivery.ErrInvalidConfig, err)
	}
	return string(b), nil
}
