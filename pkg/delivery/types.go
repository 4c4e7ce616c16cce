package delivery

import (
	"fmt"
	"math"
	"time"
)

type EventType string

const (
	EventInstalled     EventType = "installed"
	EventInfoUpdated   EventType = "infoUpdated"
	EventPushDelivered EventType = "pushDelivered"
	EventTrackClick    EventType = "trackClick"
	EventTrackVisit    EventType = "trackVisit"
	EventCustom        EventType = "customEvent"
	EventSDKLogs       EventType = "sdkLogs"
)

var knownEventTypes = map[EventType]struct{}{
	EventInstalled:     {},
	EventInfoUpdated:   {},
	EventPushDelivered: {},
	EventTrackClick:    {},
	EventTrackVisit:    {},
	EventCustom:        {},
	EventSDKLogs:       {},
}

func (t EventType) Valid() bool {
	_, ok := knownEventTypes[t]
	return ok
}

func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.Valid() {
		return "", invalidConfig("unknown event type %q", s)
	}
	return t, nil
}

// Event is one durable unit of work awaiting delivery.
// Timestamps are wall-clock seconds; RetryTimestamp is 0 until the first failed attempt.
type Event struct {
	TransactionID    string    `db:"transaction_id" json:"transactionId"`
	Type             EventType `db:"type" json:"type"`
	Body             string    `db:"body" json:"body"`
	EnqueueTimestamp float64   `db:"enqueue_timestamp" json:"enqueueTimestamp"`
	RetryTimestamp   float64   `db:"retry_timestamp" json:"retryTimestamp"`
}

func (e Event) Attempted() bool {
	return e.RetryTimestamp != 0
}

func (e Event) EnqueuedAt() time.Time {
	return FromTimestamp(e.EnqueueTimestamp)
}

// MarkRetried bumps RetryTimestamp to now, never below EnqueueTimestamp.
func (e Event) MarkRetried(now time.Time) Event {
	e.RetryTimestamp = math.Max(Timestamp(now), e.EnqueueTimestamp)
	return e
}

func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func FromTimestamp(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

type State int32

const (
	StateIdle State = iota
	StateDelivering
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDelivering:
		return "delivering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "delivering":
		*s = StateDelivering
	default:
		return fmt.Errorf("unknown delivery state %q", text)
	}
	return nil
}

type OutcomeResult string

const (
	OutcomeDelivered OutcomeResult = "delivered"
	OutcomeRetry     OutcomeResult = "retry"
	OutcomeDropped   OutcomeResult = "dropped"
	OutcomeExpired   OutcomeResult = "expired"
)

// Outcome is published on the scheduler's event bus after each processed event.
type Outcome struct {
	Event  Event
	Result OutcomeResult
	Err    error
}
