package delivery

import "time"

const (
	DefaultRetryDeadline    = 60 * time.Second
	DefaultRetentionHorizon = 180 * 24 * time.Hour
)

// RetryPolicy is a fixed cooldown per event plus an absolute retention horizon.
type RetryPolicy struct {
	RetryDeadline    time.Duration
	RetentionHorizon time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RetryDeadline:    DefaultRetryDeadline,
		RetentionHorizon: DefaultRetentionHorizon,
	}
}

func (p RetryPolicy) IsExpired(e Event, now time.Time) bool {
	return Timestamp(now)-e.EnqueueTimestamp > p.RetentionHorizon.Seconds()
}

func (p RetryPolicy) IsOverdue(e Event, now time.Time) bool {
	return e.RetryTimestamp == 0 || Timestamp(now)-e.RetryTimestamp > p.RetryDeadline.Seconds()
}

func (p RetryPolicy) IsRetriable(e Event, now time.Time) bool {
	return p.IsOverdue(e, now) && !p.IsExpired(e, now)
}

// NextAttemptAt is the earliest time e becomes overdue again.
func (p RetryPolicy) NextAttemptAt(e Event) time.Time {
	if e.RetryTimestamp == 0 {
		return e.EnqueuedAt()
	}
	return FromTimestamp(e.RetryTimestamp).Add(p.RetryDeadline)
}

type Action int

const (
	ActionRetryNow Action = iota
	ActionRetryLater
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionRetryNow:
		return "retry_now"
	case ActionRetryLater:
		return "retry_later"
	default:
		return "drop"
	}
}

type Decision struct {
	Action Action
	// At is set for ActionRetryLater.
	At time.Time
}

// Decide maps an event, the current time and the class of its last failure
// (FailureNone when it has not just failed) to the next step.
func (p RetryPolicy) Decide(e Event, now time.Time, class FailureClass) Decision {
	if p.IsExpired(e, now) || class == FailurePermanent {
		return Decision{Action: ActionDrop}
	}
	if class == FailureTransient {
		return Decision{Action: ActionRetryLater, At: now.Add(p.RetryDeadline)}
	}
	if p.IsOverdue(e, now) {
		return Decision{Action: ActionRetryNow}
	}
	return Decision{Action: ActionRetryLater, At: p.NextAttemptAt(e)}
}

func (p RetryPolicy) validate() error {
	if p.RetryDeadline < 0 {
		return invalidConfig("retry deadline must be non-negative, got %s", p.RetryDeadline)
	}
	if p.RetentionHorizon <= 0 {
		return invalidConfig("retention horizon must be positive, got %s", p.RetentionHorizon)
	}
	return nil
}
