package delivery

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/telemetry-sdk/pkg/eventbus"
)

type SchedulerOptions struct {
	RetryDeadline    time.Duration
	RetentionHorizon time.Duration
	FetchLimit       int
	// PollInterval is the periodic drain trigger.
	PollInterval time.Duration
	SendTimeout  time.Duration
	// ObserveQueueDepthEvery throttles CountEvents calls used for the pending gauge.
	ObserveQueueDepthEvery time.Duration
	// LogBodyMaxLen caps the body preview attached to drop logs.
	LogBodyMaxLen int
	// StartSuspended keeps the scheduler suspended until Resume is called.
	StartSuspended bool

	Classifier *Classifier
	Clock      clockwork.Clock
	Logger     *logrus.Entry

	// Bus receives *Outcome after each processed event when it has subscribers.
	Bus           eventbus.EventBus
	OnStateChange func(State)
}

func (o *SchedulerOptions) setDefaults() {
	if o.RetryDeadline == 0 {
		o.RetryDeadline = DefaultRetryDeadline
	}
	if o.RetentionHorizon == 0 {
		o.RetentionHorizon = DefaultRetentionHorizon
	}
	if o.FetchLimit == 0 {
		o.FetchLimit = 20
	}
	if o.PollInterval == 0 {
		o.PollInterval = 30 * time.Second
	}
	if o.SendTimeout == 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.ObserveQueueDepthEvery == 0 {
		o.ObserveQueueDepthEvery = 10 * time.Second
	}
	if o.LogBodyMaxLen == 0 {
		o.LogBodyMaxLen = 512
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier()
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}

func (o SchedulerOptions) policy() RetryPolicy {
	return RetryPolicy{
		RetryDeadline:    o.RetryDeadline,
		RetentionHorizon: o.RetentionHorizon,
	}
}

type ProducerOptions struct {
	Clock  clockwork.Clock
	Logger *logrus.Entry
	// NewID generates transaction ids; uuid v4 when nil.
	NewID func() string
}

func (o *ProducerOptions) setDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = logrusNop()
	}
}
