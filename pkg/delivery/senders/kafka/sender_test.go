package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

type fakeProducer struct {
	msgs []kafka.Message
	err  error
}

func (p *fakeProducer) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestSender_WritesKeyedMessage(t *testing.T) {
	t.Parallel()

	p := &fakeProducer{}
	s := NewWithProducer(p, "telemetry.events")

	err := s.Send(context.Background(), delivery.Event{
		TransactionID:    "tx-9",
		Type:             delivery.EventInstalled,
		Body:             `{"device":"d1"}`,
		EnqueueTimestamp: 1_800_000_000.5,
	})
	require.NoError(t, err)
	require.Len(t, p.msgs, 1)

	msg := p.msgs[0]
	require.Equal(t, "telemetry.events", msg.Topic)
	require.Equal(t, "tx-9", string(msg.Key))
	require.JSONEq(t, `{"device":"d1"}`, string(msg.Value))
	require.Equal(t, "installed", header(msg, "event_type"))
	require.Equal(t, "tx-9", header(msg, "transaction_id"))
	require.Equal(t, "1800000000.500", header(msg, "enqueue_timestamp"))
}

func TestSender_ErrorClassification(t *testing.T) {
	t.Parallel()

	classifier := delivery.DefaultClassifier()

	err := NewWithProducer(&fakeProducer{err: kafka.MessageSizeTooLarge}, "t").Send(context.Background(), delivery.Event{})
	require.Equal(t, delivery.FailurePermanent, classifier.ClassifyError(err))

	err = NewWithProducer(&fakeProducer{err: kafka.LeaderNotAvailable}, "t").Send(context.Background(), delivery.Event{})
	require.Equal(t, delivery.FailureTransient, classifier.ClassifyError(err))

	err = NewWithProducer(&fakeProducer{err: errors.New("dial tcp: connection refused")}, "t").Send(context.Background(), delivery.Event{})
	require.Equal(t, delivery.FailureTransient, classifier.ClassifyError(err))
}

func TestSender_WriteErrorsClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  kafka.WriteErrors
		want error
	}{
		{name: "too large", err: kafka.WriteErrors{kafka.MessageSizeTooLarge}, want: delivery.ErrPermanentSend},
		{name: "unauthorized topic", err: kafka.WriteErrors{kafka.TopicAuthorizationFailed}, want: delivery.ErrPermanentSend},
		{name: "leader moved", err: kafka.WriteErrors{kafka.NotLeaderForPartition}, want: delivery.ErrTransientSend},
		{name: "mixed", err: kafka.WriteErrors{kafka.MessageSizeTooLarge, kafka.LeaderNotAvailable}, want: delivery.ErrTransientSend},
		{name: "network", err: kafka.WriteErrors{errors.New("broken pipe")}, want: delivery.ErrTransientSend},
		{name: "nil entries skipped", err: kafka.WriteErrors{nil, kafka.MessageSizeTooLarge}, want: delivery.ErrPermanentSend},
		{name: "all nil", err: kafka.WriteErrors{nil}, want: delivery.ErrTransientSend},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewWithProducer(&fakeProducer{err: tt.err}, "t").Send(context.Background(), delivery.Event{})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewWriter_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(Options{Topic: "t"})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	_, err = NewWriter(Options{Brokers: []string{"localhost:9092"}})
	require.ErrorIs(t, err, delivery.ErrInvalidConfig)

	w, err := NewWriter(Options{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.Equal(t, "t", w.Topic)
	require.Equal(t, kafka.RequireAll, w.RequiredAcks)
}
