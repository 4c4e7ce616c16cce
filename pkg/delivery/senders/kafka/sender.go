package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

// Producer is the subset of *kafka.Writer the sender needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Options struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single produce request.
	WriteTimeout time.Duration
}

// Sender publishes each event as one message keyed by transaction id.
type Sender struct {
	producer Producer
	topic    string
}

// NewWriter builds a writer that waits for all in-sync replicas.
func NewWriter(opts Options) (*kafka.Writer, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers are required", delivery.ErrInvalidConfig)
	}
	if strings.TrimSpace(opts.Topic) == "" {
		return nil, fmt.Errorf("%w: kafka topic is required", delivery.ErrInvalidConfig)
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: opts.WriteTimeout,
		// One event per call; batching would hold a send until BatchTimeout.
		BatchSize: 1,
	}, nil
}

func New(opts Options) (*Sender, error) {
	w, err := NewWriter(opts)
	if err != nil {
		return nil, err
	}
	return &Sender{producer: w}, nil
}

// NewWithProducer wires an existing producer. topic may be empty when the producer sets one.
func NewWithProducer(p Producer, topic string) *Sender {
	return &Sender{producer: p, topic: topic}
}

func (s *Sender) Send(ctx context.Context, e delivery.Event) error {
	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(e.Type)},
		{Key: "transaction_id", Value: []byte(e.TransactionID)},
		{Key: "enqueue_timestamp", Value: []byte(strconv.FormatFloat(e.EnqueueTimestamp, 'f', 3, 64))},
	}
	headers = injectTrace(ctx, headers)

	err := s.producer.WriteMessages(ctx, kafka.Message{
		Topic:   s.topic,
		Key:     []byte(e.TransactionID),
		Value:   []byte(e.Body),
		Headers: headers,
	})
	if err == nil {
		return nil
	}
	if permanent(err) {
		return delivery.Permanent(err)
	}
	return delivery.Transient(err)
}

// permanent reports whether the broker rejected the write for good. A synchronous
// writer returns WriteErrors, which counts only when every failed message is non-retriable.
func permanent(err error) bool {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		failed := 0
		for _, e := range werrs {
			if e == nil {
				continue
			}
			if !permanent(e) {
				return false
			}
			failed++
		}
		return failed > 0
	}
	var kerr kafka.Error
	return errors.As(err, &kerr) && !kerr.Temporary()
}

func (s *Sender) Close() error {
	return s.producer.Close()
}

func injectTrace(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
