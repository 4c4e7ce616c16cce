package httpsender

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/iota-uz/telemetry-sdk/pkg/delivery"
)

const (
	HeaderEventType     = "X-Event-Type"
	HeaderTransactionID = "X-Transaction-Id"
	HeaderEnqueuedAt    = "X-Enqueue-Timestamp"
	HeaderRetry         = "X-Retry"

	maxErrorBody = 4 << 10
)

type Options struct {
	// URL is the collector endpoint events are POSTed to.
	URL string
	// Client defaults to an http.Client with Timeout.
	Client  *http.Client
	Timeout time.Duration
	// Headers are added to every request, e.g. an API key.
	Headers   map[string]string
	UserAgent string
}

func (o *Options) setDefaults() {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Client == nil {
		o.Client = &http.Client{Timeout: o.Timeout}
	}
	if o.UserAgent == "" {
		o.UserAgent = "telemetry-sdk"
	}
}

// Sender POSTs one event body per request to a collector.
type Sender struct {
	url  string
	opts Options
}

func New(opts Options) (*Sender, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid collector url %q", delivery.ErrInvalidConfig, opts.URL)
	}
	opts.setDefaults()
	return &Sender{url: u.String(), opts: opts}, nil
}

func (s *Sender) Send(ctx context.Context, e delivery.Event) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewBufferString(e.Body))
	if err != nil {
		return delivery.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.opts.UserAgent)
	req.Header.Set(HeaderEventType, string(e.Type))
	req.Header.Set(HeaderTransactionID, e.TransactionID)
	req.Header.Set(HeaderEnqueuedAt, strconv.FormatFloat(e.EnqueueTimestamp, 'f', 3, 64))
	if e.Attempted() {
		req.Header.Set(HeaderRetry, "1")
	}
	for k, v := range s.opts.Headers {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &delivery.StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}
