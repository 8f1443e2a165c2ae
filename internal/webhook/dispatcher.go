// Package webhook delivers order lifecycle events to a configured HTTP
// endpoint. Events are read from a durable outbox, signed, and posted with
// exponential backoff; events that exhaust their retries are parked in a
// dead-letter state for operator inspection.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"tradesvc/internal/domain"
	"tradesvc/internal/store"
	"tradesvc/internal/util"
)

const (
	// SignatureHeader carries the hex HMAC-SHA256 of the request body.
	SignatureHeader = "X-Signature"

	pollInterval = time.Second
	batchSize    = 32
)

// Dispatcher drains the webhook outbox. One dispatcher runs per process;
// events for the same order are delivered strictly in sequence order because
// the store only surfaces an order's earliest pending event.
type Dispatcher struct {
	store       store.EventStore
	url         string
	secret      string
	client      *http.Client
	log         *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	nudge       chan struct{}
}

// Options tunes dispatcher retry behavior.
type Options struct {
	URL            string
	Secret         string
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	RequestTimeout time.Duration
}

// NewDispatcher creates a dispatcher delivering to opts.URL. An empty URL
// yields a dispatcher whose Start is a no-op; events stay queued.
func NewDispatcher(st store.EventStore, opts Options, log *slog.Logger) *Dispatcher {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 8
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	return &Dispatcher{
		store:       st,
		url:         opts.URL,
		secret:      opts.Secret,
		client:      &http.Client{Timeout: timeout},
		log:         log,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		nudge:       make(chan struct{}, 1),
	}
}

// Nudge wakes the dispatch loop early. Called after new events are
// enqueued so freshly created events do not wait a full poll interval.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Start runs the dispatch loop until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.url == "" {
		d.log.Info("webhook delivery disabled, events will remain queued")
		return
	}
	d.log.Info("webhook dispatcher started", "url", d.url, "max_attempts", d.maxAttempts)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.nudge:
		}
	}
}

// drain attempts delivery of every currently due event.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		events, err := d.store.DueEvents(ctx, time.Now(), batchSize)
		if err != nil {
			d.log.Error("loading due events", "error", err)
			return
		}
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return
			}
			d.deliver(ctx, &ev)
		}
	}
}

// deliver makes one delivery attempt and records its outcome.
func (d *Dispatcher) deliver(ctx context.Context, ev *domain.WebhookEvent) {
	statusCode, err := d.post(ctx, ev.Payload)
	if err == nil && statusCode >= 200 && statusCode < 300 {
		if merr := d.store.MarkEventDelivered(ctx, ev.ID, statusCode); merr != nil {
			d.log.Error("recording delivery", "event_id", ev.ID, "error", merr)
			return
		}
		d.log.Info("webhook delivered",
			"event_id", ev.ID, "order_id", ev.OrderID, "event", ev.Event,
			"seq", ev.Seq, "attempt", ev.Attempts+1, "status", statusCode)
		return
	}

	attempt := ev.Attempts + 1
	dead := attempt >= d.maxAttempts
	nextAttempt := time.Now().Add(util.Backoff(ev.Attempts, d.baseDelay, d.maxDelay))
	if merr := d.store.MarkEventFailed(ctx, ev.ID, statusCode, nextAttempt, dead); merr != nil {
		d.log.Error("recording delivery failure", "event_id", ev.ID, "error", merr)
		return
	}

	logArgs := []any{
		"event_id", ev.ID, "order_id", ev.OrderID, "event", ev.Event,
		"seq", ev.Seq, "attempt", attempt, "status", statusCode,
	}
	if err != nil {
		logArgs = append(logArgs, "error", err)
	}
	if dead {
		d.log.Error("webhook dead-lettered", logArgs...)
	} else {
		d.log.Warn("webhook delivery failed, will retry",
			append(logArgs, "next_attempt_at", nextAttempt)...)
	}
}

// post sends one signed request. A non-nil error means the endpoint was
// never reached; the returned status code is zero in that case.
func (d *Dispatcher) post(ctx context.Context, payload []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(payload, d.secret))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of body under the shared secret.
// Consumers recompute this over the raw request body to authenticate the
// payload.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
