package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/domain"
	"github.com/cncaiprojem/jobcore/pkg/jsonx"
)

// Header names carried on enqueued messages.
const (
	HeaderTaskID        = "x-task-id"
	HeaderAttempt       = "x-attempt"
	HeaderLastException = "x-last-exception"
	HeaderRecovered     = "x-recovered-from-dlq"
	HeaderJobID         = "x-job-id"
	HeaderEventType     = "x-event-type"
	HeaderStatus        = "x-status"
)

// Publisher owns one long-lived confirm-mode channel, guarded by a mutex so
// concurrent publishes from request handlers serialize cheaply. Channel loss
// is repaired by opening a fresh one on the next publish.
type Publisher struct {
	client         *Client
	publishTimeout time.Duration
	retries        int

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher constructs a Publisher; the channel is opened lazily.
func NewPublisher(client *Client, publishTimeout time.Duration, retries int) *Publisher {
	if publishTimeout <= 0 {
		publishTimeout = 5 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	return &Publisher{client: client, publishTimeout: publishTimeout, retries: retries}
}

// PublishJob publishes a job envelope to the primary exchange and waits for
// the broker confirm. Transport failures after the retry budget surface as
// domain.ErrTransport so the dispatcher can mark the job failed.
func (p *Publisher) PublishJob(ctx domain.Context, env domain.Envelope, priority domain.Priority) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=publish.job: %w", err)
	}
	headers := amqp.Table{
		HeaderTaskID:  env.JobID,
		HeaderAttempt: int32(env.Attempt),
	}
	if env.LastException != "" {
		headers[HeaderLastException] = env.LastException
	}
	if env.Recovered {
		headers[HeaderRecovered] = true
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     priority.BrokerPriority(),
		MessageId:    env.JobID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
	if err := p.publishConfirmed(ctx, ExchangeJobs, RoutingKey(env.Class), msg); err != nil {
		return fmt.Errorf("op=publish.job: %w: %v", domain.ErrTransport, err)
	}
	return nil
}

// PublishDLQ writes a gzip'd DLQ record to the class dead-letter exchange.
// Best effort: confirms are still requested, but failures are for the caller
// to log, never to roll back state.
func (p *Publisher) PublishDLQ(ctx domain.Context, class string, rec domain.DLQRecord) error {
	body, err := jsonx.MarshalGzip(rec)
	if err != nil {
		return fmt.Errorf("op=publish.dlq: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		DeliveryMode:    amqp.Persistent,
		MessageId:       rec.TaskID,
		Timestamp:       time.Now().UTC(),
		Headers: amqp.Table{
			HeaderTaskID:  rec.TaskID,
			HeaderAttempt: int32(rec.AttemptCount),
		},
		Body: body,
	}
	if err := p.publishConfirmed(ctx, DLXName(class), DLQCatchAllKey, msg); err != nil {
		return fmt.Errorf("op=publish.dlq: %w", err)
	}
	return nil
}

// PublishEvent publishes a lifecycle event to the topic exchange. Retried up
// to two times with a fresh channel on connection loss; never blocks state
// changes (callers treat errors as log-and-continue).
func (p *Publisher) PublishEvent(ctx domain.Context, ev domain.LifecycleEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=publish.event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    ev.Timestamp,
		Headers: amqp.Table{
			HeaderJobID:     ev.JobID,
			HeaderEventType: ev.EventType,
			HeaderStatus:    string(ev.Status),
			HeaderAttempt:   int32(ev.Attempt),
		},
		Body: body,
	}
	var lastErr error
	for attempt := 0; attempt <= 2; attempt++ {
		if attempt > 0 {
			p.dropChannel()
			slog.Debug("retrying event publish with fresh channel",
				slog.String("job_id", ev.JobID), slog.Int("attempt", attempt))
		}
		if lastErr = p.publishConfirmed(ctx, ExchangeEvents, EventRoutingKey, msg); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("op=publish.event: %w", lastErr)
}

// publishConfirmed publishes one message and waits for the broker confirm
// within the publish timeout, retrying channel-level failures.
func (p *Publisher) publishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			p.dropChannel()
		}
		lastErr = p.tryPublish(ctx, exchange, key, msg)
		if lastErr == nil {
			return nil
		}
		slog.Warn("publish attempt failed",
			slog.String("exchange", exchange),
			slog.String("routing_key", key),
			slog.Int("attempt", attempt),
			slog.Any("error", lastErr))
	}
	return lastErr
}

func (p *Publisher) tryPublish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.client.ConfirmChannel(ctx)
		if err != nil {
			return err
		}
		p.ch = ch
	}
	pubCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(pubCtx, exchange, key, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(pubCtx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("broker nacked publish to %s/%s", exchange, key)
	}
	return nil
}

func (p *Publisher) dropChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close releases the publisher channel.
func (p *Publisher) Close() error {
	p.dropChannel()
	return nil
}

// HeaderString extracts a string header from an AMQP table, tolerating the
// numeric types the client library may hand back.
func HeaderString(t amqp.Table, key string) string {
	switch v := t[key].(type) {
	case string:
		return v
	case int32:
		return strconv.Itoa(int(v))
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// HeaderInt extracts an integer header from an AMQP table.
func HeaderInt(t amqp.Table, key string) int {
	switch v := t[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}
