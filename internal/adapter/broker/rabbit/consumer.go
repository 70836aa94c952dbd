package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

// Delivery is one in-flight job message. The handler must settle it exactly
// once: Ack after the terminal transition or once a retry is scheduled,
// Reject(false) to dead-letter via the queue's DLX.
type Delivery struct {
	Envelope domain.Envelope
	Queue    string
	Headers  amqp.Table

	d amqp.Delivery
}

// Ack acknowledges the message.
func (d Delivery) Ack() error { return d.d.Ack(false) }

// Reject settles the message negatively; requeue=false routes it to the
// class DLX.
func (d Delivery) Reject(requeue bool) error { return d.d.Reject(requeue) }

// Handler processes one delivery. Settlement is the handler's job; the
// consumer only rejects messages it cannot even decode.
type Handler func(ctx context.Context, del Delivery)

// Consumer drains one class queue with bounded prefetch and manual acks.
type Consumer struct {
	client   *Client
	queue    string
	prefetch int
}

// NewConsumer constructs a consumer for a class queue.
func NewConsumer(client *Client, queue string, prefetch int) *Consumer {
	if prefetch <= 0 {
		prefetch = 8
	}
	return &Consumer{client: client, queue: queue, prefetch: prefetch}
}

// Consume runs the delivery loop until ctx is done, re-opening the channel
// when the broker drops it. On worker loss unacked messages requeue broker-side.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.consumeOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("consume loop interrupted, re-opening channel",
				slog.String("queue", c.queue), slog.Any("error", err))
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, handler Handler) error {
	ch, err := c.client.Channel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("op=consume.qos: %w", err)
	}
	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("op=consume.start: %w", err)
	}
	slog.Info("consuming", slog.String("queue", c.queue), slog.Int("prefetch", c.prefetch))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("op=consume.loop: channel closed")
			}
			del, err := decode(c.queue, d)
			if err != nil {
				// Undecodable messages go straight to the DLX.
				slog.Error("rejecting undecodable message",
					slog.String("queue", c.queue), slog.Any("error", err))
				_ = d.Reject(false)
				continue
			}
			handler(ctx, del)
		}
	}
}

func decode(queue string, d amqp.Delivery) (Delivery, error) {
	var env domain.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return Delivery{}, fmt.Errorf("op=consume.decode: %w", err)
	}
	if env.JobID == "" {
		env.JobID = HeaderString(d.Headers, HeaderTaskID)
	}
	if env.Attempt == 0 {
		env.Attempt = HeaderInt(d.Headers, HeaderAttempt)
	}
	if env.Attempt == 0 {
		env.Attempt = 1
	}
	if env.Class == "" {
		env.Class = queue
	}
	return Delivery{Envelope: env, Queue: queue, Headers: d.Headers, d: d}, nil
}
