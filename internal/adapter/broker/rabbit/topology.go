package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

// Exchange and naming conventions. One direct exchange fronts all primary
// queues; events ride a topic exchange fanned out to the ERP surface.
const (
	ExchangeJobs   = "jobs.direct"
	ExchangeEvents = "events.jobs"
	ExchangeERP    = "erp.outbound"

	EventRoutingKey  = "job.status.changed"
	ERPBindingKey    = "job.status.#"
	DLQCatchAllKey   = "#"
	maxQueuePriority = 10
)

// RoutingKey returns the primary routing key for a class.
func RoutingKey(class string) string { return "jobs." + class }

// DLXName returns the per-class dead-letter exchange name.
func DLXName(class string) string { return class + ".dlx" }

// DLQName returns the per-class dead-letter queue name.
func DLQName(class string) string { return class + "_dlq" }

// Topology declares the full broker layout. Declaration is idempotent; both
// processes run it at startup so either can start first.
type Topology struct {
	Classes       []string
	Policies      map[string]domain.Policy
	MaxBytes      int64
	DLQMessageTTL time.Duration
	DLQMaxLength  int32
}

// Declare sets up exchanges, queues and bindings on the given channel.
func (t Topology) Declare(ctx context.Context, ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(ExchangeJobs, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.exchange: %s: %w", ExchangeJobs, err)
	}
	if err := ch.ExchangeDeclare(ExchangeEvents, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.exchange: %s: %w", ExchangeEvents, err)
	}
	if err := ch.ExchangeDeclare(ExchangeERP, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.exchange: %s: %w", ExchangeERP, err)
	}
	// Exchange-to-exchange fan-out of lifecycle events to the ERP surface.
	if err := ch.ExchangeBind(ExchangeERP, ERPBindingKey, ExchangeEvents, false, nil); err != nil {
		return fmt.Errorf("op=topology.exchange_bind: %w", err)
	}

	for _, class := range t.Classes {
		if err := t.declareClass(ch, class); err != nil {
			return err
		}
	}
	slog.InfoContext(ctx, "broker topology declared", slog.Int("classes", len(t.Classes)))
	return nil
}

// declareClass declares the primary queue, the class DLX and the DLQ, and
// wires the bindings. Per-class DLX is mandatory: a shared one would lose
// class separation and make per-class recovery impossible.
func (t Topology) declareClass(ch *amqp.Channel, class string) error {
	policy, ok := t.Policies[class]
	if !ok {
		return fmt.Errorf("op=topology.class: %w: no policy for %q", domain.ErrInvalidArgument, class)
	}

	if err := ch.ExchangeDeclare(DLXName(class), "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("op=topology.dlx: %s: %w", class, err)
	}

	dlqArgs := amqp.Table{
		"x-queue-type":  "classic",
		"x-queue-mode":  "lazy",
		"x-message-ttl": int64(t.DLQMessageTTL / time.Millisecond),
		"x-max-length":  int64(t.DLQMaxLength),
	}
	if _, err := ch.QueueDeclare(DLQName(class), true, false, false, false, dlqArgs); err != nil {
		return fmt.Errorf("op=topology.dlq: %s: %w", class, err)
	}
	if err := ch.QueueBind(DLQName(class), DLQCatchAllKey, DLXName(class), false, nil); err != nil {
		return fmt.Errorf("op=topology.dlq_bind: %s: %w", class, err)
	}

	primaryArgs := amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    DLXName(class),
		"x-dead-letter-routing-key": DLQCatchAllKey,
		"x-message-ttl":             int64(policy.QueueTTL / time.Millisecond),
		"x-max-length-bytes":        t.MaxBytes,
		"x-max-priority":            int32(maxQueuePriority),
	}
	if _, err := ch.QueueDeclare(class, true, false, false, false, primaryArgs); err != nil {
		return fmt.Errorf("op=topology.queue: %s: %w", class, err)
	}
	if err := ch.QueueBind(class, RoutingKey(class), ExchangeJobs, false, nil); err != nil {
		return fmt.Errorf("op=topology.bind: %s: %w", class, err)
	}
	return nil
}
