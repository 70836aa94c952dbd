// Package rabbit provides the AMQP broker integration: topology declaration,
// confirm-mode publishing and prefetch-bounded consuming.
//
// One Client (one connection) is shared per process; channels are cheap and
// guarded by their owners. The broker owns in-flight messages; nothing here
// treats it as a database.
package rabbit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds broker connection settings.
type Config struct {
	URL            string
	Heartbeat      time.Duration
	ConnectRetries int
}

// Client is a process-wide AMQP connection that redials on demand.
type Client struct {
	cfg Config

	mu   sync.Mutex
	conn *amqp.Connection
}

// Dial establishes the initial connection with bounded exponential retry.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.ConnectRetries <= 0 {
		cfg.ConnectRetries = 10
	}
	c := &Client{cfg: cfg}
	if err := c.redial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// redial replaces the connection, retrying with exponential backoff up to
// the configured attempt budget.
func (c *Client) redial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	op := func() error {
		conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{Heartbeat: c.cfg.Heartbeat})
		if err != nil {
			slog.Warn("broker dial failed, retrying", slog.Any("error", err))
			return err
		}
		c.conn = conn
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.ConnectRetries)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("op=rabbit.dial: %w", err)
	}
	slog.Info("broker connected", slog.String("url", redactURL(c.cfg.URL)))
	return nil
}

// Channel returns a fresh channel, redialing the connection if needed.
// The caller owns the channel and must close it.
func (c *Client) Channel(ctx context.Context) (*amqp.Channel, error) {
	if err := c.redial(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("op=rabbit.channel: %w", err)
	}
	return ch, nil
}

// ConfirmChannel returns a channel in publisher-confirm mode.
func (c *Client) ConfirmChannel(ctx context.Context) (*amqp.Channel, error) {
	ch, err := c.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("op=rabbit.confirm: %w", err)
	}
	return ch, nil
}

// Ping reports connection health for readiness checks.
func (c *Client) Ping(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("op=rabbit.ping: connection closed")
	}
	return nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

// redactURL strips credentials from an AMQP URL for logging.
func redactURL(url string) string {
	at := strings.LastIndexByte(url, '@')
	scheme := strings.Index(url, "://")
	if at > 0 && scheme > 0 && scheme+3 < at {
		return url[:scheme+3] + "***" + url[at:]
	}
	return url
}
