// Package amqp publishes committed ledger events to a RabbitMQ topic exchange.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/rabbitmq/amqp091-go"

	applog "ledger/internal/log"
)

// Circuit breaker states
const (
	StateClosed int32 = iota
	StateOpen
	StateHalfOpen
)

const (
	maxFailures    = 5
	openTimeout    = 30 * time.Second
	publishTimeout = 5 * time.Second
	dialAttempts   = 5
)

// ErrCircuitOpen is returned by Publish while the broker is considered down.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// channel is the part of *amqp091.Channel the client uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	IsClosed() bool
	Close() error
}

type connectFunc func(url, exchange string) (io.Closer, channel, error)

// Config holds the broker settings. An empty RoutingKey routes each event by
// its type.
type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
}

type Client struct {
	url          string
	exchangeName string
	routingKey   string
	connect      connectFunc
	now          func() time.Time

	mu           sync.Mutex
	conn         io.Closer
	channel      channel
	state        int32
	failureCount int64
	lastFailure  time.Time
	closed       bool
}

// NewClient dials the broker, retrying connection errors, and declares the
// exchange.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	c := newClient(cfg, dial)

	err := retry.Do(
		func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.reconnectLocked()
		},
		retry.Context(ctx),
		retry.RetryIf(isConnectionError),
		retry.Attempts(dialAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(openTimeout),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			applog.For(applog.ComponentAMQP).WarnContext(ctx, "AMQP dial failed, retrying", "attempt", n+1, applog.FieldError, err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to AMQP broker: %w", err)
	}

	applog.For(applog.ComponentAMQP).InfoContext(ctx, "Connected to AMQP broker", "exchange", c.exchangeName)
	return c, nil
}

func newClient(cfg Config, connect connectFunc) *Client {
	return &Client{
		url:          cfg.URL,
		exchangeName: cfg.Exchange,
		routingKey:   cfg.RoutingKey,
		connect:      connect,
		now:          time.Now,
	}
}

func dial(url, exchange string) (io.Closer, channel, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial AMQP: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("declare exchange: %w", err)
	}
	return conn, ch, nil
}

func (c *Client) reconnectLocked() error {
	c.dropLocked()
	conn, ch, err := c.connect(c.url, c.exchangeName)
	if err != nil {
		return err
	}
	c.conn = conn
	c.channel = ch
	return nil
}

func (c *Client) dropLocked() {
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Publish sends one event. The routing key is the configured key, or the
// event type when none is configured.
func (c *Client) Publish(ctx context.Context, eventType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New("amqp client is closed")
	}
	if c.isCircuitOpenLocked() {
		return fmt.Errorf("publish %s: %w", eventType, ErrCircuitOpen)
	}

	event, err := NewLedgerEvent(eventType, payload, c.now())
	if err != nil {
		return err
	}
	body, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if c.channel == nil || c.channel.IsClosed() {
		if err := c.reconnectLocked(); err != nil {
			c.recordFailureLocked()
			return fmt.Errorf("reconnect: %w", err)
		}
	}

	key := c.routingKey
	if key == "" {
		key = eventType
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = c.channel.PublishWithContext(
		pubCtx,
		c.exchangeName, // exchange
		key,            // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    event.OccurredAt,
			Type:         eventType,
			Body:         body,
		},
	)
	if err != nil {
		c.recordFailureLocked()
		if isConnectionError(err) {
			c.dropLocked()
		}
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	c.recordSuccessLocked()
	applog.For(applog.ComponentAMQP).DebugContext(ctx, "Published ledger event",
		applog.FieldOperation, applog.OpPublish,
		applog.FieldEvent, eventType,
		"exchange", c.exchangeName,
		"routing_key", key)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	var err error
	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		err = c.conn.Close()
		c.conn = nil
	}
	return err
}

func (c *Client) isCircuitOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isCircuitOpenLocked()
}

// isCircuitOpenLocked moves an open circuit to half-open once openTimeout
// has passed since the last failure.
func (c *Client) isCircuitOpenLocked() bool {
	if c.state != StateOpen {
		return false
	}
	if c.now().Sub(c.lastFailure) > openTimeout {
		c.state = StateHalfOpen
		return false
	}
	return true
}

func (c *Client) recordFailureLocked() {
	c.failureCount++
	c.lastFailure = c.now()
	if c.state == StateHalfOpen || c.failureCount >= maxFailures {
		c.state = StateOpen
	}
}

func (c *Client) recordSuccessLocked() {
	c.failureCount = 0
	c.state = StateClosed
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection closed", "connection reset", "eof", "broken pipe", "closed network connection", "no such host"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
