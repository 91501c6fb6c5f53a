package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"participa/internal/core"
	"participa/internal/scheduler"
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
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// Client publishes and consumes heading calculation jobs. It implements
// ports.Scheduler so the admin process can hand calculations to workers.
type Client struct {
	url          string
	exchangeName string
	queueName    string
	prefetch     int

	// retry paces publish attempts and consumer reconnects.
	retry scheduler.RetryPolicy

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel

	// Circuit breaker
	state        int32
	failureCount int64
	lastFailure  time.Time
	failureMu    sync.Mutex
}

// NewClient connects to the broker. prefetch bounds the unacknowledged
// deliveries and, when consuming, how many are handled at once.
func NewClient(url, exchangeName, queueName string, prefetch int) (*Client, error) {
	client := &Client{
		url:          url,
		exchangeName: exchangeName,
		queueName:    queueName,
		prefetch:     prefetch,
		retry:        scheduler.DefaultRetryPolicy(),
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}

	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	c.conn = conn
	c.channel = channel

	if err := c.setup(); err != nil {
		c.closeLocked()
		return fmt.Errorf("setup exchange and queue: %w", err)
	}

	slog.Info("Connected to AMQP broker",
		"exchange", c.exchangeName,
		"queue", c.queueName)

	return nil
}

func (c *Client) setup() error {
	// Declare exchange
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	// Declare queue
	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Bind queue to exchange
	err = c.channel.QueueBind(
		c.queueName,    // queue name
		c.queueName,    // routing key (same as queue name for direct exchange)
		c.exchangeName, // exchange
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	if c.prefetch > 0 {
		if err := c.channel.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch: %w", err)
		}
	}

	return nil
}

// Schedule publishes the job for a worker to execute.
func (c *Client) Schedule(ctx context.Context, job core.CalculationJob) error {
	return c.PublishHeadingCalculation(ctx, job)
}

// PublishHeadingCalculation publishes a heading calculation message,
// reconnecting on connection errors. Failures are transient.
func (c *Client) PublishHeadingCalculation(ctx context.Context, job core.CalculationJob) error {
	if c.isCircuitOpen() {
		return core.Transient(fmt.Errorf("publish run %s: %w", job.RunID, ErrCircuitOpen))
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := NewHeadingCalculationMessage(job)
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	policy := c.retryPolicy()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Backoff(attempt - 1)):
			}
		}

		lastErr = c.publish(ctx, body)
		if lastErr == nil {
			c.recordSuccess()
			slog.InfoContext(ctx, "Published heading calculation message",
				"run_id", job.RunID,
				"heading_id", job.HeadingID,
				"generation", job.Generation,
				"exchange", c.exchangeName,
				"queue", c.queueName)
			return nil
		}

		c.recordFailure()
		if !isConnectionError(lastErr) || c.isCircuitOpen() {
			break
		}
		slog.WarnContext(ctx, "AMQP connection lost, reconnecting",
			"attempt", attempt,
			"error", lastErr)
		c.reset()
	}

	return core.Transient(fmt.Errorf("publish run %s: %w", job.RunID, lastErr))
}

func (c *Client) publish(ctx context.Context, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err := c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent, // make message persistent
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// ConsumeHeadingCalculations delivers calculation messages to handler until
// ctx is done, running up to prefetch handlers at once. A message is
// acknowledged when handler returns nil and requeued otherwise; malformed
// messages are dropped.
func (c *Client) ConsumeHeadingCalculations(ctx context.Context, handler func(context.Context, *HeadingCalculationMessage) error) error {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (we want manual ack)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	slog.InfoContext(ctx, "Started consuming heading calculation messages",
		"queue", c.queueName,
		"concurrency", max(c.prefetch, 1))

	return consumeDeliveries(ctx, msgs, c.prefetch, handler)
}

// consumeDeliveries hands each delivery to its own goroutine, at most limit
// at a time, and returns once in-flight handlers have settled their
// deliveries.
func consumeDeliveries(ctx context.Context, msgs <-chan amqp091.Delivery, limit int, handler func(context.Context, *HeadingCalculationMessage) error) error {
	var g errgroup.Group
	g.SetLimit(max(limit, 1))

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Stopping message consumption", "reason", ctx.Err())
			g.Wait()
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				g.Wait()
				return errors.New("message channel closed")
			}
			g.Go(func() error {
				handleDelivery(ctx, delivery, handler)
				return nil
			})
		}
	}
}

func handleDelivery(ctx context.Context, delivery amqp091.Delivery, handler func(context.Context, *HeadingCalculationMessage) error) {
	msg, err := HeadingCalculationMessageFromJSON(delivery.Body)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to unmarshal message", "error", err)
		settle(ctx, delivery.Nack(false, false)) // reject and don't requeue
		return
	}

	if err := handler(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "Failed to handle message",
			"error", err,
			"run_id", msg.RunID,
			"heading_id", msg.HeadingID)
		settle(ctx, delivery.Nack(false, true)) // reject and requeue
		return
	}

	settle(ctx, delivery.Ack(false))
}

// settle logs acknowledgements that could not reach the broker; the broker
// redelivers those messages once the channel is gone.
func settle(ctx context.Context, err error) {
	if err != nil {
		slog.WarnContext(ctx, "Failed to settle delivery", "error", err)
	}
}

// ConsumeWithReconnect keeps consuming across broker restarts, backing off
// between attempts, until ctx is done.
func (c *Client) ConsumeWithReconnect(ctx context.Context, handler func(context.Context, *HeadingCalculationMessage) error) error {
	attempt := 0
	for {
		err := c.ConsumeHeadingCalculations(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.retryPolicy().Backoff(attempt + 1)
		slog.WarnContext(ctx, "Consumer stopped, reconnecting",
			"error", err,
			"attempt", attempt+1,
			"delay", delay)
		c.reset()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

// Ping reports whether the broker connection is usable.
func (c *Client) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("AMQP connection closed")
	}
	return nil
}

func (c *Client) isCircuitOpen() bool {
	if atomic.LoadInt32(&c.state) != StateOpen {
		return false
	}

	c.failureMu.Lock()
	lastFailure := c.lastFailure
	c.failureMu.Unlock()

	if time.Since(lastFailure) > openTimeout {
		atomic.CompareAndSwapInt32(&c.state, StateOpen, StateHalfOpen)
		return false
	}
	return true
}

func (c *Client) recordSuccess() {
	atomic.StoreInt64(&c.failureCount, 0)
	atomic.StoreInt32(&c.state, StateClosed)
}

func (c *Client) recordFailure() {
	c.failureMu.Lock()
	c.lastFailure = time.Now()
	c.failureMu.Unlock()

	if atomic.AddInt64(&c.failureCount, 1) >= maxFailures || atomic.LoadInt32(&c.state) == StateHalfOpen {
		atomic.StoreInt32(&c.state, StateOpen)
	}
}

// reset drops the current connection so the next call dials again.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() error {
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

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// SetRetryPolicy replaces the policy pacing publish retries and reconnects.
func (c *Client) SetRetryPolicy(policy scheduler.RetryPolicy) {
	c.retry = policy
}

func (c *Client) retryPolicy() scheduler.RetryPolicy {
	if c.retry.MaxAttempts < 1 {
		return scheduler.DefaultRetryPolicy()
	}
	return c.retry
}

func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp091.ErrClosed) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{"connection", "EOF", "broken pipe", "closed network"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
