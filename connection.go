package amqprpc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"

	"github.com/corepulse/amqprpc/broker"
)

// ErrCallback is invoked on every reconnect retry attempt, for
// observability, with the error that triggered the retry and the backoff
// before the next attempt.
type ErrCallback func(err error, nextInterval time.Duration)

// Connection owns one broker session and one channel, tracks the set of
// live consumers, and implements reconnect-with-backoff. It multiplexes
// consumption via a single draining loop (Consume).
//
// Invariant: at any moment either (a) channel is valid and every live
// consumer is bound to it, or (b) the connection is mid-reconnect and no
// user-observable operation is in flight.
type Connection struct {
	cfg   Config
	retry RetryPolicy

	mu        sync.RWMutex
	conn      broker.Conn
	channel   broker.Channel
	consumers []*Consumer
	nextTag   int

	notifyClose chan *amqp.Error
	onRetry     ErrCallback
}

// NewConnection opens a broker session using cfg's retry policy. On every
// retry attempt onRetry (if non-nil) is invoked with (err, nextInterval).
// If retries are exhausted, the behavior is governed by
// Config.FatalOnRetryExhausted: by default the process exits; otherwise
// ErrBrokerUnreachable is returned.
func NewConnection(cfg Config, onRetry ErrCallback) (*Connection, error) {
	cfg = cfg.WithDefaults()
	c := &Connection{
		cfg:     cfg,
		retry:   RetryPolicyFromConfig(cfg),
		onRetry: onRetry,
	}

	if err := c.openLocked(); err != nil {
		return nil, err
	}
	slog.Info("connected to broker")
	return c, nil
}

// fatal implements the configurable retry-exhaustion policy from
// spec.md §7/Design Notes: by default a control-plane service without a
// broker is not useful, so the process exits; Config.FatalOnRetryExhausted
// = false surfaces a permanent-failure error instead.
func (c *Connection) fatal(err error) error {
	if c.cfg.FatalOnRetryExhausted {
		slog.Error("fatal: broker unreachable, exiting", "error", err)
		os.Exit(1)
	}
	return errors.Wrap(ErrBrokerUnreachable, err.Error())
}

// Reconnect is idempotent: closes any existing session (swallowing errors
// during close), sleeps one second, reopens, allocates a fresh channel,
// resets the tag counter, and rebinds every live consumer in registration
// order.
func (c *Connection) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
	time.Sleep(1 * time.Second)

	if err := c.openLocked(); err != nil {
		return err
	}

	c.nextTag = 0

	for _, consumer := range c.consumers {
		if err := consumer.rebind(c.channel); err != nil {
			return errors.Wrap(err, "unable to rebind consumer on reconnect")
		}
		if err := consumer.Start(true); err != nil {
			return errors.Wrap(err, "unable to restart consumer on reconnect")
		}
	}

	slog.Debug("reconnected and re-established consumers", "count", len(c.consumers))
	return nil
}

func (c *Connection) openLocked() error {
	var lastErr error
	attempt := 0

	for {
		conn, err := dial(c.cfg)
		if err == nil {
			c.conn = conn
			ch, err := conn.Channel()
			if err != nil {
				return errors.Wrap(err, "unable to open channel")
			}
			c.channel = ch
			c.notifyClose = make(chan *amqp.Error, 1)
			c.conn.NotifyClose(c.notifyClose)
			return nil
		}

		lastErr = err

		if !c.retry.ShouldRetry(attempt) {
			return c.fatal(errors.Wrap(lastErr, "exhausted retries reconnecting to broker"))
		}

		wait := c.retry.Duration(attempt)
		if c.onRetry != nil {
			c.onRetry(err, wait)
		}
		time.Sleep(wait)
		attempt++
	}
}

// CreateConsumer allocates a tag, constructs the appropriate Consumer over
// the current channel, appends it to the live-consumer list, and returns
// it.
func (c *Connection) CreateConsumer(kind ExchangeKind, topicOrMsgID string, callback func(msg Envelope)) (*Consumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag := fmt.Sprintf("ctag-%d-%s", c.nextTag, uuid.NewV4().String()[0:8])
	c.nextTag++

	consumer, err := newConsumer(c.channel, kind, topicOrMsgID, callback, tag, c.cfg)
	if err != nil {
		return nil, err
	}
	c.consumers = append(c.consumers, consumer)
	return consumer, nil
}

// Consume drains events from every live consumer. All but the last are
// started with nowait=true; the last is started with nowait=false so that
// the first blocking drain has at least one cooperating consumer. If limit
// is positive, Consume returns after limit deliveries have been processed.
// On a broker error it logs, reconnects, and resumes. Consume blocks until
// ctx is cancelled, limit is reached, or the Connection is closed.
func (c *Connection) Consume(ctx context.Context, limit int) error {
	if err := c.startAll(); err != nil {
		return err
	}

	processed := 0
	for {
		if limit > 0 && processed >= limit {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		delivery, consumer, closeErr, ctxDone, err := c.waitOne(ctx)
		if ctxDone {
			return nil
		}
		if err != nil {
			return err
		}
		if closeErr != nil {
			c.mu.RLock()
			closed := c.conn == nil
			c.mu.RUnlock()
			if closed {
				return nil
			}
			slog.Warn("broker connection closed, reconnecting", "error", closeErr)
			if err := c.Reconnect(); err != nil {
				return err
			}
			continue
		}

		if derr := consumer.deliver(delivery); derr != nil {
			slog.Warn("error delivering message, reconnecting", "error", derr)
			if err := c.Reconnect(); err != nil {
				return err
			}
			continue
		}
		processed++
	}
}

func (c *Connection) startAll() error {
	c.mu.RLock()
	consumers := append([]*Consumer(nil), c.consumers...)
	c.mu.RUnlock()

	for i, consumer := range consumers {
		nowait := i != len(consumers)-1
		if err := consumer.Start(nowait); err != nil {
			return err
		}
	}
	return nil
}

// waitOne selects across every live consumer's delivery channel, the
// connection's NotifyClose channel, and ctx.Done(). It is implemented with
// reflect.Select since the set of channels is dynamic (the live-consumer
// list grows as callers create consumers).
func (c *Connection) waitOne(ctx context.Context) (delivery amqp.Delivery, consumer *Consumer, closeErr error, ctxDone bool, err error) {
	c.mu.RLock()
	consumers := append([]*Consumer(nil), c.consumers...)
	notifyClose := c.notifyClose
	c.mu.RUnlock()

	if len(consumers) == 0 {
		select {
		case <-ctx.Done():
			return amqp.Delivery{}, nil, nil, true, nil
		case <-time.After(100 * time.Millisecond):
			return amqp.Delivery{}, nil, nil, false, nil
		}
	}

	cases := make([]reflect.SelectCase, 0, len(consumers)+2)
	for _, cons := range consumers {
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(cons.deliveriesChan()),
		})
	}
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(notifyClose)})
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())})

	chosen, value, ok := reflect.Select(cases)

	switch {
	case chosen == len(cases)-1:
		return amqp.Delivery{}, nil, nil, true, nil
	case chosen == len(cases)-2:
		if !ok {
			return amqp.Delivery{}, nil, errors.New("notify-close channel closed"), false, nil
		}
		amqpErr, _ := value.Interface().(*amqp.Error)
		return amqp.Delivery{}, nil, errors.Errorf("broker closed connection: %v", amqpErr), false, nil
	default:
		if !ok {
			return amqp.Delivery{}, nil, errors.New("delivery channel closed"), false, nil
		}
		d, _ := value.Interface().(amqp.Delivery)
		return d, consumers[chosen], nil, false, nil
	}
}

// PublisherSend builds a transient Publisher, sends msg, and on a broker
// error reconnects and retries indefinitely -- publish is best-effort
// durable to the point of broker acceptance.
func (c *Connection) PublisherSend(ctx context.Context, kind ExchangeKind, topicOrMsgID string, msg Envelope) error {
	for {
		c.mu.RLock()
		ch := c.channel
		c.mu.RUnlock()

		publisher, err := newPublisher(ch, kind, topicOrMsgID, c.cfg)
		if err == nil {
			if err := publisher.Send(ctx, msg); err == nil {
				return nil
			} else {
				slog.Warn("failed to publish message, reconnecting", "error", err)
			}
		} else {
			slog.Warn("failed to declare publisher, reconnecting", "error", err)
		}

		if err := c.Reconnect(); err != nil {
			return err
		}
	}
}

// Reset closes and reopens the channel and empties the live-consumer list.
// Used when returning a pooled Connection to the pool.
func (c *Connection) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		_ = c.channel.Close()
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "unable to reopen channel")
	}
	c.channel = ch
	c.consumers = nil
	return nil
}

// Close releases the underlying broker session. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.channel = nil
	return err
}
