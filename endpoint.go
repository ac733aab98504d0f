package amqprpc

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	uuid "github.com/satori/go.uuid"

	"github.com/corepulse/amqprpc/broker"
)

// ExchangeKind is a tagged variant over the three AMQP exchange kinds the
// transport uses, per spec.md §3.
type ExchangeKind int

const (
	// Direct is a per-call-id exchange used for point-to-point replies.
	Direct ExchangeKind = iota
	// Topic is the single shared control exchange, load-balanced across
	// consumers bound to the same routing key.
	Topic
	// Fanout broadcasts to every bound queue.
	Fanout
)

func (k ExchangeKind) String() string {
	switch k {
	case Direct:
		return "direct"
	case Topic:
		return "topic"
	case Fanout:
		return "fanout"
	default:
		return fmt.Sprintf("ExchangeKind(%d)", int(k))
	}
}

// endpointOptions captures the declare-time knobs for both Consumer and
// Publisher, defaulted by kind per the table in spec.md §3.
type endpointOptions struct {
	exchangeName string
	queueName    string
	routingKey   string
	durable      bool
	autoDelete   bool
	exclusive    bool
}

func defaultsFor(kind ExchangeKind, topicOrMsgID string, cfg Config) endpointOptions {
	switch kind {
	case Direct:
		return endpointOptions{
			exchangeName: topicOrMsgID,
			routingKey:   topicOrMsgID,
			durable:      false,
			autoDelete:   true,
			exclusive:    true,
		}
	case Topic:
		return endpointOptions{
			exchangeName: cfg.ControlExchange,
			queueName:    topicOrMsgID,
			routingKey:   topicOrMsgID,
			durable:      cfg.DurableTopicQueues,
			autoDelete:   false,
			exclusive:    false,
		}
	case Fanout:
		nonce := uuid.NewV4().String()
		return endpointOptions{
			exchangeName: topicOrMsgID + "_fanout",
			queueName:    fmt.Sprintf("%s_fanout_%s", topicOrMsgID, nonce),
			routingKey:   topicOrMsgID,
			durable:      false,
			autoDelete:   true,
			exclusive:    true,
		}
	default:
		return endpointOptions{}
	}
}

// Consumer is a thin descriptor over a queue + binding + callback for one
// of the three exchange kinds. It declares its topology on construction
// but does not start consuming until Start is called.
type Consumer struct {
	kind     ExchangeKind
	opts     endpointOptions
	callback func(msg Envelope)
	tag      string

	mu         sync.RWMutex
	channel    broker.Channel
	deliveries <-chan amqp.Delivery
}

// deliveriesChan returns the consumer's current delivery channel. Guarded
// by a mutex since rebind/Start may run concurrently with the Connection's
// draining loop across a reconnect.
func (c *Consumer) deliveriesChan() <-chan amqp.Delivery {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deliveries
}

// newConsumer declares the exchange/queue/binding for kind against channel
// and returns a Consumer ready to Start.
func newConsumer(ch broker.Channel, kind ExchangeKind, topicOrMsgID string, callback func(msg Envelope), tag string, cfg Config) (*Consumer, error) {
	c := &Consumer{
		kind:     kind,
		opts:     defaultsFor(kind, topicOrMsgID, cfg),
		callback: callback,
		tag:      tag,
	}
	if err := c.rebind(ch); err != nil {
		return nil, err
	}
	return c, nil
}

// rebind re-declares the queue and binding against a fresh channel, used
// after reconnect.
func (c *Consumer) rebind(ch broker.Channel) error {
	if err := ch.ExchangeDeclare(c.opts.exchangeName, c.kind.String(), c.opts.durable, c.opts.autoDelete, false, false, nil); err != nil {
		return errors.Wrap(err, "unable to declare exchange")
	}

	queueName := c.opts.queueName
	q, err := ch.QueueDeclare(queueName, c.opts.durable, c.opts.autoDelete, c.opts.exclusive, false, nil)
	if err != nil {
		return errors.Wrap(err, "unable to declare queue")
	}
	c.opts.queueName = q.Name

	if err := ch.QueueBind(c.opts.queueName, c.opts.routingKey, c.opts.exchangeName, false, nil); err != nil {
		return errors.Wrap(err, "unable to bind queue")
	}

	c.mu.Lock()
	c.channel = ch
	c.deliveries = nil
	c.mu.Unlock()
	return nil
}

// Start registers the callback with the channel and requests delivery. If
// nowait is false the caller is expected to block draining events
// elsewhere (Connection.Consume); this call itself never blocks.
func (c *Consumer) Start(nowait bool) error {
	c.mu.RLock()
	ch, queueName, tag, exclusive := c.channel, c.opts.queueName, c.tag, c.opts.exclusive
	c.mu.RUnlock()

	deliveries, err := ch.Consume(queueName, tag, false, exclusive, false, nowait, nil)
	if err != nil {
		return errors.Wrap(err, "unable to start consuming")
	}

	c.mu.Lock()
	c.deliveries = deliveries
	c.mu.Unlock()
	return nil
}

// deliver decodes one raw delivery, invokes the callback, and acks iff the
// callback returns without panicking. This is the "ack after successful
// handling" policy from spec.md §4.1.
//
// A body that fails to decode is a data-level problem, not a broker fault:
// it is logged and skipped in place, without acking and without surfacing
// an error to Connection.Consume, so one malformed message never forces a
// reconnect (and the rebind of every other live consumer on the same
// Connection) that genuine broker/channel errors warrant.
func (c *Consumer) deliver(raw amqp.Delivery) error {
	env, err := decodeEnvelope(raw.Body)
	if err != nil {
		slog.Warn("dropping malformed delivery", "tag", c.tag, "error", err)
		return nil
	}

	c.callback(env)

	if raw.Acknowledger != nil {
		return raw.Ack(false)
	}
	return nil
}

// Cancel stops delivery for this consumer's tag. It tolerates the broker
// reporting "unknown tag" for exactly this tag (a known broker quirk) and
// surfaces any other error.
func (c *Consumer) Cancel() error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	err := ch.Cancel(c.tag, false)
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), c.tag) && strings.Contains(strings.ToLower(err.Error()), "unknown") {
		return nil
	}
	return errors.Wrap(err, "unable to cancel consumer")
}

// Publisher declares/asserts an exchange and publishes envelopes to it with
// a fixed routing key.
type Publisher struct {
	kind    ExchangeKind
	opts    endpointOptions
	channel broker.Channel
}

func newPublisher(ch broker.Channel, kind ExchangeKind, topicOrMsgID string, cfg Config) (*Publisher, error) {
	p := &Publisher{
		kind: kind,
		opts: defaultsFor(kind, topicOrMsgID, cfg),
	}
	if err := p.rebind(ch); err != nil {
		return nil, err
	}
	return p, nil
}

// rebind re-declares the exchange against a new channel, used after
// reconnect.
func (p *Publisher) rebind(ch broker.Channel) error {
	if err := ch.ExchangeDeclare(p.opts.exchangeName, p.kind.String(), p.opts.durable, p.opts.autoDelete, false, false, nil); err != nil {
		return errors.Wrap(err, "unable to declare exchange")
	}
	p.channel = ch
	return nil
}

// Send publishes one encoded envelope with the configured routing key. For
// Fanout there is no routing-key filtering semantics on the broker side;
// the key is carried for symmetry but every bound queue receives the
// message.
func (p *Publisher) Send(ctx context.Context, msg Envelope) error {
	body, err := msg.encode()
	if err != nil {
		return errors.Wrap(err, "unable to encode envelope")
	}

	return p.channel.PublishWithContext(ctx, p.opts.exchangeName, p.opts.routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}
