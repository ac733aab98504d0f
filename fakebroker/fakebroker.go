// Package fakebroker is an in-process stand-in for a real AMQP broker,
// selected via Config.Transport == "memory". It implements just enough of
// direct/topic/fanout exchange routing to exercise the transport in tests
// without a live RabbitMQ instance: exchanges route published bodies to
// bound queues by kind and queues are buffered channels. Close only marks a
// Conn closed: delivery channels stay open and NotifyClose never fires.
package fakebroker

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/corepulse/amqprpc/broker"
)

// registry is process-wide so independently-dialed Conns observe the same
// exchanges/queues, mirroring kombu's memory transport where all
// connections within a process share one in-memory bus.
var registry = newBus()

// Dial returns a new Conn attached to the shared in-process bus.
// controlExchange is unused beyond documenting intent; exchanges are
// created on demand by whichever Channel declares them first.
func Dial(controlExchange string) (broker.Conn, error) {
	return &conn{bus: registry}, nil
}

// Reset empties the shared bus; exposed for tests that want a clean slate
// between scenarios without restarting the process.
func Reset() {
	registry.reset()
}

type bus struct {
	mu        sync.Mutex
	exchanges map[string]*exchange
	queues    map[string]*queue
}

func newBus() *bus {
	return &bus{
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
	}
}

func (b *bus) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges = make(map[string]*exchange)
	b.queues = make(map[string]*queue)
}

func (b *bus) exchangeDeclare(name, kind string) *exchange {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		ex = &exchange{name: name, kind: kind, bindings: make(map[string][]*queue)}
		b.exchanges[name] = ex
	}
	return ex
}

func (b *bus) queueDeclare(name string) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, deliveries: make(chan amqp.Delivery, 1024)}
		b.queues[name] = q
	}
	return q
}

type exchange struct {
	mu       sync.Mutex
	name     string
	kind     string
	bindings map[string][]*queue // routing key -> bound queues; fanout routes to all, ignoring key
}

func (ex *exchange) bind(key string, q *queue) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	for _, bound := range ex.bindings[key] {
		if bound == q {
			return
		}
	}
	ex.bindings[key] = append(ex.bindings[key], q)
}

func (ex *exchange) route(key string, body []byte) {
	ex.mu.Lock()
	defer ex.mu.Unlock()

	delivery := amqp.Delivery{Body: body}

	switch ex.kind {
	case "fanout":
		for _, qs := range ex.bindings {
			for _, q := range qs {
				q.publish(delivery)
			}
		}
	case "topic", "direct":
		for _, q := range ex.bindings[key] {
			q.publish(delivery)
		}
	default:
		for _, q := range ex.bindings[key] {
			q.publish(delivery)
		}
	}
}

type queue struct {
	mu         sync.Mutex
	name       string
	deliveries chan amqp.Delivery
	consumed   bool
}

func (q *queue) publish(d amqp.Delivery) {
	q.deliveries <- d
}

func (q *queue) consume() <-chan amqp.Delivery {
	return q.deliveries
}

// conn implements broker.Conn.
type conn struct {
	bus    *bus
	closed bool
}

func (c *conn) Channel() (broker.Channel, error) {
	return &channel{bus: c.bus}, nil
}

func (c *conn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	// The fake never forces a close, so the channel simply never fires.
	return ch
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

// channel implements broker.Channel against the shared in-memory bus.
type channel struct {
	bus    *bus
	mu     sync.Mutex
	queues map[string]*queue // this channel's own consumer bindings, by consumer tag
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.bus.exchangeDeclare(name, kind)
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == "" {
		name = fmt.Sprintf("amq.gen-%p", ch)
	}
	q := ch.bus.queueDeclare(name)
	return amqp.Queue{Name: q.name}, nil
}

func (ch *channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	ch.bus.mu.Lock()
	ex, ok := ch.bus.exchanges[exchangeName]
	if !ok {
		ch.bus.mu.Unlock()
		return fmt.Errorf("fakebroker: no such exchange %q", exchangeName)
	}
	ch.bus.mu.Unlock()

	q := ch.bus.queueDeclare(name)
	ex.bind(key, q)
	return nil
}

func (ch *channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	q := ch.bus.queueDeclare(queueName)

	ch.mu.Lock()
	if ch.queues == nil {
		ch.queues = make(map[string]*queue)
	}
	ch.queues[consumer] = q
	ch.mu.Unlock()

	return q.consume(), nil
}

func (ch *channel) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.queues == nil {
		return fmt.Errorf("fakebroker: unknown consumer tag %q", consumer)
	}
	if _, ok := ch.queues[consumer]; !ok {
		return fmt.Errorf("fakebroker: unknown consumer tag %q", consumer)
	}
	delete(ch.queues, consumer)
	return nil
}

func (ch *channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ex := ch.bus.exchangeDeclare(exchangeName, "direct")
	ex.route(key, msg.Body)
	return nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (ch *channel) Close() error {
	return nil
}
