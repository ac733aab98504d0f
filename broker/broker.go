// Package broker defines the narrow seam between the transport and an AMQP
// broker so that a real rabbitmq/amqp091-go connection and the in-process
// fakebroker (used by tests, selected via Config.Transport == "memory") can
// both be dialed through the same interface.
package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is the subset of *amqp.Connection the transport needs.
type Conn interface {
	Channel() (Channel, error)
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Channel is the subset of *amqp.Channel the transport needs to declare
// topology, consume and publish.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Close() error
}

// RealConn adapts *amqp.Connection to Conn.
type RealConn struct {
	*amqp.Connection
}

// Channel opens a new channel on the underlying real connection.
func (c RealConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// Dial opens a real broker connection and adapts it to Conn.
func Dial(url string) (Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return RealConn{conn}, nil
}
