package amqprpc

import (
	"github.com/pkg/errors"

	"github.com/corepulse/amqprpc/broker"
	"github.com/corepulse/amqprpc/fakebroker"
)

// dial opens a broker.Conn according to cfg.Transport: a real AMQP dial, or
// the in-process fake used by tests.
func dial(cfg Config) (broker.Conn, error) {
	switch cfg.Transport {
	case TransportMemory:
		return fakebroker.Dial(cfg.ControlExchange)
	default:
		conn, err := broker.Dial(cfg.amqpURL())
		if err != nil {
			return nil, errors.Wrap(err, "unable to dial broker")
		}
		return conn, nil
	}
}
