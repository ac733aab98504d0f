package amqprpc

import (
	"context"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/corepulse/amqprpc/fakebroker"
)

var _ = Describe("endpoint defaults by kind", func() {
	cfg := Config{ControlExchange: "ctrl", DurableTopicQueues: true}

	It("defaults Direct to ephemeral/exclusive, exchange=msg_id", func() {
		opts := defaultsFor(Direct, "msg-123", cfg)
		Expect(opts.exchangeName).To(Equal("msg-123"))
		Expect(opts.routingKey).To(Equal("msg-123"))
		Expect(opts.durable).To(BeFalse())
		Expect(opts.autoDelete).To(BeTrue())
		Expect(opts.exclusive).To(BeTrue())
	})

	It("defaults Topic to the shared control exchange", func() {
		opts := defaultsFor(Topic, "scheduler.dispatch", cfg)
		Expect(opts.exchangeName).To(Equal("ctrl"))
		Expect(opts.queueName).To(Equal("scheduler.dispatch"))
		Expect(opts.routingKey).To(Equal("scheduler.dispatch"))
		Expect(opts.durable).To(BeTrue()) // cfg.DurableTopicQueues
		Expect(opts.autoDelete).To(BeFalse())
		Expect(opts.exclusive).To(BeFalse())
	})

	It("defaults Fanout to a per-topic exchange and a nonce-suffixed queue", func() {
		opts1 := defaultsFor(Fanout, "network.events", cfg)
		opts2 := defaultsFor(Fanout, "network.events", cfg)

		Expect(opts1.exchangeName).To(Equal("network.events_fanout"))
		Expect(opts1.routingKey).To(Equal("network.events"))
		Expect(opts1.autoDelete).To(BeTrue())
		Expect(opts1.exclusive).To(BeTrue())

		// Fanout queue names are unique per consumer instance (nonce suffix).
		Expect(opts1.queueName).NotTo(Equal(opts2.queueName))
	})
})

var _ = Describe("Consumer and Publisher against the fake broker", func() {
	It("publishes and delivers a round trip over a Direct exchange", func() {
		conn, err := fakebroker.Dial("ctrl")
		Expect(err).NotTo(HaveOccurred())

		pubChannel, err := conn.Channel()
		Expect(err).NotTo(HaveOccurred())
		subChannel, err := conn.Channel()
		Expect(err).NotTo(HaveOccurred())

		cfg := Config{}
		received := make(chan Envelope, 1)

		consumer, err := newConsumer(subChannel, Direct, "reply-xyz", func(env Envelope) {
			received <- env
		}, "tag-1", cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(consumer.Start(false)).To(Succeed())

		publisher, err := newPublisher(pubChannel, Direct, "reply-xyz", cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(publisher.Send(context.Background(), Envelope{"result": "ok", "failure": nil})).To(Succeed())

		// Start only registers the delivery channel; draining it and running
		// the callback is Connection.Consume's job, done here by hand.
		var d amqp.Delivery
		Eventually(consumer.deliveriesChan()).Should(Receive(&d))
		Expect(consumer.deliver(d)).To(Succeed())

		Eventually(received).Should(Receive(Equal(Envelope{"result": "ok", "failure": nil})))
	})
})
