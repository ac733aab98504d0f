package amqprpc_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/corepulse/amqprpc"
)

var _ = Describe("Pool and ScopedConnection", func() {
	cfg := amqprpc.Config{Transport: amqprpc.TransportMemory, ConnPoolSize: 2}

	It("reuses a released connection instead of dialing a new one", func() {
		pool := amqprpc.NewPool(cfg, nil)

		scoped1, err := amqprpc.Acquire(pool, cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		conn1, err := scoped1.Connection()
		Expect(err).NotTo(HaveOccurred())

		Expect(scoped1.Release()).To(Succeed())

		scoped2, err := amqprpc.Acquire(pool, cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		conn2, err := scoped2.Connection()
		Expect(err).NotTo(HaveOccurred())

		Expect(conn2).To(BeIdenticalTo(conn1))
		Expect(scoped2.Release()).To(Succeed())
	})

	It("signals reuse after release as a programmer error", func() {
		pool := amqprpc.NewPool(cfg, nil)

		scoped, err := amqprpc.Acquire(pool, cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(scoped.Release()).To(Succeed())

		_, err = scoped.Connection()
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&amqprpc.ReuseAfterReleaseError{}))
	})

	It("releases the connection even when the scoped function returns an error", func() {
		pool := amqprpc.NewPool(cfg, nil)

		boom := amqprpc.ErrShutdown
		var used *amqprpc.Connection
		err := amqprpc.WithConnection(pool, func(conn *amqprpc.Connection) error {
			used = conn
			return boom
		})
		Expect(err).To(Equal(boom))

		// The connection must have been returned to the pool, not leaked:
		// acquiring again should hand back that same connection rather than
		// constructing a new one.
		scoped, err := amqprpc.Acquire(pool, cfg, nil)
		Expect(err).NotTo(HaveOccurred())
		again, err := scoped.Connection()
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(BeIdenticalTo(used))
		Expect(scoped.Release()).To(Succeed())
	})
})
