package amqprpc_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/corepulse/amqprpc"
)

type rpcTestContext struct{}

func (rpcTestContext) ToDict() map[string]any { return map[string]any{} }

func rpcTestContextFactory(map[string]any) amqprpc.Context { return rpcTestContext{} }

type pingCounter struct {
	count chan struct{}
}

type echoProxy struct {
	pings *pingCounter
}

func (p echoProxy) Echo(ctx amqprpc.Context, args map[string]any) (amqprpc.Result, error) {
	return amqprpc.Single(args["value"]), nil
}

func (p echoProxy) Stream(ctx amqprpc.Context, args map[string]any) (amqprpc.Result, error) {
	n := int(args["n"].(float64))
	ch := make(chan any, n)
	for i := 1; i <= n; i++ {
		ch <- float64(i)
	}
	close(ch)
	return amqprpc.Stream(ch), nil
}

func (p echoProxy) Boom(ctx amqprpc.Context, args map[string]any) (amqprpc.Result, error) {
	return amqprpc.Result{}, &testKindError{message: "nope"}
}

func (p echoProxy) Ping(ctx amqprpc.Context, args map[string]any) (amqprpc.Result, error) {
	if p.pings != nil {
		p.pings.count <- struct{}{}
	}
	return amqprpc.Single(nil), nil
}

type testKindError struct {
	message string
}

func (e *testKindError) Error() string { return e.message }

func newTestTransport(controlExchange string) *amqprpc.Transport {
	cfg := amqprpc.Config{
		Transport:       amqprpc.TransportMemory,
		ControlExchange: controlExchange,
		ConnPoolSize:    4,
		WorkerPoolSize:  8,
	}
	return amqprpc.NewTransport(cfg, nil)
}

func startServer(transport *amqprpc.Transport, proxy any, kind amqprpc.ExchangeKind, topic string) (*amqprpc.Connection, context.CancelFunc) {
	conn, err := transport.NewServerConnection()
	Expect(err).NotTo(HaveOccurred())

	dispatcher := amqprpc.NewProxyDispatcher(proxy, transport, rpcTestContextFactory)
	_, err = amqprpc.RegisterConsumer(conn, kind, topic, dispatcher)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = conn.Consume(ctx, 0) }()
	time.Sleep(20 * time.Millisecond)
	return conn, cancel
}

var _ = Describe("end-to-end RPC scenarios", func() {
	It("echo cast: handler invoked once, no reply queue consulted", func() {
		transport := newTestTransport("ctrl-cast")
		pings := &pingCounter{count: make(chan struct{}, 4)}
		_, cancel := startServer(transport, echoProxy{pings: pings}, amqprpc.Topic, "echo.cast.T")
		defer cancel()

		err := transport.Cast(context.Background(), rpcTestContext{}, "echo.cast.T", amqprpc.Envelope{
			"method": "Ping",
			"args":   map[string]any{},
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(pings.count, "1s").Should(Receive())
		Consistently(pings.count, "200ms").ShouldNot(Receive())
	})

	It("echo call: returns the echoed value", func() {
		transport := newTestTransport("ctrl-call")
		_, cancel := startServer(transport, echoProxy{}, amqprpc.Topic, "echo.call.T")
		defer cancel()

		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()

		result, err := transport.Call(ctx, rpcTestContext{}, "echo.call.T", amqprpc.Envelope{
			"method": "Echo",
			"args":   map[string]any{"value": float64(42)},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(float64(42)))
	})

	It("multicall stream: yields every item then terminates", func() {
		transport := newTestTransport("ctrl-stream")
		_, cancel := startServer(transport, echoProxy{}, amqprpc.Topic, "echo.stream.T")
		defer cancel()

		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()

		waiter, err := transport.Multicall(ctx, rpcTestContext{}, "echo.stream.T", amqprpc.Envelope{
			"method": "Stream",
			"args":   map[string]any{"n": float64(3)},
		})
		Expect(err).NotTo(HaveOccurred())

		values, err := waiter.Drain()
		Expect(err).NotTo(HaveOccurred())
		Expect(values).To(Equal([]any{float64(1), float64(2), float64(3)}))
	})

	It("handler exception: call raises a RemoteError carrying the handler's kind and message", func() {
		transport := newTestTransport("ctrl-boom")
		_, cancel := startServer(transport, echoProxy{}, amqprpc.Topic, "echo.boom.T")
		defer cancel()

		ctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()

		_, err := transport.Call(ctx, rpcTestContext{}, "echo.boom.T", amqprpc.Envelope{
			"method": "Boom",
			"args":   map[string]any{},
		})
		Expect(err).To(HaveOccurred())

		remoteErr, ok := err.(*amqprpc.RemoteError)
		Expect(ok).To(BeTrue())
		Expect(remoteErr.Kind).To(Equal("*amqprpc_test.testKindError"))
		Expect(remoteErr.Message).To(ContainSubstring("nope"))
	})

	It("fanout broadcast: every bound server invokes the method exactly once", func() {
		transport := newTestTransport("ctrl-fanout")
		pingsA := &pingCounter{count: make(chan struct{}, 4)}
		pingsB := &pingCounter{count: make(chan struct{}, 4)}

		_, cancelA := startServer(transport, echoProxy{pings: pingsA}, amqprpc.Fanout, "network.events")
		defer cancelA()
		_, cancelB := startServer(transport, echoProxy{pings: pingsB}, amqprpc.Fanout, "network.events")
		defer cancelB()

		err := transport.FanoutCast(context.Background(), rpcTestContext{}, "network.events", amqprpc.Envelope{
			"method": "Ping",
			"args":   map[string]any{},
		})
		Expect(err).NotTo(HaveOccurred())

		Eventually(pingsA.count, "1s").Should(Receive())
		Eventually(pingsB.count, "1s").Should(Receive())
		Consistently(pingsA.count, "200ms").ShouldNot(Receive())
		Consistently(pingsB.count, "200ms").ShouldNot(Receive())
	})
})
