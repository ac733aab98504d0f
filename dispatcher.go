package amqprpc

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/pkg/errors"
)

// Result is the value a proxy method hands back to the dispatcher: either
// a single value or a stream of values. This replaces the
// generator-vs-plain-value runtime check of the original implementation
// with an explicit tagged shape (spec.md Design Notes item 1); the wire
// protocol -- one reply per item, then a {result:nil,failure:nil}
// terminator -- is unchanged.
type Result struct {
	stream <-chan any
	single any
	isStream bool
}

// Single wraps a plain value as a one-reply Result.
func Single(v any) Result {
	return Result{single: v}
}

// Stream wraps a channel of values as a multi-reply Result; the dispatcher
// ranges over ch, emitting one reply per item, then the terminator once ch
// is closed.
func Stream(ch <-chan any) Result {
	return Result{stream: ch, isStream: true}
}

// Method is the signature a proxy's dispatchable methods must satisfy:
// args are bound by a single map (Go has no **kwargs), and ctx carries
// caller identity/propagation plus the reply hook bound to this request's
// msg_id.
type Method func(ctx Context, args map[string]any) (Result, error)

// ProxyDispatcher parses incoming request envelopes, invokes methods on a
// proxy object by name, and publishes replies back on the per-call direct
// reply queue named by the request's msg_id.
type ProxyDispatcher struct {
	proxy     any
	transport *Transport
	factory   ContextFactory
	sem       chan struct{}
}

// NewProxyDispatcher constructs a dispatcher over proxy, bounded to at most
// cfg.WorkerPoolSize concurrent handler invocations.
func NewProxyDispatcher(proxy any, transport *Transport, factory ContextFactory) *ProxyDispatcher {
	size := transport.Config().WorkerPoolSize
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	return &ProxyDispatcher{
		proxy:     proxy,
		transport: transport,
		factory:   factory,
		sem:       make(chan struct{}, size),
	}
}

// HandleMessage is the Consumer callback: it parses msg, extracts context,
// and schedules the actual invocation on the worker pool. It returns
// (almost) immediately -- the message is acked as soon as this returns, so
// broker throughput is not gated on handler latency.
func (d *ProxyDispatcher) HandleMessage(msg Envelope) {
	slog.Debug("received message", "msg", msg)

	ctx, msgID := UnpackContext(msg, d.factory)
	rc := &requestContext{
		Context: ctx,
		msgID:   msgID,
		reply: func(result any, failure []any) {
			if msgID == "" {
				return
			}
			d.sendReply(msgID, result, failure)
		},
	}

	method, _ := msg["method"].(string)
	if method == "" {
		slog.Warn("no method for message", "msg", msg)
		rc.Reply(nil, failureTriple(&MalformedRequestError{Envelope: msg}))
		return
	}

	args, _ := msg["args"].(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	d.sem <- struct{}{}
	go func() {
		defer func() { <-d.sem }()
		d.invoke(rc, method, args)
	}()
}

// sendReply publishes one reply envelope. When failure is non-empty it is
// sent verbatim (already marshalled by failureTriple in HandleMessage/invoke);
// otherwise the result goes through MsgReply's encodability fallback.
func (d *ProxyDispatcher) sendReply(msgID string, result any, failure []any) {
	if len(failure) > 0 {
		_ = d.transport.publishRawReply(msgID, Envelope{"result": nil, "failure": failure})
		return
	}
	_ = d.transport.MsgReply(context.Background(), msgID, result, nil)
}

func (d *ProxyDispatcher) invoke(ctx *requestContext, methodName string, args map[string]any) {
	result, err := d.call(ctx, methodName, args)
	if err != nil {
		ctx.Reply(nil, failureTriple(err))
		return
	}

	if result.isStream {
		for v := range result.stream {
			ctx.Reply(v, nil)
		}
	} else {
		ctx.Reply(result.single, nil)
	}
	// Terminator: tells the client-side waiter the stream is done.
	ctx.Reply(nil, nil)
}

// call resolves methodName on the proxy by reflection and invokes it,
// recovering from panics and reporting them the same way a returned error
// would be (HandlerException in spec.md §7).
func (d *ProxyDispatcher) call(ctx Context, methodName string, args map[string]any) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in handler %q: %v", methodName, r)
		}
	}()

	rv := reflect.ValueOf(d.proxy).MethodByName(methodName)
	if !rv.IsValid() {
		return Result{}, errors.Errorf("unknown method %q", methodName)
	}

	method, ok := rv.Interface().(func(Context, map[string]any) (Result, error))
	if !ok {
		return Result{}, errors.Errorf("method %q has unsupported signature", methodName)
	}

	return method(ctx, args)
}

// RegisterConsumer creates a Topic or Fanout consumer on conn whose
// callback dispatches onto d's proxy, mirroring impl_kombu.py's
// create_consumer(conn, topic, proxy, fanout).
func RegisterConsumer(conn *Connection, kind ExchangeKind, topic string, d *ProxyDispatcher) (*Consumer, error) {
	return conn.CreateConsumer(kind, topic, d.HandleMessage)
}
