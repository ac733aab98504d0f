package amqprpc

import (
	"context"
	"log/slog"

	uuid "github.com/satori/go.uuid"
)

// Cast sends msg on topic without waiting for a response.
func (t *Transport) Cast(ctx context.Context, caller Context, topic string, msg Envelope) error {
	slog.Debug("making asynchronous cast", "topic", topic)
	msg = msg.Clone()
	PackContext(msg, caller)

	return WithConnection(t.pool, func(conn *Connection) error {
		return conn.PublisherSend(ctx, Topic, topic, msg)
	})
}

// FanoutCast sends msg on a fanout exchange without waiting for a
// response.
func (t *Transport) FanoutCast(ctx context.Context, caller Context, topic string, msg Envelope) error {
	slog.Debug("making asynchronous fanout cast", "topic", topic)
	msg = msg.Clone()
	PackContext(msg, caller)

	return WithConnection(t.pool, func(conn *Connection) error {
		return conn.PublisherSend(ctx, Fanout, topic, msg)
	})
}

// MulticallWaiter drives the streaming reply protocol for one in-flight
// Multicall. It owns the Connection until Done() (explicit or implicit, on
// termination/error) returns it -- Multicall cannot use the pooled
// with-connection helper because ownership transfers to the iterator
// (spec.md §4.4).
type MulticallWaiter struct {
	conn    *Connection
	pool    *Pool
	msgID   string
	replies chan Envelope
	errCh   chan error
	cancel  context.CancelFunc
	stopped chan struct{}
	done    bool
}

// Done releases the underlying connection back to the pool. Safe to call
// more than once; an explicit caller-driven cancellation (e.g. the caller
// abandoning iteration early) should call this to avoid leaking the
// connection. cancel stops the background Consume goroutine draining this
// connection, and Done blocks on stopped until that goroutine has actually
// returned, before Reset/Release hand the connection to a new owner --
// otherwise two Consume loops could race over the same channels via
// reflect.Select.
func (w *MulticallWaiter) Done() {
	if w.done {
		return
	}
	w.done = true
	if w.cancel != nil {
		w.cancel()
	}
	if w.stopped != nil {
		<-w.stopped
	}
	if w.pool != nil && w.conn != nil {
		_ = w.conn.Reset()
		w.pool.Release(w.conn)
	}
}

// Next blocks for the next reply. It returns (value, true, nil) for each
// payload reply, (nil, false, nil) once the stream has terminated
// normally, or (nil, false, err) if the handler reported a failure (err is
// a *RemoteError) or the underlying drain failed.
func (w *MulticallWaiter) Next() (any, bool, error) {
	if w.done {
		return nil, false, nil
	}

	select {
	case env, ok := <-w.replies:
		if !ok {
			w.Done()
			return nil, false, nil
		}
		if failure := failureOf(env); len(failure) > 0 {
			w.Done()
			return nil, false, RemoteErrorFromFailure(failure)
		}
		if isTerminator(env) {
			w.Done()
			return nil, false, nil
		}
		return env["result"], true, nil
	case err := <-w.errCh:
		w.Done()
		return nil, false, err
	}
}

// Drain fully consumes the waiter, returning every payload reply in order.
func (w *MulticallWaiter) Drain() ([]any, error) {
	var out []any
	for {
		v, ok, err := w.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, v)
	}
}

// Multicall makes a request that returns multiple replies, terminated by
// an explicit end-of-stream marker. The returned MulticallWaiter owns the
// connection until the stream is drained, errors, or Done() is called
// explicitly.
func (t *Transport) Multicall(ctx context.Context, caller Context, topic string, msg Envelope) (*MulticallWaiter, error) {
	slog.Debug("making asynchronous multicall", "topic", topic)

	msgID := uuid.NewV4().String()
	msg = msg.Clone()
	msg["_msg_id"] = msgID
	PackContext(msg, caller)

	scoped, err := Acquire(t.pool, t.cfg, t.onRetry)
	if err != nil {
		return nil, err
	}
	conn, err := scoped.Connection()
	if err != nil {
		return nil, err
	}

	waiter := &MulticallWaiter{
		conn:    conn,
		pool:    t.pool,
		msgID:   msgID,
		replies: make(chan Envelope, 16),
		errCh:   make(chan error, 1),
	}

	if _, err := conn.CreateConsumer(Direct, msgID, func(env Envelope) {
		waiter.replies <- env
	}); err != nil {
		waiter.Done()
		return nil, err
	}

	// Own ctx for the lifetime of the waiter from here on: Done cancels it
	// and waits for the drain goroutine below to exit before the connection
	// is released back to the pool, so a stale drain loop can never race a
	// new owner's Consume over the same channels. cancel/stopped are only
	// attached to the waiter once the goroutine is actually running, so
	// Done never blocks on a stopped channel nothing will close.
	drainCtx, cancel := context.WithCancel(ctx)
	waiter.cancel = cancel
	waiter.stopped = make(chan struct{})

	go func() {
		defer close(waiter.stopped)
		if err := conn.Consume(drainCtx, 0); err != nil {
			waiter.errCh <- err
		}
	}()

	if err := conn.PublisherSend(ctx, Topic, topic, msg); err != nil {
		waiter.Done()
		return nil, err
	}

	return waiter, nil
}

// Call is a convenience wrapper that fully drains Multicall and returns
// the last non-terminator reply, or nil if there were none.
func (t *Transport) Call(ctx context.Context, caller Context, topic string, msg Envelope) (any, error) {
	waiter, err := t.Multicall(ctx, caller, topic, msg)
	if err != nil {
		return nil, err
	}

	replies, err := waiter.Drain()
	if err != nil {
		return nil, err
	}
	if len(replies) == 0 {
		return nil, nil
	}
	return replies[len(replies)-1], nil
}

// MsgReply sends one Direct reply to exchange msgID. If failure is
// non-nil, reply is ignored and failure is wired onto the envelope's
// failure key; no terminator follows a failure reply (the failure itself
// terminates the client-side stream). Traceback formatting happens here,
// not in the handler, so the handler never blocks on formatting.
func (t *Transport) MsgReply(ctx context.Context, msgID string, reply any, failure error) error {
	env := Envelope{"result": reply, "failure": nil}
	if failure != nil {
		env["result"] = nil
		env["failure"] = failureTriple(failure)
	} else if !jsonEncodable(reply) {
		env["result"] = shallowStringify(reply)
	}

	return t.publishRawReply(msgID, env)
}

// publishRawReply sends an already-built reply envelope verbatim, used by
// ProxyDispatcher when the failure triple has already been marshalled by
// the handler invocation path.
func (t *Transport) publishRawReply(msgID string, env Envelope) error {
	return WithConnection(t.pool, func(conn *Connection) error {
		return conn.PublisherSend(context.Background(), Direct, msgID, env)
	})
}
