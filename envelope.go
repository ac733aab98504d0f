package amqprpc

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// contextPrefix is the reserved key prefix carrying one flattened context
// field, per spec.md §3.
const contextPrefix = "_context_"

// msgIDKey names the envelope key that marks a request as expecting
// replies and identifies the direct reply exchange/queue.
const msgIDKey = "_msg_id"

// Envelope is the wire message: a mapping of string keys to values,
// JSON-equivalent per spec.md §3/§6.
type Envelope map[string]any

// Clone returns a shallow copy of the envelope so callers can reuse a msg
// template across multiple sends without aliasing bugs.
func (e Envelope) Clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(map[string]any(e))
}

func decodeEnvelope(body []byte) (Envelope, error) {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "unable to decode envelope")
	}
	return Envelope(raw), nil
}

// Context is caller identity/propagation carried inline in the envelope
// under the reserved _context_ prefix. The core treats it opaquely except
// for msg_id, which it tracks separately.
type Context interface {
	// ToDict flattens the context into wire-serializable fields.
	ToDict() map[string]any
}

// ContextFactory reconstructs a Context from its flattened dict form. The
// core has no way to know the caller's concrete context type, so it is
// supplied explicitly (c.f. Design Notes "explicit configuration value").
type ContextFactory func(fields map[string]any) Context

// replyFunc is bound to a request's msg_id so proxy methods can reply
// without reaching back into the dispatcher. It is a no-op for casts (no
// msg_id).
type replyFunc func(result any, failure []any)

// requestContext wraps a caller Context with the msg_id and reply hook the
// dispatcher attaches once a request has been unpacked.
type requestContext struct {
	Context
	msgID string
	reply replyFunc
}

// Reply invokes the bound reply hook, a no-op when there was no msg_id
// (i.e. for casts).
func (c *requestContext) Reply(result any, failure []any) {
	if c.reply != nil {
		c.reply(result, failure)
	}
}

// PackContext moves every context field into a _context_<name> key of msg,
// mirroring impl_kombu.py's _pack_context.
func PackContext(msg Envelope, ctx Context) {
	if ctx == nil {
		return
	}
	for k, v := range ctx.ToDict() {
		msg[contextPrefix+k] = v
	}
}

// UnpackContext pulls every _context_<name> key (and _msg_id) out of msg
// and reconstructs a Context via factory, mirroring
// impl_kombu.py's _unpack_context. msg is mutated: context keys are
// removed, leaving only "method"/"args".
func UnpackContext(msg Envelope, factory ContextFactory) (Context, string) {
	fields := make(map[string]any)
	for k := range msg {
		if len(k) > len(contextPrefix) && k[:len(contextPrefix)] == contextPrefix {
			fields[k[len(contextPrefix):]] = msg[k]
			delete(msg, k)
		}
	}
	msgID, _ := msg[msgIDKey].(string)
	delete(msg, msgIDKey)

	if factory == nil {
		return nil, msgID
	}
	return factory(fields), msgID
}

// replyEnvelope builds the {result, failure} wire shape, both keys always
// present (one nil), per spec.md §3.
func replyEnvelope(result any, failure []any) Envelope {
	return Envelope{
		"result":  result,
		"failure": failure,
	}
}

// isTerminator reports whether an incoming reply envelope is the explicit
// end-of-stream marker {result: null, failure: null}.
func isTerminator(e Envelope) bool {
	return e["result"] == nil && isEmptyFailure(e["failure"])
}

func isEmptyFailure(v any) bool {
	if v == nil {
		return true
	}
	if arr, ok := v.([]any); ok {
		return len(arr) == 0
	}
	return false
}

func failureOf(e Envelope) []any {
	switch f := e["failure"].(type) {
	case []any:
		return f
	case nil:
		return nil
	default:
		return nil
	}
}
