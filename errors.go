package amqprpc

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrShutdown is a sentinel naming a shut-down connection. No operation in
// this package returns it; operations on a Connection after Close() are not
// guarded by it.
var ErrShutdown = errors.New("amqprpc: connection is shut down")

// ErrBrokerUnreachable is returned instead of a fatal process exit when
// Config.FatalOnRetryExhausted is false and reconnect attempts are
// exhausted.
var ErrBrokerUnreachable = errors.New("amqprpc: broker unreachable, retries exhausted")

// MalformedRequestError is replied to the caller (and never escapes the
// dispatcher as a panic) when an incoming request is missing "method".
type MalformedRequestError struct {
	Envelope Envelope
}

func (e *MalformedRequestError) Error() string {
	return fmt.Sprintf("amqprpc: malformed request, no method in message: %v", e.Envelope)
}

// ReuseAfterReleaseError is returned when a ScopedConnection is
// used after its scope has already released the underlying Connection.
type ReuseAfterReleaseError struct{}

func (e *ReuseAfterReleaseError) Error() string {
	return "amqprpc: scoped connection used after release"
}

// RemoteError is the client-side representation of a handler failure
// marshalled across the wire as (kind, message, traceback).
type RemoteError struct {
	Kind      string
	Message   string
	Traceback []string
}

func (e *RemoteError) Error() string {
	if len(e.Traceback) == 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s\n%s", e.Kind, e.Message, strings.Join(e.Traceback, "\n"))
}

// RemoteErrorFromFailure reconstructs a RemoteError from a reply envelope's
// failure triple (kind, message, traceback lines).
func RemoteErrorFromFailure(failure []any) *RemoteError {
	re := &RemoteError{}
	if len(failure) > 0 {
		re.Kind, _ = failure[0].(string)
	}
	if len(failure) > 1 {
		re.Message, _ = failure[1].(string)
	}
	if len(failure) > 2 {
		if lines, ok := failure[2].([]string); ok {
			re.Traceback = lines
		} else if raw, ok := failure[2].([]any); ok {
			for _, l := range raw {
				if s, ok := l.(string); ok {
					re.Traceback = append(re.Traceback, s)
				}
			}
		}
	}
	return re
}

// failureTriple marshals an error into the wire (kind, message, traceback)
// triple used by reply envelopes. Traceback formatting happens here, in the
// reply path, so handlers never block on formatting (spec.md §4.6).
func failureTriple(err error) []any {
	kind := errorKind(err)
	message := errors.Cause(err).Error()
	traceback := formatTraceback(err)
	return []any{kind, message, traceback}
}

func errorKind(err error) string {
	switch err.(type) {
	case *MalformedRequestError:
		return "MalformedRequestError"
	case *ReuseAfterReleaseError:
		return "ReuseAfterReleaseError"
	case *RemoteError:
		return "RemoteError"
	default:
		return fmt.Sprintf("%T", errors.Cause(err))
	}
}

func formatTraceback(err error) []string {
	type stackTracer interface {
		StackTrace() errors.StackTrace
	}

	lines := []string{err.Error()}
	if st, ok := err.(stackTracer); ok {
		for _, frame := range st.StackTrace() {
			lines = append(lines, fmt.Sprintf("%+v", frame))
		}
	}
	return lines
}
