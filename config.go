package amqprpc

import (
	"fmt"
	"time"
)

const (
	// DefaultControlExchange is the shared topic exchange used when Config
	// does not specify one.
	DefaultControlExchange = "corepulse"

	// DefaultConnPoolSize is the number of warm Connections the pool keeps.
	DefaultConnPoolSize = 30

	// DefaultWorkerPoolSize bounds concurrent proxy-method invocations per
	// ProxyDispatcher.
	DefaultWorkerPoolSize = 64

	// DefaultMaxRetries caps reconnect attempts before a Connection gives up.
	DefaultMaxRetries = 0 // 0 means "retry forever"

	// DefaultRetryIntervalStart is the initial backoff between reconnect
	// attempts.
	DefaultRetryIntervalStart = 1 * time.Second

	// DefaultRetryIntervalMax caps the backoff between reconnect attempts.
	DefaultRetryIntervalMax = 30 * time.Second

	// TransportAMQP dials a real broker.
	TransportAMQP = ""
	// TransportMemory selects the in-process fake broker; tests only.
	TransportMemory = "memory"
)

// Config carries every knob the transport needs. It is threaded explicitly
// into Pool and Connection constructors rather than read from a process-wide
// global, per the "explicit configuration value" guidance: nothing in this
// package consults flags, env vars or a config file directly.
type Config struct {
	// BrokerHost, BrokerPort, UserID, Password, VirtualHost are the AMQP
	// connection parameters. Ignored when Transport == TransportMemory.
	BrokerHost   string
	BrokerPort   int
	UserID       string
	Password     string
	VirtualHost  string

	// Transport selects the dial path: "" for a real broker, "memory" for
	// the in-process fake used by tests.
	Transport string

	// ControlExchange is the single topic exchange shared by all topic
	// producers/consumers.
	ControlExchange string

	// DurableTopicQueues controls whether topic queues/exchanges are
	// declared durable.
	DurableTopicQueues bool

	// MaxRetries caps reconnect attempts; 0 means retry forever.
	MaxRetries int

	// RetryIntervalStart and RetryIntervalMax bound the reconnect backoff.
	RetryIntervalStart time.Duration
	RetryIntervalMax   time.Duration

	// ConnPoolSize is the pool's capacity.
	ConnPoolSize int

	// WorkerPoolSize bounds concurrent handler invocations per dispatcher.
	WorkerPoolSize int

	// FatalOnRetryExhausted selects the failure model on retry exhaustion:
	// true (default) exits the process, false returns ErrBrokerUnreachable
	// to the caller instead. WithDefaults sets it to true on a Config it has
	// not defaulted before, so false takes effect only when set on a Config
	// already returned by WithDefaults.
	FatalOnRetryExhausted bool

	// set once by WithDefaults so callers can't silently re-apply zero
	// values on a Config that already has explicit overrides.
	defaulted bool
}

// WithDefaults returns a copy of cfg with zero-valued fields filled in from
// the package defaults, mirroring the teacher's applyDefaults.
func (cfg Config) WithDefaults() Config {
	if cfg.ControlExchange == "" {
		cfg.ControlExchange = DefaultControlExchange
	}
	if cfg.ConnPoolSize <= 0 {
		cfg.ConnPoolSize = DefaultConnPoolSize
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if cfg.RetryIntervalStart <= 0 {
		cfg.RetryIntervalStart = DefaultRetryIntervalStart
	}
	if cfg.RetryIntervalMax <= 0 {
		cfg.RetryIntervalMax = DefaultRetryIntervalMax
	}
	if !cfg.defaulted {
		cfg.FatalOnRetryExhausted = true
	}
	cfg.defaulted = true
	return cfg
}

// amqpURL builds the amqp091-go dial URL from the connection parameters.
func (cfg Config) amqpURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.UserID, cfg.Password, cfg.BrokerHost, cfg.BrokerPort, cfg.VirtualHost)
}

// RetryPolicy governs a Connection's reconnect backoff: {max_retries,
// interval_start, interval_step, interval_max} from spec.md §4.2.
type RetryPolicy struct {
	MaxRetries    int // 0 means unbounded
	IntervalStart time.Duration
	IntervalStep  time.Duration
	IntervalMax   time.Duration
}

// RetryPolicyFromConfig builds a RetryPolicy from a Config's reconnect
// knobs.
func RetryPolicyFromConfig(cfg Config) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    cfg.MaxRetries,
		IntervalStart: cfg.RetryIntervalStart,
		IntervalStep:  0,
		IntervalMax:   cfg.RetryIntervalMax,
	}
}

// ShouldRetry reports whether another reconnect attempt is permitted after
// the given number of attempts already made.
func (rp RetryPolicy) ShouldRetry(attempt int) bool {
	if rp.MaxRetries <= 0 {
		return true
	}
	return attempt < rp.MaxRetries
}

// Duration computes the backoff before the next attempt, capped at
// IntervalMax.
func (rp RetryPolicy) Duration(attempt int) time.Duration {
	d := rp.IntervalStart + time.Duration(attempt)*rp.IntervalStep
	if rp.IntervalMax > 0 && d > rp.IntervalMax {
		d = rp.IntervalMax
	}
	if d <= 0 {
		d = DefaultRetryIntervalStart
	}
	return d
}
