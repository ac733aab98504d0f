package amqprpc

import (
	"sync"

	"github.com/pkg/errors"
)

// Pool is a fixed-size LIFO pool of warm Connections. Stack ordering keeps
// hot connections hot, letting idle ones age toward the bottom for future
// timeout reclamation (spec.md §4.3).
type Pool struct {
	cfg     Config
	onRetry ErrCallback

	mu      sync.Mutex
	cond    *sync.Cond
	idle    []*Connection
	outCount int
	maxSize int
}

// NewPool constructs a Pool bounded by cfg.ConnPoolSize.
func NewPool(cfg Config, onRetry ErrCallback) *Pool {
	cfg = cfg.WithDefaults()
	p := &Pool{
		cfg:     cfg,
		onRetry: onRetry,
		maxSize: cfg.ConnPoolSize,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a warm Connection from the pool, constructing a new one
// if the pool is empty and under capacity, else blocking until one is
// released.
func (p *Pool) Acquire() (*Connection, error) {
	p.mu.Lock()
	for len(p.idle) == 0 && p.outCount >= p.maxSize {
		p.cond.Wait()
	}

	if len(p.idle) > 0 {
		// LIFO: pop from the top of the stack.
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.outCount++
		p.mu.Unlock()
		return conn, nil
	}

	p.outCount++
	p.mu.Unlock()

	conn, err := NewConnection(p.cfg, p.onRetry)
	if err != nil {
		p.mu.Lock()
		p.outCount--
		p.cond.Signal()
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Release pushes conn back onto the pool's idle stack.
func (p *Pool) Release(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.idle = append(p.idle, conn)
	p.outCount--
	p.cond.Signal()
}

// ScopedConnection wraps pool acquisition so release happens on every exit
// path, including an error unwind. Reusing a handle after scope exit is a
// programming error, signaled via ReuseAfterReleaseError.
type ScopedConnection struct {
	pool     *Pool
	conn     *Connection
	pooled   bool
	released bool
}

// Acquire checks out a Connection, pooled or standalone. Pass pool == nil
// for a non-pooled handle that Close()s its Connection on release instead
// of returning it to a pool.
func Acquire(pool *Pool, cfg Config, onRetry ErrCallback) (*ScopedConnection, error) {
	if pool != nil {
		conn, err := pool.Acquire()
		if err != nil {
			return nil, err
		}
		return &ScopedConnection{pool: pool, conn: conn, pooled: true}, nil
	}

	conn, err := NewConnection(cfg, onRetry)
	if err != nil {
		return nil, err
	}
	return &ScopedConnection{conn: conn, pooled: false}, nil
}

// Connection returns the underlying Connection, or a
// *ReuseAfterReleaseError if the scope has already released it.
func (s *ScopedConnection) Connection() (*Connection, error) {
	if s.released {
		return nil, &ReuseAfterReleaseError{}
	}
	return s.conn, nil
}

// Release ends the scope: a pooled handle resets the Connection and
// returns it to the pool; a non-pooled handle closes it. Safe to call more
// than once.
func (s *ScopedConnection) Release() error {
	if s.released {
		return nil
	}
	s.released = true

	if s.pooled {
		if err := s.conn.Reset(); err != nil {
			return errors.Wrap(err, "unable to reset pooled connection")
		}
		s.pool.Release(s.conn)
		return nil
	}
	return s.conn.Close()
}

// WithConnection acquires a scoped Connection from pool, invokes fn, and
// guarantees Release runs on every exit path -- including fn panicking or
// returning an error. This is the higher-order "with-connection" helper
// named in Design Notes; Multicall cannot use it because ownership of the
// connection transfers to the returned MulticallWaiter.
func WithConnection(pool *Pool, fn func(*Connection) error) (err error) {
	scoped, err := Acquire(pool, Config{}, nil)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := scoped.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	conn, err := scoped.Connection()
	if err != nil {
		return err
	}
	return fn(conn)
}
