package amqprpc

// Transport owns a Connection pool and the configuration used to build
// standalone Connections. It is the explicit, non-global object that the
// four RPC verbs and MsgReply operate against, replacing the "default
// connection"/pool-as-global-singleton pattern of the original (Design
// Notes: "The pool and any default connection should be explicit values
// owned by a transport object, not globals").
type Transport struct {
	cfg     Config
	pool    *Pool
	onRetry ErrCallback
}

// NewTransport builds a Transport: a Connection pool sized by
// cfg.ConnPoolSize, plus the configuration needed to dial standalone
// (non-pooled) Connections for NewServerConnection.
func NewTransport(cfg Config, onRetry ErrCallback) *Transport {
	cfg = cfg.WithDefaults()
	return &Transport{
		cfg:     cfg,
		pool:    NewPool(cfg, onRetry),
		onRetry: onRetry,
	}
}

// Pool exposes the underlying connection pool, e.g. for Acquire or
// WithConnection calls that share it with the transport.
func (t *Transport) Pool() *Pool {
	return t.pool
}

// Config returns the transport's configuration.
func (t *Transport) Config() Config {
	return t.cfg
}

// NewServerConnection dials a standalone, non-pooled Connection meant to
// live for the lifetime of a server process and host one or more
// long-running topic/fanout consumers.
func (t *Transport) NewServerConnection() (*Connection, error) {
	return NewConnection(t.cfg, t.onRetry)
}
