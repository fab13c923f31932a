package ycsbkv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

type PoolOptions struct {
	// MaxSize bounds the number of open connections.
	MaxSize int32
	// MinIdle connections are opened when the pool is created.
	MinIdle int32
	// Patience is how long Lease waits for a free connection.
	Patience time.Duration
	// Connections idle for longer than ValidateAfter are pinged before
	// being handed out. Zero validates on every lease.
	ValidateAfter time.Duration
}

const (
	DefaultPoolMaxSize       = 20
	DefaultPoolMinIdle       = 2
	DefaultPoolPatience      = 5 * time.Second
	DefaultPoolValidateAfter = 30 * time.Second

	maxValidationAttempts = 3
)

func (opt PoolOptions) withDefaults() PoolOptions {
	if opt.MaxSize <= 0 {
		opt.MaxSize = DefaultPoolMaxSize
	}
	if opt.MinIdle < 0 {
		opt.MinIdle = 0
	}
	if opt.MinIdle > opt.MaxSize {
		opt.MinIdle = opt.MaxSize
	}
	if opt.Patience <= 0 {
		opt.Patience = DefaultPoolPatience
	}
	return opt
}

// Pool is a bounded, blocking pool of store connections.
type Pool struct {
	p       *puddle.Pool[Conn]
	opt     PoolOptions
	logger  *slog.Logger
	metrics *Metrics
}

func newPool(ctx context.Context, dial Dialer, opt PoolOptions, logger *slog.Logger, metrics *Metrics) (*Pool, error) {
	p, err := puddle.NewPool(&puddle.Config[Conn]{
		Constructor: func(ctx context.Context) (Conn, error) {
			c, err := dial(ctx)
			if err != nil {
				return nil, connErr(err)
			}
			return c, nil
		},
		Destructor: func(c Conn) {
			if err := c.Close(); err != nil {
				logger.Debug("ycsbkv: closing connection", "err", err)
			}
		},
		MaxSize: opt.MaxSize,
	})
	if err != nil {
		return nil, err
	}

	for i := int32(0); i < opt.MinIdle; i++ {
		if err := p.CreateResource(ctx); err != nil {
			p.Close()
			return nil, connErr(err)
		}
	}

	pool := &Pool{p: p, opt: opt, logger: logger, metrics: metrics}
	metrics.watchPool(pool)
	return pool, nil
}

// Lease checks out a connection, waiting up to the pool's patience.
// The caller must Release (or Discard) the lease.
func (p *Pool) Lease(ctx context.Context) (*Lease, error) {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, p.opt.Patience)
	defer cancel()

	for attempt := 1; ; attempt++ {
		res, err := p.p.Acquire(pctx)
		if err != nil {
			p.metrics.observeLeaseWait(time.Since(start))
			switch {
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case errors.Is(err, puddle.ErrClosedPool):
				return nil, fmt.Errorf("%w: pool closed", ErrConnection)
			case errors.Is(err, context.DeadlineExceeded):
				// A free slot means the time went into dialing, not waiting.
				if s := p.p.Stat(); s.AcquiredResources() < s.MaxResources() {
					return nil, fmt.Errorf("%w: no connection established within %v", ErrConnection, p.opt.Patience)
				}
				return nil, fmt.Errorf("%w: no connection within %v", ErrPoolExhausted, p.opt.Patience)
			default:
				return nil, connErr(err)
			}
		}

		if res.IdleDuration() >= p.opt.ValidateAfter {
			if err := res.Value().Ping(pctx); err != nil {
				p.logger.Debug("ycsbkv: dropping stale connection", "err", err)
				res.Destroy()
				if attempt >= maxValidationAttempts {
					p.metrics.observeLeaseWait(time.Since(start))
					return nil, connErr(err)
				}
				continue
			}
		}
		p.metrics.observeLeaseWait(time.Since(start))
		return &Lease{res: res}, nil
	}
}

// Stat reports the pool's current connection counts.
func (p *Pool) Stat() PoolStat {
	s := p.p.Stat()
	return PoolStat{
		Total:    s.TotalResources(),
		Idle:     s.IdleResources(),
		Acquired: s.AcquiredResources(),
		Max:      s.MaxResources(),
	}
}

func (p *Pool) close() {
	p.metrics.unwatchPool(p)
	p.p.Close()
}

type PoolStat struct {
	Total    int32
	Idle     int32
	Acquired int32
	Max      int32
}

// Lease is exclusive use of one pooled connection.
type Lease struct {
	res  *puddle.Resource[Conn]
	done bool
}

func (l *Lease) Conn() Conn {
	return l.res.Value()
}

// Release returns the connection to the pool. Safe to call more than once.
func (l *Lease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.res.Release()
}

// Discard closes the connection instead of returning it.
func (l *Lease) Discard() {
	if l.done {
		return
	}
	l.done = true
	l.res.Destroy()
}

// PoolManager owns one pool shared by every store of a process (or test).
// The pool is built by the first Acquire and closed when the last handle
// is released; a later Acquire builds a new one.
type PoolManager struct {
	dial    Dialer
	opt     PoolOptions
	logger  *slog.Logger
	metrics *Metrics

	mu   sync.Mutex
	pool *Pool
	refs atomic.Int32
}

func NewPoolManager(dial Dialer, opt PoolOptions, logger *slog.Logger, metrics *Metrics) *PoolManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &PoolManager{
		dial:    dial,
		opt:     opt.withDefaults(),
		logger:  logger,
		metrics: metrics,
	}
}

// Acquire returns a handle on the shared pool, creating the pool if needed.
func (m *PoolManager) Acquire(ctx context.Context) (*PoolHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool == nil {
		pool, err := newPool(ctx, m.dial, m.opt, m.logger, m.metrics)
		if err != nil {
			return nil, fmt.Errorf("creating connection pool: %w", err)
		}
		m.logger.Debug("ycsbkv: connection pool created", "max", m.opt.MaxSize, "min_idle", m.opt.MinIdle)
		m.pool = pool
	}
	m.refs.Add(1)
	return &PoolHandle{m: m, pool: m.pool}, nil
}

// Refs returns the number of outstanding handles.
func (m *PoolManager) Refs() int {
	return int(m.refs.Load())
}

func (m *PoolManager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs.Add(-1) == 0 && m.pool != nil {
		m.logger.Debug("ycsbkv: closing connection pool")
		m.pool.close()
		m.pool = nil
	}
}

// PoolHandle is one claim on a PoolManager's pool.
type PoolHandle struct {
	m        *PoolManager
	pool     *Pool
	released atomic.Bool
}

// Release gives up this claim. Only the first call has an effect.
func (h *PoolHandle) Release() {
	if h.released.Swap(true) {
		return
	}
	h.m.release()
}

func (h *PoolHandle) Pool() *Pool {
	return h.pool
}

func (h *PoolHandle) Lease(ctx context.Context) (*Lease, error) {
	if h.released.Load() {
		return nil, fmt.Errorf("%w: pool handle released", ErrClosed)
	}
	return h.pool.Lease(ctx)
}

// With runs f with a leased connection and always gives the connection
// back; connections that failed with ErrConnection are discarded.
func (h *PoolHandle) With(ctx context.Context, f func(c Conn) error) error {
	l, err := h.Lease(ctx)
	if err != nil {
		return err
	}
	defer l.Release()

	err = f(l.Conn())
	if isConnectionFailure(err) {
		l.Discard()
	}
	return err
}
