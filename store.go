package ycsbkv

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// RecordStore is the per-worker data access contract the benchmark driver uses.
// The table argument only labels errors; keys share one namespace.
type RecordStore interface {
	Read(ctx context.Context, table, key string, fields []string) (Record, error)
	Insert(ctx context.Context, table, key string, rec Record) error
	Update(ctx context.Context, table, key string, rec Record) error
	Delete(ctx context.Context, table, key string) error
	Scan(ctx context.Context, table, startKey string, count int, fields []string) ([]Record, error)
	Disconnect() error
}

// Shared is the process-wide state that every store of a benchmark run is
// built from. Tests create one per test to get independent pools.
type Shared struct {
	Pool        *PoolManager
	Seq         *Sequence
	FanoutLimit int
	Logger      *slog.Logger
	Metrics     *Metrics
}

func (sh *Shared) logger() *slog.Logger {
	if sh.Logger == nil {
		return slog.Default()
	}
	return sh.Logger
}

// Store combines one Codec and one Index over a pool handle.
type Store struct {
	kind        string
	handle      *PoolHandle
	codec       Codec
	index       Index
	fanoutLimit int
	logger      *slog.Logger
	metrics     *Metrics
	closed      atomic.Bool
}

var _ RecordStore = (*Store)(nil)

// NewStore acquires a handle on the shared pool and assembles a store.
func NewStore(ctx context.Context, sh *Shared, kind string, codec Codec, index Index) (*Store, error) {
	handle, err := sh.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	limit := sh.FanoutLimit
	if limit == 0 {
		limit = DefaultFanoutLimit
	}
	return &Store{
		kind:        kind,
		handle:      handle,
		codec:       codec,
		index:       index,
		fanoutLimit: limit,
		logger:      sh.logger().With("store", kind),
		metrics:     sh.Metrics,
	}, nil
}

// NewHashStore stores hashes and scans through the client-maintained sorted set.
func NewHashStore(ctx context.Context, sh *Shared, set string) (*Store, error) {
	if sh.Seq == nil {
		return nil, fmt.Errorf("hash store needs a shared Sequence")
	}
	return NewStore(ctx, sh, "hash", HashCodec{}, &SortedSetIndex{Set: set, Seq: sh.Seq})
}

// NewHashSearchStore stores hashes carrying a numeric id parsed from the key
// suffix and scans through a server-side search index.
func NewHashSearchStore(ctx context.Context, sh *Shared, index string) (*Store, error) {
	return NewStore(ctx, sh, "hash-search", HashCodec{ID: SuffixID}, &SearchIndex{Name: index, ID: SuffixID})
}

// NewJSONStore stores JSON documents carrying a hashed numeric id and scans
// through a server-side search index.
func NewJSONStore(ctx context.Context, sh *Shared, index string) (*Store, error) {
	return NewStore(ctx, sh, "json", DocumentCodec{ID: HashID}, &SearchIndex{Name: index, ID: HashID})
}

func (s *Store) Kind() string { return s.kind }

func (s *Store) with(ctx context.Context, f func(c Conn) error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return s.handle.With(ctx, f)
}

// indexDrift records an index step that failed after its record write
// succeeded. The write stands and the index stays inconsistent.
func (s *Store) indexDrift(op, table, key string, err error) {
	s.metrics.countIndexDrift(op)
	s.logger.Warn("ycsbkv: index update failed, index out of sync", "op", op, "table", table, "key", key, "err", err)
}

func (s *Store) Read(ctx context.Context, table, key string, fields []string) (Record, error) {
	start := time.Now()
	var rec Record
	err := s.with(ctx, func(c Conn) (err error) {
		rec, err = s.codec.Get(ctx, c, key, fields)
		return err
	})
	s.metrics.observeOp("read", start, err)
	if err != nil {
		return nil, opErr("read", table, key, err)
	}
	return rec, nil
}

func (s *Store) Insert(ctx context.Context, table, key string, rec Record) error {
	start := time.Now()
	err := s.with(ctx, func(c Conn) error {
		if err := s.codec.Put(ctx, c, key, rec); err != nil {
			return err
		}
		if err := s.index.Added(ctx, c, key); err != nil {
			s.indexDrift("insert", table, key, err)
		}
		return nil
	})
	s.metrics.observeOp("insert", start, err)
	if err != nil {
		return opErr("insert", table, key, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, table, key string, rec Record) error {
	start := time.Now()
	err := s.with(ctx, func(c Conn) error {
		return s.codec.Put(ctx, c, key, rec)
	})
	s.metrics.observeOp("update", start, err)
	if err != nil {
		return opErr("update", table, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, key string) error {
	start := time.Now()
	err := s.with(ctx, func(c Conn) error {
		n, err := c.Del(ctx, key)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		if err := s.index.Removed(ctx, c, key); err != nil {
			s.indexDrift("delete", table, key, err)
		}
		return nil
	})
	s.metrics.observeOp("delete", start, err)
	if err != nil {
		return opErr("delete", table, key, err)
	}
	return nil
}

// Scan resolves up to count keys from startKey through the index, then
// fetches them concurrently. Any failed fetch fails the whole scan.
func (s *Store) Scan(ctx context.Context, table, startKey string, count int, fields []string) ([]Record, error) {
	start := time.Now()
	recs, err := s.scan(ctx, startKey, count, fields)
	s.metrics.observeOp("scan", start, err)
	if err != nil {
		return nil, opErrf("scan", table, startKey, err, "count %d", count)
	}
	return recs, nil
}

func (s *Store) scan(ctx context.Context, startKey string, count int, fields []string) ([]Record, error) {
	var keys []string
	err := s.with(ctx, func(c Conn) (err error) {
		keys, err = s.index.Range(ctx, c, startKey, count)
		return err
	})
	if err != nil {
		return nil, err
	}

	recs, err := fanout(ctx, keys, s.fanoutLimit, func(ctx context.Context, key string) (Record, error) {
		var rec Record
		err := s.with(ctx, func(c Conn) (err error) {
			rec, err = s.codec.Get(ctx, c, key, fields)
			return err
		})
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScan, err)
	}
	return recs, nil
}

// Disconnect releases the store's claim on the shared pool. Later calls are no-ops.
func (s *Store) Disconnect() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.handle.Release()
	return nil
}
