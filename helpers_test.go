package ycsbkv

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

// setupEmbedded returns an embedded store over a temporary Bolt file.
func setupEmbedded(t testing.TB) *Embedded {
	t.Helper()
	path := filepath.Join(t.TempDir(), "embedded_test.db")
	t.Logf("DB: %s", path)
	emb := &Embedded{st: must(openBoltStorage(path, true))}
	t.Cleanup(func() { emb.Close() })
	return emb
}

func setupMem(t testing.TB) *Embedded {
	t.Helper()
	emb := NewMemEmbedded()
	t.Cleanup(func() { emb.Close() })
	return emb
}

var testPoolOptions = PoolOptions{
	MaxSize:       8,
	MinIdle:       1,
	Patience:      2 * time.Second,
	ValidateAfter: time.Minute,
}

func newTestShared(t testing.TB, dial Dialer, opt PoolOptions) *Shared {
	t.Helper()
	return &Shared{
		Pool:        NewPoolManager(dial, opt, slog.Default(), nil),
		Seq:         &Sequence{},
		FanoutLimit: 4,
		Logger:      slog.Default(),
	}
}

func dialDirect(t testing.TB, dial Dialer) Conn {
	t.Helper()
	c := must(dial(context.Background()))
	t.Cleanup(func() { c.Close() })
	return c
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func rec(kv ...string) Record {
	r := make(Record, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i]] = []byte(kv[i+1])
	}
	return r
}

func recStrings(r Record) map[string]string {
	if r == nil {
		return nil
	}
	m := make(map[string]string, len(r))
	for k, v := range r {
		m[k] = string(v)
	}
	return m
}

func keysOf(recs []Record, field string) []string {
	var out []string
	for _, r := range recs {
		out = append(out, string(r[field]))
	}
	return out
}

// faultConn wraps a Conn and fails selected commands.
type faultConn struct {
	Conn
	f *faults
}

type faults struct {
	mu    sync.Mutex
	rules []func(op, key string) error
	live  atomic.Int32
	max   atomic.Int32
}

// failOn makes every op command on key (any key if "") fail with err.
func (f *faults) failOn(op, key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, func(o, k string) error {
		if o == op && (key == "" || k == key) {
			return err
		}
		return nil
	})
}

func (f *faults) check(op, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if err := r(op, key); err != nil {
			return err
		}
	}
	return nil
}

// dialer opens faulty connections through dial and tracks how many are open.
func (f *faults) dialer(dial Dialer) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := f.check("dial", ""); err != nil {
			return nil, err
		}
		c, err := dial(ctx)
		if err != nil {
			return nil, err
		}
		n := f.live.Add(1)
		for {
			m := f.max.Load()
			if n <= m || f.max.CompareAndSwap(m, n) {
				break
			}
		}
		return &faultConn{Conn: c, f: f}, nil
	}
}

func (c *faultConn) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	if err := c.f.check("hgetall", key); err != nil {
		return nil, err
	}
	return c.Conn.HGetAll(ctx, key)
}

func (c *faultConn) HMGet(ctx context.Context, key string, fields []string) (map[string][]byte, error) {
	if err := c.f.check("hmget", key); err != nil {
		return nil, err
	}
	return c.Conn.HMGet(ctx, key, fields)
}

func (c *faultConn) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if err := c.f.check("hset", key); err != nil {
		return err
	}
	return c.Conn.HSet(ctx, key, fields)
}

func (c *faultConn) ZAdd(ctx context.Context, set string, score float64, member string) error {
	if err := c.f.check("zadd", member); err != nil {
		return err
	}
	return c.Conn.ZAdd(ctx, set, score, member)
}

func (c *faultConn) ZRem(ctx context.Context, set string, member string) (int64, error) {
	if err := c.f.check("zrem", member); err != nil {
		return 0, err
	}
	return c.Conn.ZRem(ctx, set, member)
}

func (c *faultConn) JSONGet(ctx context.Context, key string) ([]byte, bool, error) {
	if err := c.f.check("jsonget", key); err != nil {
		return nil, false, err
	}
	return c.Conn.JSONGet(ctx, key)
}

func (c *faultConn) Ping(ctx context.Context) error {
	if err := c.f.check("ping", ""); err != nil {
		return err
	}
	return c.Conn.Ping(ctx)
}

func (c *faultConn) Close() error {
	c.f.live.Add(-1)
	return c.Conn.Close()
}

// eventually polls cond until it holds, failing the test after a second.
func eventually(t testing.TB, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("** timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
