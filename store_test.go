package ycsbkv

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type assembly struct {
	name string
	// injectsID reports whether reads return the id field.
	injectsID bool
	// replaces reports whether updates replace the whole record.
	replaces bool
	// searches reports whether scans go through a search index.
	searches bool
	open     func(ctx context.Context, sh *Shared) (*Store, error)
	def      IndexDef
}

const testSet = "_key_index"

var assemblies = []assembly{
	{
		name: "hash",
		open: func(ctx context.Context, sh *Shared) (*Store, error) {
			return NewHashStore(ctx, sh, testSet)
		},
	},
	{
		name:      "hash-search",
		injectsID: true,
		searches:  true,
		open: func(ctx context.Context, sh *Shared) (*Store, error) {
			return NewHashSearchStore(ctx, sh, "id_hash_index")
		},
		def: IndexDef{Name: "id_hash_index", On: DocHash, Prefix: "user", Field: IDField},
	},
	{
		name:     "json",
		replaces: true,
		searches: true,
		open: func(ctx context.Context, sh *Shared) (*Store, error) {
			return NewJSONStore(ctx, sh, "id_json_index")
		},
		def: IndexDef{Name: "id_json_index", On: DocJSON, Prefix: "user", Field: IDField, Path: "$.id"},
	},
}

type backendCase struct {
	name  string
	setup func(t testing.TB) *Embedded
}

var backends = []backendCase{
	{"mem", setupMem},
	{"bolt", setupEmbedded},
}

// eachStore runs f for every assembly over every embedded backend.
func eachStore(t *testing.T, f func(t *testing.T, a assembly, st *Store, c Conn)) {
	for _, b := range backends {
		for _, a := range assemblies {
			t.Run(b.name+"/"+a.name, func(t *testing.T) {
				emb := b.setup(t)
				st, c := openAssembly(t, a, emb.Dialer())
				f(t, a, st, c)
			})
		}
	}
}

func openAssembly(t *testing.T, a assembly, dial Dialer) (*Store, Conn) {
	t.Helper()
	ctx := context.Background()
	c := dialDirect(t, dial)
	if a.searches {
		ensure(c.CreateIndex(ctx, a.def))
	}
	st := must(a.open(ctx, newTestShared(t, dial, testPoolOptions)))
	t.Cleanup(func() { st.Disconnect() })
	return st, c
}

func (a assembly) expect(key string, r Record) map[string]string {
	m := recStrings(r)
	if a.injectsID {
		m[IDField] = string(formatID(must(SuffixID(key))))
	}
	return m
}

// scanOrder predicts a scan from start over the inserted keys, with the
// deleted ones removed from the store and its index.
func (a assembly) scanOrder(inserted, deleted []string, start string, count int) []string {
	var out []string
	if !a.searches {
		i := slices.Index(inserted, start)
		if i < 0 {
			return nil
		}
		for _, k := range inserted[i:min(i+count, len(inserted))] {
			if !slices.Contains(deleted, k) {
				out = append(out, k)
			}
		}
		return out
	}

	id := SuffixID
	if a.name == "json" {
		id = HashID
	}
	from := must(id(start))
	for _, k := range inserted {
		if !slices.Contains(deleted, k) && must(id(k)) >= from {
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(x, y string) int {
		return cmp.Compare(must(id(x)), must(id(y)))
	})
	return out[:min(count, len(out))]
}

// first returns the key a scan has to start at to cover all of keys.
func (a assembly) first(keys []string) string {
	return a.scanOrder(keys, nil, keys[0], len(keys))[0]
}

func insertKeys(t testing.TB, st *Store, keys ...string) {
	t.Helper()
	for _, k := range keys {
		ensure(st.Insert(context.Background(), "usertable", k, rec("k", k, "f", "v"+k)))
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		r := rec("field0", "alpha", "field1", "beta", "empty", "")
		ensure(st.Insert(ctx, "usertable", "user1", r))

		got := must(st.Read(ctx, "usertable", "user1", nil))
		deepEqual(t, recStrings(got), a.expect("user1", r))

		got = must(st.Read(ctx, "usertable", "user1", []string{"field1", "missing"}))
		deepEqual(t, recStrings(got), map[string]string{"field1": "beta"})
	})
}

func TestStoreNotFound(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		_, err := st.Read(ctx, "usertable", "user404", nil)
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Read(missing) err = %v, wanted ErrNotFound", err)
		}
		deepEqual(t, StatusOf(err), StatusError)

		var oe *OpError
		if !errors.As(err, &oe) || oe.Op != "read" || oe.Key != "user404" || oe.Table != "usertable" {
			t.Errorf("Read(missing) err = %#v, wanted OpError for read usertable/user404", err)
		}

		insertKeys(t, st, "user1")
		if _, err := st.Read(ctx, "usertable", "user1", []string{"nope"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("Read(no such field) err = %v, wanted ErrNotFound", err)
		}
		if err := st.Delete(ctx, "usertable", "user404"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete(missing) err = %v, wanted ErrNotFound", err)
		}
	})
}

func TestStoreUpdateSemantics(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		ensure(st.Insert(ctx, "usertable", "user7", rec("a", "1", "b", "2")))
		ensure(st.Update(ctx, "usertable", "user7", rec("b", "3")))

		got := must(st.Read(ctx, "usertable", "user7", nil))
		if a.replaces {
			deepEqual(t, recStrings(got), a.expect("user7", rec("b", "3")))
		} else {
			deepEqual(t, recStrings(got), a.expect("user7", rec("a", "1", "b", "3")))
		}

		// updating a missing key creates it
		ensure(st.Update(ctx, "usertable", "user8", rec("b", "3")))
		got = must(st.Read(ctx, "usertable", "user8", nil))
		deepEqual(t, recStrings(got), a.expect("user8", rec("b", "3")))
	})
}

func TestStoreScanOrder(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		keys := []string{"user5", "user1", "user3"}
		insertKeys(t, st, keys...)

		for _, start := range keys {
			recs := must(st.Scan(ctx, "usertable", start, 2, nil))
			deepEqual(t, keysOf(recs, "k"), a.scanOrder(keys, nil, start, 2))
		}

		recs := must(st.Scan(ctx, "usertable", a.first(keys), 10, []string{"k"}))
		deepEqual(t, keysOf(recs, "k"), a.scanOrder(keys, nil, a.first(keys), 10))
		deepEqual(t, len(recs), 3)
		for _, r := range recs {
			deepEqual(t, r.Fields(), []string{"k"})
		}
		if !a.searches {
			// insertion order, not key order
			deepEqual(t, keysOf(recs, "k"), keys)
		}

		isempty(t, must(st.Scan(ctx, "usertable", "user1", 0, nil)))
	})
}

func TestStoreScanFromUnindexedKey(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		keys := []string{"user1", "user2", "user3"}
		insertKeys(t, st, keys...)

		recs := must(st.Scan(ctx, "usertable", "user0", 5, nil))
		if a.searches {
			deepEqual(t, keysOf(recs, "k"), a.scanOrder(keys, nil, "user0", 5))
		} else {
			isempty(t, recs)
		}
	})
}

func TestStoreDeleteExcludedFromScan(t *testing.T) {
	ctx := context.Background()
	eachStore(t, func(t *testing.T, a assembly, st *Store, c Conn) {
		keys := []string{"user1", "user2", "user3"}
		insertKeys(t, st, keys...)
		ensure(st.Delete(ctx, "usertable", "user2"))

		if _, err := st.Read(ctx, "usertable", "user2", nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("Read(deleted) err = %v, wanted ErrNotFound", err)
		}
		start := a.first(keys)
		recs := must(st.Scan(ctx, "usertable", start, 3, nil))
		got := keysOf(recs, "k")
		deepEqual(t, got, a.scanOrder(keys, []string{"user2"}, start, 3))
		if slices.Contains(got, "user2") {
			t.Errorf("** scan returned deleted key: %v", got)
		}
	})
}

func TestStoreConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	const workers = 12
	const perWorker = 25

	for _, a := range assemblies {
		t.Run(a.name, func(t *testing.T) {
			emb := setupEmbedded(t)
			f := &faults{}
			dial := f.dialer(emb.Dialer())
			c := dialDirect(t, emb.Dialer())
			if a.searches {
				ensure(c.CreateIndex(ctx, a.def))
			}
			opt := testPoolOptions
			opt.MaxSize = 4
			sh := newTestShared(t, dial, opt)

			var wg sync.WaitGroup
			errs := make(chan error, workers*perWorker)
			for w := range workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					st, err := a.open(ctx, sh)
					if err != nil {
						errs <- err
						return
					}
					defer st.Disconnect()
					for i := range perWorker {
						key := fmt.Sprintf("user%d", w*perWorker+i)
						errs <- st.Insert(ctx, "usertable", key, rec("k", key))
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("Insert: %v", err)
				}
			}

			if m := f.max.Load(); m > opt.MaxSize {
				t.Errorf("** %d connections open at once, wanted at most %d", m, opt.MaxSize)
			}
			if n := sh.Pool.Refs(); n != 0 {
				t.Errorf("** %d pool handles outstanding after disconnect", n)
			}
			eventually(t, "connections to close after the last disconnect", func() bool { return f.live.Load() == 0 })

			if !a.searches {
				members := must(c.ZRangeByScore(ctx, testSet, 1, workers*perWorker))
				deepEqual(t, len(members), workers*perWorker)
				slices.Sort(members)
				deepEqual(t, len(slices.Compact(members)), workers*perWorker)
			}
			st := must(a.open(ctx, sh))
			defer st.Disconnect()
			for i := range workers * perWorker {
				key := fmt.Sprintf("user%d", i)
				got, err := st.Read(ctx, "usertable", key, []string{"k"})
				if err != nil {
					t.Fatalf("Read(%s): %v", key, err)
				}
				deepEqual(t, recStrings(got), map[string]string{"k": key})
			}
		})
	}
}

func TestStoreScanFetchFailure(t *testing.T) {
	ctx := context.Background()
	for _, a := range assemblies {
		t.Run(a.name, func(t *testing.T) {
			emb := setupMem(t)
			f := &faults{}
			st, _ := openAssembly(t, a, f.dialer(emb.Dialer()))
			keys := []string{"user1", "user2", "user3"}
			insertKeys(t, st, keys...)

			broken := fmt.Errorf("%w: reset by peer", ErrConnection)
			f.failOn("hgetall", "user2", broken)
			f.failOn("jsonget", "user2", broken)

			recs, err := st.Scan(ctx, "usertable", a.first(keys), 3, nil)
			if !errors.Is(err, ErrScan) || !errors.Is(err, ErrConnection) {
				t.Fatalf("Scan err = %v, wanted ErrScan wrapping ErrConnection", err)
			}
			var oe *OpError
			if !errors.As(err, &oe) || oe.Op != "scan" || oe.Key != a.first(keys) || oe.Msg != "count 3" {
				t.Errorf("Scan err = %#v, wanted OpError for scan from %s with count 3", err, a.first(keys))
			}
			if recs != nil {
				t.Errorf("** Scan returned partial results %v", recs)
			}

			bnd := NewBinding(st, nil)
			recs, status := bnd.Scan(ctx, "usertable", a.first(keys), 3, nil)
			deepEqual(t, status, StatusError)
			if recs != nil {
				t.Errorf("** Binding.Scan returned partial results %v", recs)
			}

			// the failing fetch did not break the store
			got := must(st.Read(ctx, "usertable", "user3", []string{"k"}))
			deepEqual(t, recStrings(got), map[string]string{"k": "user3"})
		})
	}
}

func TestStoreIndexDrift(t *testing.T) {
	ctx := context.Background()
	emb := setupMem(t)
	f := &faults{}
	dial := f.dialer(emb.Dialer())
	reg := prometheus.NewRegistry()
	sh := newTestShared(t, dial, testPoolOptions)
	sh.Metrics = NewMetrics(reg)
	st := must(NewHashStore(ctx, sh, testSet))
	defer st.Disconnect()

	f.failOn("zadd", "user2", errors.New("ERR injected"))
	f.failOn("zrem", "user3", errors.New("ERR injected"))

	insertKeys(t, st, "user1", "user2", "user3", "user4")
	deepEqual(t, testutil.ToFloat64(sh.Metrics.indexDrift.WithLabelValues("insert")), 1.0)

	// the record exists but was never indexed
	got := must(st.Read(ctx, "usertable", "user2", []string{"k"}))
	deepEqual(t, recStrings(got), map[string]string{"k": "user2"})
	isempty(t, must(st.Scan(ctx, "usertable", "user2", 5, nil)))

	// user3 stays in the index after its record is gone
	ensure(st.Delete(ctx, "usertable", "user3"))
	deepEqual(t, testutil.ToFloat64(sh.Metrics.indexDrift.WithLabelValues("delete")), 1.0)

	_, err := st.Scan(ctx, "usertable", "user1", 3, nil)
	if !errors.Is(err, ErrScan) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Scan over a vanished record err = %v, wanted ErrScan wrapping ErrNotFound", err)
	}

	deepEqual(t, testutil.ToFloat64(sh.Metrics.ops.WithLabelValues("insert", "OK")), 4.0)
	deepEqual(t, testutil.ToFloat64(sh.Metrics.ops.WithLabelValues("scan", "ERROR")), 1.0)
}

func TestStoreEncodingError(t *testing.T) {
	ctx := context.Background()
	emb := setupMem(t)
	st, _ := openAssembly(t, assemblies[2], emb.Dialer())

	err := st.Insert(ctx, "usertable", "user1", Record{"bin": {0xff, 0xfe}})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("Insert(non-UTF-8) err = %v, wanted ErrEncoding", err)
	}
	if _, err := st.Read(ctx, "usertable", "user1", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("Read after failed insert err = %v, wanted ErrNotFound", err)
	}
}

func TestStoreDisconnect(t *testing.T) {
	ctx := context.Background()
	emb := setupMem(t)
	sh := newTestShared(t, emb.Dialer(), testPoolOptions)

	a := must(NewHashStore(ctx, sh, testSet))
	b := must(NewJSONStore(ctx, sh, "id_json_index"))
	deepEqual(t, sh.Pool.Refs(), 2)
	if a.handle.Pool() != b.handle.Pool() {
		t.Fatalf("** stores of one Shared use different pools")
	}

	ensure(a.Disconnect())
	ensure(a.Disconnect())
	deepEqual(t, sh.Pool.Refs(), 1)
	if err := a.Insert(ctx, "usertable", "user1", rec("a", "1")); !errors.Is(err, ErrClosed) {
		t.Errorf("Insert after Disconnect err = %v, wanted ErrClosed", err)
	}

	ensure(b.Insert(ctx, "usertable", "user1", rec("a", "1")))
	ensure(b.Disconnect())
	deepEqual(t, sh.Pool.Refs(), 0)
}

func TestNewHashStoreNeedsSequence(t *testing.T) {
	emb := setupMem(t)
	sh := newTestShared(t, emb.Dialer(), testPoolOptions)
	sh.Seq = nil
	if _, err := NewHashStore(context.Background(), sh, testSet); err == nil {
		t.Fatalf("NewHashStore without a Sequence succeeded")
	}
	deepEqual(t, sh.Pool.Refs(), 0)
}
