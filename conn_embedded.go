package ycsbkv

import (
	"bytes"
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// Embedded is a single-process key-value store implementing the Conn command
// set on top of Bolt (or memory). Search indexes are evaluated synchronously,
// so unlike a real server index they are never stale.
type Embedded struct {
	st     storage
	closed atomic.Bool
}

const (
	keysBucket    = "keys"
	hashBucket    = "hash"
	jsonBucket    = "json"
	ftBucket      = "ftindex"
	zscorePrefix  = "zscore:"
	zrankPrefix   = "zrank:"
	scoreKeyWidth = 8
)

const (
	typeHash byte = 'h'
	typeJSON byte = 'j'
	typeZSet byte = 'z'
)

var errWrongType = errors.New("WRONGTYPE operation against a key holding the wrong kind of value")

// OpenEmbedded opens a Bolt-backed embedded store at path.
func OpenEmbedded(path string) (*Embedded, error) {
	st, err := openBoltStorage(path, false)
	if err != nil {
		return nil, err
	}
	return &Embedded{st: st}, nil
}

// NewMemEmbedded returns a transient in-memory embedded store.
func NewMemEmbedded() *Embedded {
	return &Embedded{st: newMemStorage()}
}

func (e *Embedded) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.st.Close()
}

// Dialer returns a Dialer producing connections to e.
func (e *Embedded) Dialer() Dialer {
	return func(ctx context.Context) (Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.closed.Load() {
			return nil, fmt.Errorf("%w: embedded store closed", ErrConnection)
		}
		return &embeddedConn{e: e}, nil
	}
}

type embeddedConn struct {
	e      *Embedded
	closed atomic.Bool
}

func (c *embeddedConn) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() || c.e.closed.Load() {
		return fmt.Errorf("%w: connection closed", ErrConnection)
	}
	return nil
}

func (c *embeddedConn) view(ctx context.Context, f func(tx storageTx) error) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return storageView(c.e.st, f)
}

func (c *embeddedConn) update(ctx context.Context, f func(tx storageTx) error) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return storageUpdate(c.e.st, f)
}

func (c *embeddedConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *embeddedConn) Ping(ctx context.Context) error {
	return c.check(ctx)
}

func (c *embeddedConn) FlushDB(ctx context.Context) error {
	return c.update(ctx, func(tx storageTx) error {
		names := []string{keysBucket, hashBucket, jsonBucket, ftBucket}
		if keys := tx.Bucket(keysBucket); keys != nil {
			cur := keys.Cursor()
			for k, typ := cur.First(); k != nil; k, typ = cur.Next() {
				if len(typ) == 1 && typ[0] == typeZSet {
					names = append(names, zscorePrefix+string(k), zrankPrefix+string(k))
				}
			}
		}
		for _, name := range names {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func keyType(tx storageTx, key string) byte {
	b := tx.Bucket(keysBucket)
	if b == nil {
		return 0
	}
	v := b.Get([]byte(key))
	if len(v) != 1 {
		return 0
	}
	return v[0]
}

func setKeyType(tx storageTx, key string, typ byte) error {
	cur := keyType(tx, key)
	if cur == typ {
		return nil
	}
	if cur != 0 {
		return errWrongType
	}
	b, err := tx.CreateBucket(keysBucket)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), []byte{typ})
}

func readHash(tx storageTx, key string) (map[string][]byte, error) {
	switch keyType(tx, key) {
	case 0:
		return nil, nil
	case typeHash:
	default:
		return nil, errWrongType
	}
	b := tx.Bucket(hashBucket)
	if b == nil {
		return nil, nil
	}
	raw := b.Get([]byte(key))
	if raw == nil {
		return nil, nil
	}
	return decodeHashValue(raw)
}

func (c *embeddedConn) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	var result map[string][]byte
	err := c.view(ctx, func(tx storageTx) error {
		m, err := readHash(tx, key)
		result = m
		return err
	})
	if result == nil && err == nil {
		result = map[string][]byte{}
	}
	return result, err
}

func (c *embeddedConn) HMGet(ctx context.Context, key string, fields []string) (map[string][]byte, error) {
	all, err := c.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	result := make(map[string][]byte, len(fields))
	for _, f := range fields {
		if v, ok := all[f]; ok {
			result[f] = v
		}
	}
	return result, nil
}

// HSet with no fields writes nothing, so no empty hash is ever stored.
func (c *embeddedConn) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return c.check(ctx)
	}
	return c.update(ctx, func(tx storageTx) error {
		m, err := readHash(tx, key)
		if err != nil {
			return err
		}
		if err := setKeyType(tx, key, typeHash); err != nil {
			return err
		}
		if m == nil {
			m = make(map[string][]byte, len(fields))
		}
		for k, v := range fields {
			m[k] = v
		}
		raw, err := encodeHashValue(m)
		if err != nil {
			return err
		}
		b, err := tx.CreateBucket(hashBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), raw)
	})
}

func (c *embeddedConn) Del(ctx context.Context, key string) (int64, error) {
	var n int64
	err := c.update(ctx, func(tx storageTx) error {
		typ := keyType(tx, key)
		if typ == 0 {
			return nil
		}
		n = 1
		switch typ {
		case typeHash:
			ensure(tx.Bucket(hashBucket).Delete([]byte(key)))
		case typeJSON:
			ensure(tx.Bucket(jsonBucket).Delete([]byte(key)))
		case typeZSet:
			ensure(tx.DeleteBucket(zscorePrefix + key))
			ensure(tx.DeleteBucket(zrankPrefix + key))
		}
		return tx.Bucket(keysBucket).Delete([]byte(key))
	})
	return n, err
}

func (c *embeddedConn) JSONSet(ctx context.Context, key string, doc []byte) error {
	if !json.Valid(doc) {
		return dataErrf(doc, nil, "JSON.SET %s: invalid JSON", key)
	}
	return c.update(ctx, func(tx storageTx) error {
		if err := setKeyType(tx, key, typeJSON); err != nil {
			return err
		}
		b, err := tx.CreateBucket(jsonBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), doc)
	})
}

func (c *embeddedConn) JSONGet(ctx context.Context, key string) ([]byte, bool, error) {
	var doc []byte
	err := c.view(ctx, func(tx storageTx) error {
		switch keyType(tx, key) {
		case 0:
			return nil
		case typeJSON:
		default:
			return errWrongType
		}
		doc = slices.Clone(tx.Bucket(jsonBucket).Get([]byte(key)))
		return nil
	})
	return doc, doc != nil, err
}

func (c *embeddedConn) ZAdd(ctx context.Context, set string, score float64, member string) error {
	return c.update(ctx, func(tx storageTx) error {
		if err := setKeyType(tx, set, typeZSet); err != nil {
			return err
		}
		scores, err := tx.CreateBucket(zscorePrefix + set)
		if err != nil {
			return err
		}
		ranks, err := tx.CreateBucket(zrankPrefix + set)
		if err != nil {
			return err
		}
		if old := scores.Get([]byte(member)); old != nil {
			if err := ranks.Delete(rankKey(decodeScore(old), member)); err != nil {
				return err
			}
		}
		if err := scores.Put([]byte(member), appendScore(nil, score)); err != nil {
			return err
		}
		return ranks.Put(rankKey(score, member), emptyValue)
	})
}

func (c *embeddedConn) ZRem(ctx context.Context, set string, member string) (int64, error) {
	var n int64
	err := c.update(ctx, func(tx storageTx) error {
		switch keyType(tx, set) {
		case 0:
			return nil
		case typeZSet:
		default:
			return errWrongType
		}
		scores, ranks := tx.Bucket(zscorePrefix+set), tx.Bucket(zrankPrefix+set)
		old := scores.Get([]byte(member))
		if old == nil {
			return nil
		}
		n = 1
		ensure(ranks.Delete(rankKey(decodeScore(old), member)))
		ensure(scores.Delete([]byte(member)))
		if k, _ := scores.Cursor().First(); k == nil {
			ensure(tx.DeleteBucket(zscorePrefix + set))
			ensure(tx.DeleteBucket(zrankPrefix + set))
			return tx.Bucket(keysBucket).Delete([]byte(set))
		}
		return nil
	})
	return n, err
}

func (c *embeddedConn) ZScore(ctx context.Context, set string, member string) (float64, bool, error) {
	var score float64
	var found bool
	err := c.view(ctx, func(tx storageTx) error {
		switch keyType(tx, set) {
		case 0:
			return nil
		case typeZSet:
		default:
			return errWrongType
		}
		if v := tx.Bucket(zscorePrefix + set).Get([]byte(member)); v != nil {
			score, found = decodeScore(v), true
		}
		return nil
	})
	return score, found, err
}

func (c *embeddedConn) ZRangeByScore(ctx context.Context, set string, min, max float64) ([]string, error) {
	var members []string
	err := c.view(ctx, func(tx storageTx) error {
		switch keyType(tx, set) {
		case 0:
			return nil
		case typeZSet:
		default:
			return errWrongType
		}
		cur := tx.Bucket(zrankPrefix + set).Cursor()
		for k, _ := cur.Seek(appendScore(nil, min)); k != nil; k, _ = cur.Next() {
			if decodeScore(k[:scoreKeyWidth]) > max {
				break
			}
			members = append(members, string(k[scoreKeyWidth:]))
		}
		return nil
	})
	return members, err
}

func (c *embeddedConn) CreateIndex(ctx context.Context, def IndexDef) error {
	return c.update(ctx, func(tx storageTx) error {
		b, err := tx.CreateBucket(ftBucket)
		if err != nil {
			return err
		}
		if b.Get([]byte(def.Name)) != nil {
			return fmt.Errorf("%w: %s", ErrIndexExists, def.Name)
		}
		raw, err := msgpack.Marshal(&def)
		if err != nil {
			return err
		}
		return b.Put([]byte(def.Name), raw)
	})
}

type searchHit struct {
	score float64
	key   string
}

func (c *embeddedConn) Search(ctx context.Context, index string, field string, min float64, limit int) ([]string, error) {
	var hits []searchHit
	err := c.view(ctx, func(tx storageTx) error {
		var def IndexDef
		if b := tx.Bucket(ftBucket); b != nil {
			raw := b.Get([]byte(index))
			if raw == nil {
				return fmt.Errorf("%s: no such index", index)
			}
			if err := msgpack.Unmarshal(raw, &def); err != nil {
				return dataErrf(raw, err, "index definition %s", index)
			}
		} else {
			return fmt.Errorf("%s: no such index", index)
		}
		if field != def.Field {
			return fmt.Errorf("%s: unknown field %q", index, field)
		}

		keys := tx.Bucket(keysBucket)
		if keys == nil {
			return nil
		}
		prefix := []byte(def.Prefix)
		cur := keys.Cursor()
		for k, typ := cur.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, typ = cur.Next() {
			score, ok := indexedValue(tx, def, string(k), typ[0])
			if ok && score >= min {
				hits = append(hits, searchHit{score, string(k)})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(hits, func(a, b searchHit) int {
		if c := cmp.Compare(a.score, b.score); c != 0 {
			return c
		}
		return strings.Compare(a.key, b.key)
	})
	if limit >= 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	result := make([]string, len(hits))
	for i, h := range hits {
		result[i] = h.key
	}
	return result, nil
}

// indexedValue extracts the numeric indexed field of a document the way a
// search server would; documents without a parsable value are not indexed.
func indexedValue(tx storageTx, def IndexDef, key string, typ byte) (float64, bool) {
	switch {
	case def.On == DocHash && typ == typeHash:
		m, err := readHash(tx, key)
		if err != nil || m == nil {
			return 0, false
		}
		v, ok := m[def.Field]
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(string(v), 64)
		return f, err == nil
	case def.On == DocJSON && typ == typeJSON:
		var doc any
		if err := json.Unmarshal(tx.Bucket(jsonBucket).Get([]byte(key)), &doc); err != nil {
			return 0, false
		}
		path := def.Path
		if path == "" {
			path = "$." + def.Field
		}
		for _, el := range strings.Split(strings.TrimPrefix(path, "$."), ".") {
			m, ok := doc.(map[string]any)
			if !ok {
				return 0, false
			}
			doc = m[el]
		}
		f, ok := doc.(float64)
		return f, ok
	default:
		return 0, false
	}
}

var emptyValue = []byte{}

func encodeHashValue(m map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	enc.SetSortMapKeys(true)
	err := enc.Encode(m)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hash using MsgPack: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeHashValue(raw []byte) (map[string][]byte, error) {
	var m map[string][]byte
	if err := msgpack.Unmarshal(raw, &m); err != nil {
		return nil, dataErrf(raw, err, "failed to decode msgpack hash")
	}
	if m == nil {
		m = map[string][]byte{}
	}
	return m, nil
}

// appendScore appends an 8-byte big-endian encoding of f that sorts
// bytewise in numeric order.
func appendScore(buf []byte, f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(buf, bits)
}

func decodeScore(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

func rankKey(score float64, member string) []byte {
	buf := make([]byte, 0, scoreKeyWidth+len(member))
	buf = appendScore(buf, score)
	return append(buf, member...)
}
