package ycsbkv

import "context"

// Conn is a single connection to the underlying key-value store.
//
// Lookups of missing keys are not errors: HGetAll returns an empty map,
// ZScore and JSONGet return found=false.
type Conn interface {
	// HGetAll returns all fields of the hash at key.
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	// HMGet returns the listed fields of the hash at key, omitting missing ones.
	HMGet(ctx context.Context, key string, fields []string) (map[string][]byte, error)

	// HSet upserts the given fields into the hash at key.
	HSet(ctx context.Context, key string, fields map[string][]byte) error

	// Del removes key of any type and returns the number of keys removed.
	Del(ctx context.Context, key string) (int64, error)

	ZAdd(ctx context.Context, set string, score float64, member string) error
	ZRem(ctx context.Context, set string, member string) (int64, error)
	ZScore(ctx context.Context, set string, member string) (score float64, found bool, err error)

	// ZRangeByScore returns members with min <= score <= max in ascending score order.
	ZRangeByScore(ctx context.Context, set string, min, max float64) ([]string, error)

	// Search queries a search index for documents whose numeric field is >= min,
	// returning up to limit document keys in ascending field order.
	Search(ctx context.Context, index string, field string, min float64, limit int) ([]string, error)

	// JSONSet replaces the whole JSON document at key.
	JSONSet(ctx context.Context, key string, doc []byte) error

	// JSONGet returns the JSON document at key.
	JSONGet(ctx context.Context, key string) (doc []byte, found bool, err error)

	// CreateIndex creates a search index. Creating an existing index fails
	// with ErrIndexExists.
	CreateIndex(ctx context.Context, def IndexDef) error

	FlushDB(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new connection to the store.
type Dialer func(ctx context.Context) (Conn, error)

// DocType is the kind of records a search index covers.
type DocType int

const (
	DocHash DocType = iota
	DocJSON
)

func (t DocType) String() string {
	if t == DocJSON {
		return "JSON"
	}
	return "HASH"
}

// IndexDef describes a server-side search index over a numeric field.
type IndexDef struct {
	Name   string
	On     DocType
	Prefix string

	// Field is the indexed attribute name; for JSON documents Path is
	// the JSONPath it is read from (e.g. "$.id").
	Field string
	Path  string
}
