package ycsbkv

import (
	"context"
	"encoding/json"
	"unicode/utf8"
)

// IDField is the record attribute search indexes are built over.
const IDField = "id"

// Codec stores records in one storage representation.
type Codec interface {
	// Put writes rec at key. Whether fields absent from rec survive is up
	// to the codec.
	Put(ctx context.Context, c Conn, key string, rec Record) error

	// Get reads the record at key, restricted to fields unless fields is nil.
	// A missing key or an empty result is ErrNotFound.
	Get(ctx context.Context, c Conn, key string, fields []string) (Record, error)

	DocType() DocType
}

// HashCodec stores a record as a flat hash, one hash field per record field.
// Writes are field upserts, so an update leaves unmentioned fields intact.
type HashCodec struct {
	// ID, when set, adds a numeric IDField to every written hash.
	ID IDFunc
}

func (HashCodec) DocType() DocType { return DocHash }

// Encode returns the hash fields to write for rec.
func (hc HashCodec) Encode(key string, rec Record) (map[string][]byte, error) {
	if hc.ID == nil {
		return rec, nil
	}
	id, err := hc.ID(key)
	if err != nil {
		return nil, err
	}
	fields := make(map[string][]byte, len(rec)+1)
	for k, v := range rec {
		fields[k] = v
	}
	fields[IDField] = formatID(id)
	return fields, nil
}

func (hc HashCodec) Put(ctx context.Context, c Conn, key string, rec Record) error {
	fields, err := hc.Encode(key, rec)
	if err != nil {
		return err
	}
	return c.HSet(ctx, key, fields)
}

func (hc HashCodec) Get(ctx context.Context, c Conn, key string, fields []string) (Record, error) {
	var m map[string][]byte
	var err error
	if fields == nil {
		m, err = c.HGetAll(ctx, key)
	} else {
		m, err = c.HMGet(ctx, key, fields)
	}
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, ErrNotFound
	}
	return Record(m), nil
}

// DocumentCodec stores a record as one JSON document,
// {"id": <n>, "fields": {"name": "value", ...}}. Writes replace the whole
// document. Field values must be valid UTF-8.
type DocumentCodec struct {
	ID IDFunc
}

type document struct {
	ID     float64           `json:"id"`
	Fields map[string]string `json:"fields"`
}

func (DocumentCodec) DocType() DocType { return DocJSON }

func (dc DocumentCodec) Encode(key string, rec Record) ([]byte, error) {
	doc := document{Fields: make(map[string]string, len(rec))}
	if dc.ID != nil {
		id, err := dc.ID(key)
		if err != nil {
			return nil, err
		}
		doc.ID = id
	}
	for k, v := range rec {
		if !utf8.Valid(v) {
			return nil, dataErrf(v, nil, "field %q is not valid UTF-8", k)
		}
		doc.Fields[k] = string(v)
	}
	data, err := json.Marshal(&doc)
	if err != nil {
		return nil, dataErrf(nil, err, "failed to encode document to JSON")
	}
	return data, nil
}

func (dc DocumentCodec) Decode(data []byte, fields []string) (Record, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, dataErrf(data, err, "failed to decode JSON document")
	}
	rec := make(Record, len(doc.Fields))
	for k, v := range doc.Fields {
		rec[k] = []byte(v)
	}
	rec = rec.subset(fields)
	if len(rec) == 0 {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (dc DocumentCodec) Put(ctx context.Context, c Conn, key string, rec Record) error {
	data, err := dc.Encode(key, rec)
	if err != nil {
		return err
	}
	return c.JSONSet(ctx, key, data)
}

func (dc DocumentCodec) Get(ctx context.Context, c Conn, key string, fields []string) (Record, error) {
	data, found, err := c.JSONGet(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNotFound
	}
	return dc.Decode(data, fields)
}
