package ycsbkv

import (
	"maps"
	"slices"
)

// Record maps field names to opaque values.
type Record map[string][]byte

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = slices.Clone(v)
	}
	return out
}

// Fields returns the field names in sorted order.
func (r Record) Fields() []string {
	return slices.Sorted(maps.Keys(r))
}

// subset returns the fields of r named in fields. A nil fields returns r itself.
func (r Record) subset(fields []string) Record {
	if fields == nil {
		return r
	}
	out := make(Record, len(fields))
	for _, f := range fields {
		if v, ok := r[f]; ok {
			out[f] = v
		}
	}
	return out
}

// Status is the outcome reported to the benchmark driver.
type Status int

const (
	StatusOK Status = iota
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// StatusOf maps an operation error to the driver status.
func StatusOf(err error) Status {
	if err != nil {
		return StatusError
	}
	return StatusOK
}
