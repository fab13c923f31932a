package ycsbkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the key has no record, or none of the requested fields exist.
	ErrNotFound = errors.New("not found")

	// ErrConnection means the store could not be dialed, or a connection broke mid-operation.
	ErrConnection = errors.New("connection error")

	// ErrPoolExhausted means no connection became available within the lease patience.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrEncoding means a record could not be encoded into, or decoded from, its storage form.
	ErrEncoding = errors.New("encoding error")

	// ErrScan means at least one fetch of a scan batch failed.
	ErrScan = errors.New("scan failed")

	// ErrIndexExists is returned by Conn.CreateIndex for a duplicate index name.
	ErrIndexExists = errors.New("index already exists")

	// ErrClosed is returned when using a pool handle or store after Disconnect.
	ErrClosed = errors.New("closed")
)

// OpError describes a failed record store operation.
type OpError struct {
	Op    string
	Table string
	Key   string
	Msg   string
	Err   error
}

func opErrf(op, table, key string, err error, format string, args ...any) error {
	return &OpError{op, table, key, fmt.Sprintf(format, args...), err}
}

func opErr(op, table, key string, err error) error {
	return &OpError{Op: op, Table: table, Key: key, Err: err}
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func (e *OpError) Error() string {
	var buf strings.Builder
	buf.WriteString(e.Op)
	if e.Table != "" {
		buf.WriteByte(' ')
		buf.WriteString(e.Table)
	}
	if e.Key != "" {
		buf.WriteByte('/')
		buf.WriteString(e.Key)
	}
	if e.Msg != "" {
		buf.WriteString(": ")
		buf.WriteString(e.Msg)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}

// DataError reports a stored value that could not be decoded.
type DataError struct {
	Data []byte
	Err  error
	Msg  string
}

func dataErrf(data []byte, err error, format string, args ...any) error {
	return &DataError{data, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEncoding}
	}
	return []error{ErrEncoding, e.Err}
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	var data string
	if n <= prefixLen+suffixLen {
		data = fmt.Sprintf("(%d) %q", n, e.Data)
	} else {
		data = fmt.Sprintf("(%d) %q...%q", n, e.Data[:prefixLen], e.Data[n-suffixLen:])
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %s", e.Msg, e.Err, data)
	}
	return fmt.Sprintf("%s: %s", e.Msg, data)
}

// connErr marks err as a connection-level failure unless it already carries
// a more specific classification. Context cancellation is passed through as is.
func connErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrEncoding) || errors.Is(err, ErrPoolExhausted) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func isConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnection)
}
