package ycsbkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDataError_ErrorAndUnwrap(t *testing.T) {
	t.Run("small data", func(t *testing.T) {
		inner := errors.New("inner")
		err := dataErrf([]byte{0xAA, 0xBB}, inner, "oops")
		var de *DataError
		if !errors.As(err, &de) {
			t.Fatalf("err = %T, wanted *DataError", err)
		}
		if !errors.Is(err, inner) || !errors.Is(err, ErrEncoding) {
			t.Fatalf("err = %v, wanted to match both inner and ErrEncoding", err)
		}
		s := err.Error()
		if !strings.Contains(s, "oops") || !strings.Contains(s, "inner") || !strings.Contains(s, "(2)") {
			t.Fatalf("err.Error() = %q, wanted message with oops/inner/(2)", s)
		}
	})

	t.Run("large data includes prefix+suffix", func(t *testing.T) {
		data := make([]byte, 200)
		for i := range data {
			data[i] = byte(i)
		}
		err := dataErrf(data, nil, "oops")
		s := err.Error()
		if !strings.Contains(s, "(200)") || !strings.Contains(s, "...") {
			t.Fatalf("err.Error() = %q, wanted message with (200) and ...", s)
		}
		if !errors.Is(err, ErrEncoding) {
			t.Fatalf("errors.Is(err, ErrEncoding) = false, wanted true")
		}
	})
}

func TestOpError_ErrorAndUnwrap(t *testing.T) {
	err := opErrf("read", "usertable", "user1", ErrNotFound, "fields %v", []string{"a"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("errors.Is(err, ErrNotFound) = false, wanted true")
	}
	deepEqual(t, err.Error(), "read usertable/user1: fields [a]: not found")

	deepEqual(t, opErr("scan", "", "user9", ErrScan).Error(), "scan/user9: scan failed")
	deepEqual(t, (&OpError{Op: "disconnect"}).Error(), "disconnect")

	var oe *OpError
	if !errors.As(fmt.Errorf("wrapped: %w", err), &oe) || oe.Key != "user1" {
		t.Fatalf("errors.As(wrapped) = %v, wanted the OpError for user1", oe)
	}
}

func TestConnErr(t *testing.T) {
	if connErr(nil) != nil {
		t.Fatalf("connErr(nil) != nil")
	}

	raw := errors.New("broken pipe")
	err := connErr(raw)
	if !errors.Is(err, ErrConnection) || !errors.Is(err, raw) {
		t.Fatalf("connErr(raw) = %v, wanted ErrConnection wrapping raw", err)
	}
	deepEqual(t, isConnectionFailure(err), true)
	deepEqual(t, isConnectionFailure(raw), false)

	for _, e := range []error{
		context.Canceled,
		context.DeadlineExceeded,
		ErrNotFound,
		ErrPoolExhausted,
		dataErrf(nil, nil, "bad"),
		err,
	} {
		if got := connErr(e); got != e {
			t.Errorf("connErr(%v) = %v, wanted it unchanged", e, got)
		}
	}
}

func TestStatusOf(t *testing.T) {
	deepEqual(t, StatusOf(nil), StatusOK)
	deepEqual(t, StatusOf(ErrNotFound), StatusError)
	deepEqual(t, StatusOK.String(), "OK")
	deepEqual(t, StatusError.String(), "ERROR")
	deepEqual(t, Status(42).String(), "UNKNOWN")
}
