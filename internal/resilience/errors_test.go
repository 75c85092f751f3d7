package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

func TestIsTransient_ExplicitTransientError(t *testing.T) {
	err := NewTransientError(errors.New("pool exhausted"))
	if !IsTransient(err) {
		t.Error("expected TransientError to be transient")
	}
}

func TestIsTransient_WrappedTransientError(t *testing.T) {
	inner := NewTransientError(errors.New("pool exhausted"))
	wrapped := fmt.Errorf("store: append result: %w", inner)
	if !IsTransient(wrapped) {
		t.Error("expected wrapped TransientError to be transient")
	}
}

func TestIsTransient_NilError(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error should not be transient")
	}
}

func TestIsTransient_RegularError(t *testing.T) {
	err := errors.New("invalid input: missing field")
	if IsTransient(err) {
		t.Error("regular error should not be transient")
	}
}

func TestIsTransient_ConnectionReset(t *testing.T) {
	err := fmt.Errorf("write tcp: %w", syscall.ECONNRESET)
	if !IsTransient(err) {
		t.Error("ECONNRESET should be transient")
	}
}

func TestIsTransient_ConnectionRefused(t *testing.T) {
	err := fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED)
	if !IsTransient(err) {
		t.Error("ECONNREFUSED should be transient")
	}
}

func TestIsTransient_NetworkTimeout(t *testing.T) {
	err := &net.DNSError{IsTimeout: true, Err: "timeout"}
	if !IsTransient(err) {
		t.Error("network timeout should be transient")
	}
}

func TestIsTransient_PostgresCodes(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "53300", "57P03"} {
		err := eris.Wrap(&pgconn.PgError{Code: code}, "store: update")
		if !IsTransient(err) {
			t.Errorf("expected SQLSTATE %s to be transient", code)
		}
	}

	for _, code := range []string{"23505", "42P01", "22P02"} {
		err := &pgconn.PgError{Code: code}
		if IsTransient(err) {
			t.Errorf("expected SQLSTATE %s to NOT be transient", code)
		}
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	patterns := []string{
		"database is locked (5) (SQLITE_BUSY)",
		"connection reset by peer",
		"broken pipe",
		"read: i/o timeout",
		"conn closed",
	}
	for _, p := range patterns {
		err := errors.New(p)
		if !IsTransient(err) {
			t.Errorf("expected %q to be transient", p)
		}
	}
}

func TestIsConflict(t *testing.T) {
	if IsConflict(nil) {
		t.Error("nil error should not be a conflict")
	}
	if !IsConflict(ErrConflict) {
		t.Error("ErrConflict should be a conflict")
	}
	if !IsConflict(eris.Wrap(ErrConflict, "weights: compare and swap")) {
		t.Error("wrapped ErrConflict should be a conflict")
	}
	if IsConflict(errors.New("database is locked")) {
		t.Error("transient error should not be a conflict")
	}
}

func TestConflictRetryConfig_RetriesConflictsOnly(t *testing.T) {
	cfg := ConflictRetryConfig(4)
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = time.Millisecond

	var calls int
	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return ErrConflict
	})
	if !IsConflict(err) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}

	calls = 0
	err = Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("busy"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("transient errors should not be retried by conflict config, got %d calls", calls)
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("root cause")
	te := NewTransientError(inner)

	if !errors.Is(te, inner) {
		t.Error("TransientError.Unwrap should return the inner error")
	}
}

func TestTransientError_ErrorMessage(t *testing.T) {
	inner := errors.New("something went wrong")
	te := NewTransientError(inner)

	if te.Error() != "something went wrong" {
		t.Errorf("expected error message %q, got %q", inner.Error(), te.Error())
	}
}
