package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestCodeMatching(t *testing.T) {
	err := ErrConflict.WrapMsg("duplicate direct conversation", "pair", "a:b")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("wrapped conflict should match ErrConflict: %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("conflict must not match ErrNotFound")
	}
	if Code(err) != CodeConflict {
		t.Fatalf("Code() = %d, want %d", Code(err), CodeConflict)
	}
}

func TestCodeThroughFmtWrap(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrGone.Wrap())
	if !errors.Is(err, ErrGone) {
		t.Fatalf("fmt-wrapped gone should still match: %v", err)
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(ErrTransient.WrapMsg("nats reconnecting")) {
		t.Fatalf("transient not detected")
	}
	if IsTransient(ErrForbidden.Wrap()) {
		t.Fatalf("forbidden misdetected as transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[int]int{
		CodeNotFound:           404,
		CodeForbidden:          403,
		CodeConflict:           409,
		CodeInvariantViolation: 422,
		CodeGone:               410,
		CodeTransient:          503,
		0:                      500,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Errorf("HTTPStatus(%d) = %d, want %d", code, got, want)
		}
	}
}

func TestDetailAccumulates(t *testing.T) {
	e := ErrNotFound.WithDetail("conversation").WithDetail("conv_42")
	if e.Detail != "conversation, conv_42" {
		t.Fatalf("detail = %q", e.Detail)
	}
}
