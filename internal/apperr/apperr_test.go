package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"structural", Structuralf("quantity must be positive"), KindStructural},
		{"business", Business("insufficient_funds", "no balance"), KindBusiness},
		{"transient", Transient(errors.New("dial tcp"), "provider call"), KindTransient},
		{"plain error defaults transient", errors.New("boom"), KindTransient},
		{"nil defaults transient", nil, KindTransient},
		{"wrapped keeps kind", fmt.Errorf("handler: %w", Business("x", "y")), KindBusiness},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.kind {
			t.Errorf("%s: kind = %v, want %v", tt.name, got, tt.kind)
		}
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(Business("insufficient_funds", "no balance")); got != "insufficient_funds" {
		t.Fatalf("code = %s", got)
	}
	if got := CodeOf(Structuralf("bad envelope")); got != "invalid_job" {
		t.Fatalf("code = %s", got)
	}
	if got := CodeOf(errors.New("boom")); got != "processing_error" {
		t.Fatalf("code = %s", got)
	}
}

func TestTransientUnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transientf(cause, "submit order %s", "o1")
	if !errors.Is(err, cause) {
		t.Fatalf("cause lost through wrapping")
	}
	if err.Error() != "submit order o1: connection reset" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestIsTimeout(t *testing.T) {
	wrapped := Transient(context.DeadlineExceeded, "handler timed out")
	if !IsTimeout(wrapped) {
		t.Fatalf("deadline expiry not detected through wrapping")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatalf("false positive")
	}
}
