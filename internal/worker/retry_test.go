package worker

import (
	"errors"
	"testing"
	"time"

	"smm-fulfillment/internal/apperr"
)

func TestRetryPolicy_Decisions(t *testing.T) {
	p := NewRetryPolicy(3, 5*time.Second)

	transient := apperr.Transientf(errors.New("boom"), "provider call")
	business := apperr.Business("insufficient_funds", "no balance")
	structural := apperr.Structuralf("bad envelope")

	tests := []struct {
		name    string
		err     error
		attempt int
		action  Action
	}{
		{"structural never retries", structural, 0, ActionFail},
		{"business never retries", business, 0, ActionFail},
		{"business never retries late", business, 2, ActionFail},
		{"transient first attempt retries", transient, 0, ActionRetry},
		{"transient below budget retries", transient, 2, ActionRetry},
		{"transient at budget dead-letters", transient, 3, ActionDeadLetter},
		{"transient over budget dead-letters", transient, 7, ActionDeadLetter},
		{"unwrapped error treated transient", errors.New("connection reset"), 1, ActionRetry},
	}
	for _, tt := range tests {
		d := p.Decide(tt.err, tt.attempt)
		if d.Action != tt.action {
			t.Errorf("%s: action = %v, want %v", tt.name, d.Action, tt.action)
		}
		if tt.action == ActionRetry && d.Delay != 5*time.Second {
			t.Errorf("%s: delay = %v, want exactly 5s", tt.name, d.Delay)
		}
	}
}

func TestNewRetryPolicy_Defaults(t *testing.T) {
	p := NewRetryPolicy(0, 0)
	if p.MaxRetries != 3 {
		t.Fatalf("MaxRetries = %d, want 3", p.MaxRetries)
	}
	if p.RetryDelay != 5*time.Second {
		t.Fatalf("RetryDelay = %v, want 5s", p.RetryDelay)
	}
}
