package worker

import (
	"time"

	"smm-fulfillment/internal/apperr"
)

// Action is the retry policy's verdict for a failed job.
type Action int

const (
	// ActionFail terminates the job without retry (structural or
	// business failure).
	ActionFail Action = iota
	// ActionRetry re-enqueues the job with attempt+1 after Delay.
	ActionRetry
	// ActionDeadLetter moves the job to the DLQ and forces the order
	// to failed.
	ActionDeadLetter
)

// Decision pairs an action with the delay before retry.
type Decision struct {
	Action Action
	Delay  time.Duration
}

// RetryPolicy decides, from error kind and attempt count, whether and
// when a job is re-enqueued. The delay is fixed rather than
// exponential so the provider-facing retry cadence stays predictable.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
}

// NewRetryPolicy applies the defaults (3 retries, 5s apart) for zero
// values.
func NewRetryPolicy(maxRetries int, delay time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if delay <= 0 {
		delay = 5 * time.Second
	}
	return RetryPolicy{MaxRetries: maxRetries, RetryDelay: delay}
}

// Decide maps a failure to its next action. Structural and business
// errors never retry; transient errors retry until the attempt budget
// is exhausted, then dead-letter.
func (p RetryPolicy) Decide(err error, attempt int) Decision {
	switch apperr.KindOf(err) {
	case apperr.KindStructural, apperr.KindBusiness:
		return Decision{Action: ActionFail}
	}
	if attempt < p.MaxRetries {
		return Decision{Action: ActionRetry, Delay: p.RetryDelay}
	}
	return Decision{Action: ActionDeadLetter}
}
