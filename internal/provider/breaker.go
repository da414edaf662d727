package provider

import (
	"context"
	"errors"

	"github.com/sony/gobreaker"
)

// breakerClient wraps a Client with a circuit breaker so a flapping
// provider sheds load quickly instead of burning every job's timeout.
// Explicit rejections do not trip the breaker; only transport failures
// count.
type breakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// WithBreaker decorates a client with a named circuit breaker.
func WithBreaker(name string, inner Client) Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rej *RejectionError
			return errors.As(err, &rej) || errors.Is(err, ErrAlreadyCompleted)
		},
	})
	return &breakerClient{inner: inner, cb: cb}
}

func (b *breakerClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Submit(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return res.(string), nil
}

func (b *breakerClient) Status(ctx context.Context, providerOrderID string) (StatusInfo, error) {
	res, err := b.cb.Execute(func() (any, error) {
		return b.inner.Status(ctx, providerOrderID)
	})
	if err != nil {
		return StatusInfo{}, err
	}
	return res.(StatusInfo), nil
}

func (b *breakerClient) Cancel(ctx context.Context, providerOrderID string) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Cancel(ctx, providerOrderID)
	})
	return err
}
