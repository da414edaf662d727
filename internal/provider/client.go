// Package provider defines the third-party provider contract and its
// HTTP implementation. One Client instance exists per provider; the
// Registry maps provider ids to clients.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Status is the provider-facing status vocabulary. The state machine
// maps it onto the internal order status enum.
type Status string

const (
	StatusPending    Status = "Pending"
	StatusInProgress Status = "In progress"
	StatusCompleted  Status = "Completed"
	StatusPartial    Status = "Partial"
	StatusCanceled   Status = "Canceled"
)

// ErrAlreadyCompleted signals a cancel rejected because the provider
// already fulfilled the order.
var ErrAlreadyCompleted = errors.New("provider: order already completed")

// RejectionError is an explicit provider rejection (bad service id,
// order not found, cancel refused). Callers treat it as a terminal
// business failure, unlike network errors which are retried.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("provider rejected request (%s): %s", e.Code, e.Message)
}

// SubmitRequest carries everything a provider needs to start an order.
type SubmitRequest struct {
	Service  string
	Link     string
	Quantity int
}

// StatusInfo is a point-in-time view of a provider order.
type StatusInfo struct {
	Status     Status
	StartCount int
	Remains    int
}

// Client is the per-provider API surface consumed by the state machine.
type Client interface {
	// Submit places the order and returns the provider's order id.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Status reports current progress for a provider order id.
	Status(ctx context.Context, providerOrderID string) (StatusInfo, error)
	// Cancel requests cancellation; best-effort, the provider may
	// reject with ErrAlreadyCompleted or a RejectionError.
	Cancel(ctx context.Context, providerOrderID string) error
}
