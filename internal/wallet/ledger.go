// Package wallet defines the ledger contract the fulfillment pipeline
// orchestrates against, plus a Postgres-backed implementation.
package wallet

import (
	"context"
	"errors"
)

// ErrInsufficientFunds is the only terminal business failure the ledger
// can surface; every other failure is treated as transient by callers.
var ErrInsufficientFunds = errors.New("wallet: insufficient funds")

// ErrUnknownReservation is returned when no reservation matches the id.
var ErrUnknownReservation = errors.New("wallet: unknown reservation")

// ErrReservationClosed is returned when an operation is invalid for the
// reservation's current state (e.g. releasing a committed hold).
var ErrReservationClosed = errors.New("wallet: reservation closed")

// Reservation lifecycle states.
const (
	StateReserved  = "reserved"
	StateCommitted = "committed"
	StateReleased  = "released"
	StateRefunded  = "refunded"
)

// Ledger reserves, commits, releases, and refunds user balances.
// Release and Commit are idempotent: repeating the call that already
// succeeded returns nil.
type Ledger interface {
	// Reserve places a hold on the user's balance and returns the
	// reservation id, or ErrInsufficientFunds.
	Reserve(ctx context.Context, userID string, amountCents int64) (string, error)
	// Release returns a still-held reservation to the balance.
	Release(ctx context.Context, reservationID string) error
	// Commit converts the hold into a charge.
	Commit(ctx context.Context, reservationID string) error
	// Refund reverses a committed charge, crediting amountCents back.
	Refund(ctx context.Context, reservationID string, amountCents int64) error
}
