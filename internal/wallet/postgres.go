package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger implements Ledger on the shared Postgres pool. Balance
// movement and reservation state always change in one transaction.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Reserve debits the balance and opens a reservation row atomically.
func (l *PostgresLedger) Reserve(ctx context.Context, userID string, amountCents int64) (string, error) {
	if amountCents <= 0 {
		return "", fmt.Errorf("reserve amount must be positive, got %d", amountCents)
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_cents = balance_cents - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance_cents >= $2
	`, userID, amountCents)
	if err != nil {
		return "", fmt.Errorf("debit wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrInsufficientFunds
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO reservations (id, user_id, amount_cents, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, id, userID, amountCents, StateReserved, now)
	if err != nil {
		return "", fmt.Errorf("insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// Release credits a held amount back and closes the reservation.
// Releasing an already-released reservation is a no-op.
func (l *PostgresLedger) Release(ctx context.Context, reservationID string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	userID, amount, state, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch state {
	case StateReleased:
		return nil
	case StateReserved:
	default:
		return fmt.Errorf("release reservation %s in state %s: %w", reservationID, state, ErrReservationClosed)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = $2, updated_at = NOW() WHERE id = $1
	`, reservationID, StateReleased); err != nil {
		return fmt.Errorf("close reservation: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_cents = balance_cents + $2, updated_at = NOW() WHERE user_id = $1
	`, userID, amount); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return tx.Commit(ctx)
}

// Commit converts the hold into a charge. Committing twice is a no-op.
func (l *PostgresLedger) Commit(ctx context.Context, reservationID string) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, _, state, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch state {
	case StateCommitted:
		return nil
	case StateReserved:
	default:
		return fmt.Errorf("commit reservation %s in state %s: %w", reservationID, state, ErrReservationClosed)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = $2, updated_at = NOW() WHERE id = $1
	`, reservationID, StateCommitted); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return tx.Commit(ctx)
}

// Refund credits amountCents back against a committed reservation.
// A reservation already refunded is a no-op, which guards the refund
// job against double-crediting on redelivery.
func (l *PostgresLedger) Refund(ctx context.Context, reservationID string, amountCents int64) error {
	if amountCents <= 0 {
		return fmt.Errorf("refund amount must be positive, got %d", amountCents)
	}
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	userID, _, state, err := lockReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	switch state {
	case StateRefunded:
		return nil
	case StateCommitted:
	default:
		return fmt.Errorf("refund reservation %s in state %s: %w", reservationID, state, ErrReservationClosed)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET state = $2, updated_at = NOW() WHERE id = $1
	`, reservationID, StateRefunded); err != nil {
		return fmt.Errorf("refund reservation: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE wallets SET balance_cents = balance_cents + $2, updated_at = NOW() WHERE user_id = $1
	`, userID, amountCents); err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return tx.Commit(ctx)
}

func lockReservation(ctx context.Context, tx pgx.Tx, id string) (userID string, amount int64, state string, err error) {
	err = tx.QueryRow(ctx, `
		SELECT user_id, amount_cents, state FROM reservations WHERE id = $1 FOR UPDATE
	`, id).Scan(&userID, &amount, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, "", ErrUnknownReservation
	}
	if err != nil {
		return "", 0, "", fmt.Errorf("lock reservation: %w", err)
	}
	return userID, amount, state, nil
}
