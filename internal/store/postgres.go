package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"smm-fulfillment/internal/models"
)

// ErrNotFound is returned when no order row matches the id.
var ErrNotFound = errors.New("order not found")

// Store wraps pgxpool for Postgres persistence of orders and their
// status history.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so sibling stores (the wallet
// ledger) can share one connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// CreateOrderParams collects inputs required to insert an order.
type CreateOrderParams struct {
	UserID      string
	ServiceID   string
	ProviderID  string
	Quantity    int
	TargetURL   string
	ChargeCents int64
}

// CreateOrder inserts an order in status pending and records the first
// history row.
func (s *Store) CreateOrder(ctx context.Context, p CreateOrderParams) (models.Order, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, service_id, provider_id, quantity, target_url, charge_cents, status, progress, refunded, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, FALSE, $9, $9)
	`, id, p.UserID, p.ServiceID, p.ProviderID, p.Quantity, p.TargetURL, p.ChargeCents, models.StatusPending, now)
	if err != nil {
		return models.Order{}, fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO order_status_history (order_id, status, note, recorded_at)
		VALUES ($1, $2, $3, $4)
	`, id, models.StatusPending, "order accepted", now)
	if err != nil {
		return models.Order{}, fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Order{}, fmt.Errorf("commit: %w", err)
	}

	return models.Order{
		ID:          id,
		UserID:      p.UserID,
		ServiceID:   p.ServiceID,
		ProviderID:  p.ProviderID,
		Quantity:    p.Quantity,
		TargetURL:   p.TargetURL,
		ChargeCents: p.ChargeCents,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetOrder fetches an order by id.
func (s *Store) GetOrder(ctx context.Context, id string) (models.Order, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, service_id, provider_id, quantity, target_url, charge_cents,
		       status, provider_order_id, reservation_id, progress, message, refunded,
		       estimated_completion, created_at, updated_at
		FROM orders WHERE id = $1
	`, id)

	var o models.Order
	var status string
	var providerOrderID, reservationID, message pgtype.Text
	var est pgtype.Timestamptz

	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.ProviderID, &o.Quantity, &o.TargetURL,
		&o.ChargeCents, &status, &providerOrderID, &reservationID, &o.Progress, &message,
		&o.Refunded, &est, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Order{}, ErrNotFound
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("scan order: %w", err)
	}

	o.Status = models.OrderStatus(status)
	o.ProviderOrderID = textPtr(providerOrderID)
	o.ReservationID = textPtr(reservationID)
	o.Message = textPtr(message)
	if est.Valid {
		t := est.Time
		o.EstimatedCompletion = &t
	}
	return o, nil
}

// transitionSources lists which current statuses may move to a target
// status. Terminal states are absorbing; completed -> cancelled exists
// only through MarkRefunded.
var transitionSources = map[models.OrderStatus][]models.OrderStatus{
	models.StatusProcessing: {models.StatusPending, models.StatusProcessing},
	models.StatusCompleted:  {models.StatusPending, models.StatusProcessing},
	models.StatusFailed:     {models.StatusPending, models.StatusProcessing},
	models.StatusCancelled:  {models.StatusPending, models.StatusProcessing},
}

// TransitionStatus conditionally moves an order to the target status,
// updating progress and message. It reports whether the transition was
// applied; an order already in a terminal state is left untouched.
func (s *Store) TransitionStatus(ctx context.Context, id string, to models.OrderStatus, progress int, message string) (bool, error) {
	sources, ok := transitionSources[to]
	if !ok {
		return false, fmt.Errorf("no transition into status %q", to)
	}
	from := make([]string, len(sources))
	for i, st := range sources {
		from[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, progress = $3, message = $4, updated_at = NOW()
		WHERE id = $1 AND status = ANY($5)
	`, id, to, progress, message, from)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkProcessing moves the order into processing with an estimated
// completion time. Re-running it on a retried job is a no-op-safe
// overwrite.
func (s *Store) MarkProcessing(ctx context.Context, id string, est time.Time, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, estimated_completion = $3, message = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ($5, $6)
	`, id, models.StatusProcessing, est, message, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetProviderOrderID records the provider order id, write-once. Setting
// the same value again is a no-op; setting a different one is an error.
func (s *Store) SetProviderOrderID(ctx context.Context, id, providerOrderID string) error {
	return s.setOnce(ctx, id, "provider_order_id", providerOrderID)
}

// SetReservationID records the wallet reservation id, write-once.
func (s *Store) SetReservationID(ctx context.Context, id, reservationID string) error {
	return s.setOnce(ctx, id, "reservation_id", reservationID)
}

func (s *Store) setOnce(ctx context.Context, id, column, value string) error {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE orders SET %s = $2, updated_at = NOW()
		WHERE id = $1 AND %s IS NULL
	`, column, column), id, value)
	if err != nil {
		return fmt.Errorf("set %s: %w", column, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var existing pgtype.Text
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM orders WHERE id = $1`, column), id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", column, err)
	}
	if existing.Valid && existing.String == value {
		return nil
	}
	return fmt.Errorf("%s already set to %q, refusing overwrite with %q", column, existing.String, value)
}

// MarkRefunded flips the order to cancelled with the refunded flag set.
// The refunded guard makes the refund flow idempotent against
// double-reversal; this is the only path out of completed.
func (s *Store) MarkRefunded(ctx context.Context, id, message string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, refunded = TRUE, message = $3, updated_at = NOW()
		WHERE id = $1 AND refunded = FALSE AND status IN ($4, $5, $6)
	`, id, models.StatusCancelled, message, models.StatusPending, models.StatusProcessing, models.StatusCompleted)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// AppendHistory adds a status-history row.
func (s *Store) AppendHistory(ctx context.Context, orderID string, status models.OrderStatus, note string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO order_status_history (order_id, status, note, recorded_at)
		VALUES ($1, $2, $3, NOW())
	`, orderID, status, note)
	return err
}

// History returns the status history, oldest first.
func (s *Store) History(ctx context.Context, orderID string) ([]models.StatusEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, status, note, recorded_at
		FROM order_status_history WHERE order_id = $1 ORDER BY recorded_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []models.StatusEvent
	for rows.Next() {
		var ev models.StatusEvent
		var status string
		if err := rows.Scan(&ev.OrderID, &status, &ev.Note, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		ev.Status = models.OrderStatus(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
