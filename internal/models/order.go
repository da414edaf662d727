package models

import (
	"time"
)

// OrderStatus enumerates lifecycle states persisted in Postgres.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusCompleted  OrderStatus = "completed"
	StatusFailed     OrderStatus = "failed"
	StatusCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further transition may leave the state.
// completed -> cancelled is still reachable through the explicit refund flow.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Order is the durable order record owned by the store.
// ProviderOrderID and ReservationID are write-once for the life of
// the order; retried handlers use them to skip side effects that
// already happened.
type Order struct {
	ID                  string      `json:"id"`
	UserID              string      `json:"user_id"`
	ServiceID           string      `json:"service_id"`
	ProviderID          string      `json:"provider_id"`
	Quantity            int         `json:"quantity"`
	TargetURL           string      `json:"target_url"`
	ChargeCents         int64       `json:"charge_cents"`
	Status              OrderStatus `json:"status"`
	ProviderOrderID     *string     `json:"provider_order_id,omitempty"`
	ReservationID       *string     `json:"reservation_id,omitempty"`
	Progress            int         `json:"progress"`
	Message             *string     `json:"message,omitempty"`
	Refunded            bool        `json:"refunded"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// ProcessingResult is produced by every handler invocation. It is
// persisted onto the order row and emitted as a notification event on
// terminal outcomes.
type ProcessingResult struct {
	OrderID             string      `json:"order_id"`
	Status              OrderStatus `json:"status"`
	ProviderOrderID     string      `json:"provider_order_id,omitempty"`
	EstimatedCompletion *time.Time  `json:"estimated_completion,omitempty"`
	Progress            int         `json:"progress"`
	Message             string      `json:"message,omitempty"`
}

// StatusEvent is one status-history row.
type StatusEvent struct {
	OrderID  string      `json:"order_id"`
	Status   OrderStatus `json:"status"`
	Note     string      `json:"note"`
	Recorded time.Time   `json:"recorded_at"`
}
