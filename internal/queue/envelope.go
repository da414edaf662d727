package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobType selects the state-machine handler for an envelope. Adding a
// type means adding a constant here, a case to the dispatch switch, and
// a value to the envelope oneof tag.
type JobType string

const (
	JobProcessOrder JobType = "process_order"
	JobUpdateStatus JobType = "update_status"
	JobCancelOrder  JobType = "cancel_order"
	JobRefundOrder  JobType = "refund_order"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobProcessOrder, JobUpdateStatus, JobCancelOrder, JobRefundOrder:
		return true
	}
	return false
}

// JobEnvelope is the versioned message format flowing through the
// queue. ProviderOrderID and ReservationID are carried as hints for
// retried deliveries; the order row remains the source of truth.
type JobEnvelope struct {
	OrderID         string    `json:"order_id" validate:"required"`
	UserID          string    `json:"user_id" validate:"required"`
	ServiceID       string    `json:"service_id" validate:"required"`
	ProviderID      string    `json:"provider_id" validate:"required"`
	Quantity        int       `json:"quantity" validate:"required,gt=0"`
	TargetURL       string    `json:"target_url" validate:"required,url"`
	JobType         JobType   `json:"job_type" validate:"required,oneof=process_order update_status cancel_order refund_order"`
	Attempt         int       `json:"attempt" validate:"gte=0"`
	ProviderOrderID string    `json:"provider_order_id,omitempty"`
	ReservationID   string    `json:"reservation_id,omitempty"`
	EnqueuedAt      time.Time `json:"enqueued_at,omitempty"`
}

func (e JobEnvelope) marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(b), nil
}

func unmarshalEnvelope(raw string) (JobEnvelope, error) {
	var e JobEnvelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return JobEnvelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return e, nil
}
