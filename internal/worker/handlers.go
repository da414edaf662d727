package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"smm-fulfillment/internal/apperr"
	"smm-fulfillment/internal/models"
	"smm-fulfillment/internal/provider"
	"smm-fulfillment/internal/queue"
	"smm-fulfillment/internal/store"
	"smm-fulfillment/internal/wallet"
)

// OrderStore is the slice of the persistent order store the state
// machine needs. *store.Store implements it; tests substitute fakes.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (models.Order, error)
	TransitionStatus(ctx context.Context, id string, to models.OrderStatus, progress int, message string) (bool, error)
	MarkProcessing(ctx context.Context, id string, est time.Time, message string) (bool, error)
	SetProviderOrderID(ctx context.Context, id, providerOrderID string) error
	SetReservationID(ctx context.Context, id, reservationID string) error
	MarkRefunded(ctx context.Context, id, message string) (bool, error)
	AppendHistory(ctx context.Context, orderID string, status models.OrderStatus, note string) error
}

// RefundCalculator computes the amount to reverse for an order. The
// policy lives outside this core; callers inject it.
type RefundCalculator func(models.Order) int64

// FullRefund reverses the whole charge.
func FullRefund(o models.Order) int64 { return o.ChargeCents }

// Estimator predicts completion time from the ordered quantity.
type Estimator func(quantity int) time.Duration

func defaultEstimate(quantity int) time.Duration {
	d := 10*time.Minute + time.Duration(quantity)*100*time.Millisecond
	if d > 24*time.Hour {
		return 24 * time.Hour
	}
	return d
}

// StateMachine holds one handler per job type. Handlers run
// post-validation under the per-order lock, call out to the ledger,
// provider, and store, and produce a ProcessingResult. All
// collaborators arrive via the constructor so tests can substitute
// them without global state.
type StateMachine struct {
	store     OrderStore
	ledger    wallet.Ledger
	providers *provider.Registry
	refund    RefundCalculator
	estimate  Estimator
	log       logrus.FieldLogger
}

func NewStateMachine(st OrderStore, ledger wallet.Ledger, providers *provider.Registry, refund RefundCalculator, log logrus.FieldLogger) *StateMachine {
	if refund == nil {
		refund = FullRefund
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &StateMachine{
		store:     st,
		ledger:    ledger,
		providers: providers,
		refund:    refund,
		estimate:  defaultEstimate,
		log:       log,
	}
}

// Handle dispatches the envelope to its handler. The switch is
// exhaustive over JobType; an unknown type is a structural error
// (it also cannot pass validation).
func (m *StateMachine) Handle(ctx context.Context, env queue.JobEnvelope) (models.ProcessingResult, error) {
	switch env.JobType {
	case queue.JobProcessOrder:
		return m.processOrder(ctx, env)
	case queue.JobUpdateStatus:
		return m.updateStatus(ctx, env)
	case queue.JobCancelOrder:
		return m.cancelOrder(ctx, env)
	case queue.JobRefundOrder:
		return m.refundOrder(ctx, env)
	default:
		return models.ProcessingResult{}, apperr.Structuralf("unknown job type %q", env.JobType)
	}
}

// processOrder reserves funds, submits to the provider, and moves the
// order into processing. Both side effects are guarded by write-once
// ids on the order row, so a retried job skips whatever already
// happened.
func (m *StateMachine) processOrder(ctx context.Context, env queue.JobEnvelope) (models.ProcessingResult, error) {
	order, err := m.loadOrder(ctx, env.OrderID)
	if err != nil {
		return models.ProcessingResult{}, err
	}
	if order.Status.Terminal() {
		return resultFor(order), nil
	}

	client, ok := m.providers.Get(order.ProviderID)
	if !ok {
		// An earlier attempt may have reserved funds before the
		// provider was deregistered; return the hold before the order
		// goes terminal.
		m.releaseQuiet(ctx, strOr(order.ReservationID, ""))
		res := m.failTerminal(ctx, order, fmt.Sprintf("provider %s is not active", order.ProviderID))
		return res, apperr.Businessf("provider_inactive", "provider %s is not active", order.ProviderID)
	}

	reservationID := strOr(order.ReservationID, "")
	if reservationID == "" {
		reservationID, err = m.ledger.Reserve(ctx, order.UserID, order.ChargeCents)
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			res := m.failTerminal(ctx, order, "insufficient balance to cover order charge")
			return res, apperr.Business("insufficient_funds", "insufficient balance to cover order charge")
		}
		if err != nil {
			return models.ProcessingResult{}, apperr.Transientf(err, "reserve funds")
		}
		if err := m.store.SetReservationID(ctx, order.ID, reservationID); err != nil {
			// The hold never became durable; give it back before
			// surfacing the error, otherwise the retry would
			// reserve a second time against a leaked hold.
			m.releaseQuiet(ctx, reservationID)
			return models.ProcessingResult{}, apperr.Transientf(err, "persist reservation id")
		}
	}

	providerOrderID := strOr(order.ProviderOrderID, "")
	if providerOrderID == "" {
		providerOrderID, err = client.Submit(ctx, provider.SubmitRequest{
			Service:  order.ServiceID,
			Link:     order.TargetURL,
			Quantity: order.Quantity,
		})
		var rej *provider.RejectionError
		if errors.As(err, &rej) {
			m.releaseQuiet(ctx, reservationID)
			res := m.failTerminal(ctx, order, "provider rejected order: "+rej.Message)
			return res, apperr.Businessf("provider_rejected", "provider rejected order: %s", rej.Message)
		}
		if err != nil {
			// Reservation is durable on the row; the retry skips
			// Reserve and only re-submits.
			return models.ProcessingResult{}, apperr.Transientf(err, "submit to provider")
		}
		if err := m.store.SetProviderOrderID(ctx, order.ID, providerOrderID); err != nil {
			return models.ProcessingResult{}, apperr.Transientf(err, "persist provider order id")
		}
	}

	est := time.Now().UTC().Add(m.estimate(order.Quantity))
	if _, err := m.store.MarkProcessing(ctx, order.ID, est, "submitted to provider"); err != nil {
		return models.ProcessingResult{}, apperr.Transientf(err, "mark processing")
	}
	m.appendHistory(ctx, order.ID, models.StatusProcessing, "submitted, provider order "+providerOrderID)

	return models.ProcessingResult{
		OrderID:             order.ID,
		Status:              models.StatusProcessing,
		ProviderOrderID:     providerOrderID,
		EstimatedCompletion: &est,
		Progress:            0,
		Message:             "order submitted",
	}, nil
}

// updateStatus polls the provider and maps its vocabulary onto the
// internal enum. Safe to run redundantly: a second poll with unchanged
// provider status produces an identical result.
func (m *StateMachine) updateStatus(ctx context.Context, env queue.JobEnvelope) (models.ProcessingResult, error) {
	order, err := m.loadOrder(ctx, env.OrderID)
	if err != nil {
		return models.ProcessingResult{}, err
	}
	if order.Status.Terminal() {
		return resultFor(order), nil
	}
	if order.ProviderOrderID == nil {
		res := resultFor(order)
		res.Message = "order not yet submitted to provider"
		return res, nil
	}

	client, ok := m.providers.Get(order.ProviderID)
	if !ok {
		return resultFor(order), apperr.Businessf("provider_inactive", "provider %s is not active", order.ProviderID)
	}

	info, err := client.Status(ctx, *order.ProviderOrderID)
	var rej *provider.RejectionError
	if errors.As(err, &rej) {
		return resultFor(order), apperr.Businessf("provider_rejected", "status query rejected: %s", rej.Message)
	}
	if err != nil {
		return models.ProcessingResult{}, apperr.Transientf(err, "query provider status")
	}

	switch info.Status {
	case provider.StatusCompleted:
		if order.ReservationID != nil {
			if err := m.ledger.Commit(ctx, *order.ReservationID); err != nil {
				return models.ProcessingResult{}, apperr.Transientf(err, "commit reservation")
			}
		}
		if applied, err := m.store.TransitionStatus(ctx, order.ID, models.StatusCompleted, 100, "completed"); err != nil {
			return models.ProcessingResult{}, apperr.Transientf(err, "mark completed")
		} else if applied {
			m.appendHistory(ctx, order.ID, models.StatusCompleted, "provider reported completion")
		}
		return models.ProcessingResult{
			OrderID:         order.ID,
			Status:          models.StatusCompleted,
			ProviderOrderID: *order.ProviderOrderID,
			Progress:        100,
			Message:         "completed",
		}, nil

	case provider.StatusCanceled:
		if order.ReservationID != nil {
			m.releaseQuiet(ctx, *order.ReservationID)
		}
		if applied, err := m.store.TransitionStatus(ctx, order.ID, models.StatusCancelled, order.Progress, "cancelled by provider"); err != nil {
			return models.ProcessingResult{}, apperr.Transientf(err, "mark cancelled")
		} else if applied {
			m.appendHistory(ctx, order.ID, models.StatusCancelled, "provider cancelled the order")
		}
		return models.ProcessingResult{
			OrderID:         order.ID,
			Status:          models.StatusCancelled,
			ProviderOrderID: *order.ProviderOrderID,
			Progress:        order.Progress,
			Message:         "cancelled by provider",
		}, nil

	default:
		progress := progressFor(order.Quantity, info.Remains)
		msg := fmt.Sprintf("in progress, %d remaining", info.Remains)
		if _, err := m.store.TransitionStatus(ctx, order.ID, models.StatusProcessing, progress, msg); err != nil {
			return models.ProcessingResult{}, apperr.Transientf(err, "update progress")
		}
		return models.ProcessingResult{
			OrderID:             order.ID,
			Status:              models.StatusProcessing,
			ProviderOrderID:     *order.ProviderOrderID,
			EstimatedCompletion: order.EstimatedCompletion,
			Progress:            progress,
			Message:             msg,
		}, nil
	}
}

// cancelOrder requests cancellation from the provider (best-effort)
// and cancels locally, releasing any open hold. A provider rejection
// because the order already completed keeps the local order completed
// with an informational message; the charge is committed.
func (m *StateMachine) cancelOrder(ctx context.Context, env queue.JobEnvelope) (models.ProcessingResult, error) {
	order, err := m.loadOrder(ctx, env.OrderID)
	if err != nil {
		return models.ProcessingResult{}, err
	}
	if order.Status == models.StatusCancelled || order.Status == models.StatusFailed {
		return resultFor(order), nil
	}
	if order.Status == models.StatusCompleted {
		res := resultFor(order)
		res.Message = "order already completed, cancellation refused"
		return res, nil
	}

	if order.ProviderOrderID != nil {
		if client, ok := m.providers.Get(order.ProviderID); ok {
			err := client.Cancel(ctx, *order.ProviderOrderID)
			switch {
			case errors.Is(err, provider.ErrAlreadyCompleted):
				// The provider finished the work before the cancel
				// arrived. Keep completed, commit the charge.
				if order.ReservationID != nil {
					if cerr := m.ledger.Commit(ctx, *order.ReservationID); cerr != nil {
						return models.ProcessingResult{}, apperr.Transientf(cerr, "commit reservation")
					}
				}
				msg := "cancel rejected: order already completed at provider"
				if applied, terr := m.store.TransitionStatus(ctx, order.ID, models.StatusCompleted, 100, msg); terr != nil {
					return models.ProcessingResult{}, apperr.Transientf(terr, "mark completed")
				} else if applied {
					m.appendHistory(ctx, order.ID, models.StatusCompleted, msg)
				}
				return models.ProcessingResult{
					OrderID:         order.ID,
					Status:          models.StatusCompleted,
					ProviderOrderID: *order.ProviderOrderID,
					Progress:        100,
					Message:         msg,
				}, nil
			case err != nil:
				var rej *provider.RejectionError
				if !errors.As(err, &rej) {
					return models.ProcessingResult{}, apperr.Transientf(err, "cancel at provider")
				}
				// Other rejections are best-effort territory; cancel
				// locally anyway.
				m.log.WithField("order_id", order.ID).WithError(err).Warn("provider refused cancel, cancelling locally")
			}
		}
	}

	if order.ReservationID != nil {
		if err := m.ledger.Release(ctx, *order.ReservationID); err != nil && !errors.Is(err, wallet.ErrReservationClosed) {
			return models.ProcessingResult{}, apperr.Transientf(err, "release reservation")
		}
	}
	if applied, err := m.store.TransitionStatus(ctx, order.ID, models.StatusCancelled, order.Progress, "order cancelled"); err != nil {
		return models.ProcessingResult{}, apperr.Transientf(err, "mark cancelled")
	} else if applied {
		m.appendHistory(ctx, order.ID, models.StatusCancelled, "cancel requested")
	}
	return models.ProcessingResult{
		OrderID:         order.ID,
		Status:          models.StatusCancelled,
		ProviderOrderID: strOr(order.ProviderOrderID, ""),
		Progress:        order.Progress,
		Message:         "order cancelled",
	}, nil
}

// refundOrder reverses the charge and cancels the order. The ledger
// refund runs before the order row flips so a crash between the two is
// healed by redelivery; both sides are idempotent.
func (m *StateMachine) refundOrder(ctx context.Context, env queue.JobEnvelope) (models.ProcessingResult, error) {
	order, err := m.loadOrder(ctx, env.OrderID)
	if err != nil {
		return models.ProcessingResult{}, err
	}
	if order.Refunded {
		return resultFor(order), nil
	}

	amount := m.refund(order)
	msg := fmt.Sprintf("refunded %d cents", amount)
	if order.ReservationID != nil && amount > 0 {
		err := m.ledger.Refund(ctx, *order.ReservationID, amount)
		switch {
		case errors.Is(err, wallet.ErrReservationClosed):
			// The charge was never committed: either the hold is still
			// reserved or it was already released. Release returns the
			// still-held debit; on an already-released hold it no-ops.
			if rerr := m.ledger.Release(ctx, *order.ReservationID); rerr != nil && !errors.Is(rerr, wallet.ErrReservationClosed) {
				return models.ProcessingResult{}, apperr.Transientf(rerr, "release uncommitted hold")
			}
			msg = "cancelled, no committed charge to refund"
		case errors.Is(err, wallet.ErrUnknownReservation):
			return resultFor(order), apperr.Businessf("refund_failed", "reservation %s unknown to ledger", *order.ReservationID)
		case err != nil:
			return models.ProcessingResult{}, apperr.Transientf(err, "refund charge")
		}
	} else {
		msg = "cancelled, no charge recorded"
	}

	applied, err := m.store.MarkRefunded(ctx, order.ID, msg)
	if err != nil {
		return models.ProcessingResult{}, apperr.Transientf(err, "mark refunded")
	}
	if !applied {
		return resultFor(order), nil
	}
	m.appendHistory(ctx, order.ID, models.StatusCancelled, msg)

	return models.ProcessingResult{
		OrderID:         order.ID,
		Status:          models.StatusCancelled,
		ProviderOrderID: strOr(order.ProviderOrderID, ""),
		Progress:        order.Progress,
		Message:         msg,
	}, nil
}

// Abandon runs the compensating actions for a job that exhausted its
// retry budget: force the order to failed and return any open hold.
// It runs under the processor's grace context, not the dead job's.
func (m *StateMachine) Abandon(ctx context.Context, env queue.JobEnvelope, cause error) {
	order, err := m.store.GetOrder(ctx, env.OrderID)
	if err != nil {
		m.log.WithField("order_id", env.OrderID).WithError(err).Error("abandon: load order")
		return
	}
	if order.Status.Terminal() {
		return
	}
	if order.ReservationID != nil {
		m.releaseQuiet(ctx, *order.ReservationID)
	}
	msg := "failed after retries: " + cause.Error()
	if applied, err := m.store.TransitionStatus(ctx, order.ID, models.StatusFailed, order.Progress, msg); err != nil {
		m.log.WithField("order_id", order.ID).WithError(err).Error("abandon: mark failed")
	} else if applied {
		m.appendHistory(ctx, order.ID, models.StatusFailed, msg)
	}
}

// failTerminal marks the order failed with a user-facing message and
// returns the matching result. Used for business failures the handler
// has already compensated for.
func (m *StateMachine) failTerminal(ctx context.Context, order models.Order, message string) models.ProcessingResult {
	if applied, err := m.store.TransitionStatus(ctx, order.ID, models.StatusFailed, order.Progress, message); err != nil {
		m.log.WithField("order_id", order.ID).WithError(err).Error("mark failed")
	} else if applied {
		m.appendHistory(ctx, order.ID, models.StatusFailed, message)
	}
	return models.ProcessingResult{
		OrderID:  order.ID,
		Status:   models.StatusFailed,
		Progress: order.Progress,
		Message:  message,
	}
}

func (m *StateMachine) loadOrder(ctx context.Context, id string) (models.Order, error) {
	order, err := m.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Order{}, apperr.Businessf("order_not_found", "order %s does not exist", id)
	}
	if err != nil {
		return models.Order{}, apperr.Transientf(err, "load order")
	}
	return order, nil
}

func (m *StateMachine) releaseQuiet(ctx context.Context, reservationID string) {
	if reservationID == "" {
		return
	}
	err := m.ledger.Release(ctx, reservationID)
	if err != nil && !errors.Is(err, wallet.ErrReservationClosed) && !errors.Is(err, wallet.ErrUnknownReservation) {
		m.log.WithField("reservation_id", reservationID).WithError(err).Warn("release reservation")
	}
}

func (m *StateMachine) appendHistory(ctx context.Context, orderID string, status models.OrderStatus, note string) {
	if err := m.store.AppendHistory(ctx, orderID, status, note); err != nil {
		m.log.WithField("order_id", orderID).WithError(err).Warn("append history")
	}
}

func resultFor(order models.Order) models.ProcessingResult {
	return models.ProcessingResult{
		OrderID:             order.ID,
		Status:              order.Status,
		ProviderOrderID:     strOr(order.ProviderOrderID, ""),
		EstimatedCompletion: order.EstimatedCompletion,
		Progress:            order.Progress,
		Message:             strOr(order.Message, ""),
	}
}

func progressFor(quantity, remains int) int {
	if quantity <= 0 {
		return 0
	}
	done := quantity - remains
	if done < 0 {
		done = 0
	}
	p := done * 100 / quantity
	if p > 100 {
		p = 100
	}
	return p
}

func strOr(s *string, def string) string {
	if s != nil {
		return *s
	}
	return def
}
