package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"smm-fulfillment/internal/models"
	"smm-fulfillment/internal/queue"
	"smm-fulfillment/internal/store"
	"smm-fulfillment/internal/telemetry"
)

// OrderStore is the slice of the store the API needs.
type OrderStore interface {
	CreateOrder(ctx context.Context, p store.CreateOrderParams) (models.Order, error)
	GetOrder(ctx context.Context, id string) (models.Order, error)
	History(ctx context.Context, orderID string) ([]models.StatusEvent, error)
	TransitionStatus(ctx context.Context, id string, to models.OrderStatus, progress int, message string) (bool, error)
}

// JobQueue is the producer-side queue surface.
type JobQueue interface {
	Enqueue(ctx context.Context, env queue.JobEnvelope) error
	DLQPeek(ctx context.Context, count int64) ([]queue.DeadLetter, error)
}

// Limiter throttles intake per API key.
type Limiter interface {
	Allow(ctx context.Context, apiKey string) (bool, error)
}

// Server wires HTTP handlers for order intake and pipeline operations.
type Server struct {
	store   OrderStore
	queue   JobQueue
	limiter Limiter
	log     logrus.FieldLogger
}

// New constructs the API server. limiter may be nil to disable
// throttling (tests).
func New(st OrderStore, q JobQueue, limiter Limiter, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{store: st, queue: q, limiter: limiter, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/orders", s.handleCreate)
	r.Get("/orders/{id}", s.handleGet)
	r.Post("/orders/{id}/cancel", s.handleCancel)
	r.Post("/orders/{id}/refund", s.handleRefund)
	r.Get("/dlq", s.handleDLQ)
	return r
}

type createOrderRequest struct {
	UserID      string `json:"user_id"`
	ServiceID   string `json:"service_id"`
	ProviderID  string `json:"provider_id"`
	Quantity    int    `json:"quantity"`
	TargetURL   string `json:"target_url"`
	ChargeCents int64  `json:"charge_cents"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.ServiceID == "" || req.ProviderID == "" || req.TargetURL == "" {
		http.Error(w, "user_id, service_id, provider_id and target_url are required", http.StatusBadRequest)
		return
	}
	if req.Quantity <= 0 {
		http.Error(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), apiKeyFromRequest(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	order, err := s.store.CreateOrder(r.Context(), store.CreateOrderParams{
		UserID:      req.UserID,
		ServiceID:   req.ServiceID,
		ProviderID:  req.ProviderID,
		Quantity:    req.Quantity,
		TargetURL:   req.TargetURL,
		ChargeCents: req.ChargeCents,
	})
	if err != nil {
		s.log.WithError(err).Error("create order")
		http.Error(w, "failed to create order", http.StatusInternalServerError)
		return
	}

	if err := s.queue.Enqueue(r.Context(), envelopeFor(order, queue.JobProcessOrder)); err != nil {
		msg := "enqueue failed: " + err.Error()
		_, _ = s.store.TransitionStatus(r.Context(), order.ID, models.StatusFailed, 0, msg)
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()

	writeJSON(w, http.StatusAccepted, order)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	order, err := s.store.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	history, err := s.store.History(r.Context(), id)
	if err != nil {
		s.log.WithError(err).Warn("load history")
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order, "history": history})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.enqueueFor(w, r, queue.JobCancelOrder)
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request) {
	s.enqueueFor(w, r, queue.JobRefundOrder)
}

func (s *Server) enqueueFor(w http.ResponseWriter, r *http.Request, jobType queue.JobType) {
	id := chi.URLParam(r, "id")
	order, err := s.store.GetOrder(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "order not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load order", http.StatusInternalServerError)
		return
	}
	if err := s.queue.Enqueue(r.Context(), envelopeFor(order, jobType)); err != nil {
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.EnqueueCounter.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id, "job": string(jobType)})
}

// handleDLQ returns the dead-letter contents for operational
// inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func envelopeFor(order models.Order, jobType queue.JobType) queue.JobEnvelope {
	env := queue.JobEnvelope{
		OrderID:    order.ID,
		UserID:     order.UserID,
		ServiceID:  order.ServiceID,
		ProviderID: order.ProviderID,
		Quantity:   order.Quantity,
		TargetURL:  order.TargetURL,
		JobType:    jobType,
		Attempt:    0,
	}
	if order.ProviderOrderID != nil {
		env.ProviderOrderID = *order.ProviderOrderID
	}
	if order.ReservationID != nil {
		env.ReservationID = *order.ReservationID
	}
	return env
}

func apiKeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
