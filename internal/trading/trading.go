// Package trading is the order submission gateway: it validates, dedupes
// and dispatches client orders and owns every order status change.
package trading

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/auth"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/metrics"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Connections resolves a user's active broker connection.
type Connections interface {
	Active(ctx context.Context, userID, broker string) (*types.BrokerConnection, error)
}

// Notifier raises user alerts.
type Notifier interface {
	Raise(ctx context.Context, userID string, kind alerts.Kind, orderID, message string) error
}

// Enqueuer accepts jobs for the broker worker.
type Enqueuer interface {
	Enqueue(ctx context.Context, job jobs.Job) error
}

// Service handles order submission and every later status change
type Service struct {
	db          *Database
	factory     *broker.Factory
	connections Connections
	queue       Enqueuer
	notifier    Notifier
	mode        string
	maxQuantity decimal.Decimal
	submitLease time.Duration
	validate    *validator.Validate
	now         func() time.Time
}

// NewService creates the gateway. In async mode orders are executed by the
// job worker, in sync mode within the request.
func NewService(db *Database, factory *broker.Factory, conns Connections, queue Enqueuer, notifier Notifier, cfg config.OrdersConfig) *Service {
	maxQty := decimal.NewFromFloat(cfg.MaxQuantity)
	if !maxQty.IsPositive() {
		maxQty = decimal.NewFromInt(1_000_000)
	}
	mode := cfg.SubmissionMode
	if mode == "" {
		mode = config.ModeAsync
	}
	lease := cfg.SubmitLease
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &Service{
		db:          db,
		factory:     factory,
		connections: conns,
		queue:       queue,
		notifier:    notifier,
		mode:        mode,
		maxQuantity: maxQty,
		submitLease: lease,
		validate:    newValidator(),
		now:         time.Now,
	}
}

// Submit validates and dispatches one order. A repeated idempotency key for
// the same user returns the stored order marked Cached.
func (s *Service) Submit(ctx context.Context, userID, idempotencyKey string, req OrderRequest) (*Result, error) {
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	switch {
	case idempotencyKey == "":
		return nil, apperr.Validation(apperr.FieldError{Field: "idempotency_key", Message: "is required"})
	case len(idempotencyKey) > maxIdempotencyKeyLength:
		return nil, apperr.Validation(apperr.FieldError{Field: "idempotency_key", Message: "must be at most 128 characters"})
	}

	req.normalize()
	if err := req.validate(s.validate, s.maxQuantity); err != nil {
		return nil, err
	}

	logger := log.With().
		Str("user_id", userID).
		Str("broker", req.Broker).
		Str("idempotency_key", idempotencyKey).
		Logger()

	existing, err := s.db.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		metrics.OrdersSubmitted.WithLabelValues(existing.Broker, "cached").Inc()
		logger.Debug().Str("order_id", existing.OrderID).Msg("idempotent replay")
		return &Result{Order: existing, Cached: true}, nil
	}

	conn, err := s.connections.Active(ctx, userID, req.Broker)
	if err != nil {
		return nil, err
	}
	if err := s.factory.CheckRoutable(req.Broker); err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:        uuid.New().String(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		ConnectionID:   conn.ConnectionID,
		Broker:         req.Broker,
		Symbol:         req.Symbol,
		Side:           req.Side,
		OrderType:      req.OrderType,
		Quantity:       req.Quantity,
		TimeInForce:    req.TimeInForce,
		Status:         types.StatusPending,
		FilledQuantity: decimal.Zero,
		Metadata:       req.Metadata,
	}
	if req.LimitPrice != nil {
		order.LimitPrice = decimal.NullDecimal{Decimal: *req.LimitPrice, Valid: true}
	}

	if err := s.db.CreateOrder(ctx, order); err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// A concurrent request with the same key won the insert.
		winner, lookupErr := s.db.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if winner == nil {
			return nil, err
		}
		metrics.OrdersSubmitted.WithLabelValues(winner.Broker, "cached").Inc()
		return &Result{Order: winner, Cached: true}, nil
	}
	logger = logger.With().Str("order_id", order.OrderID).Logger()

	if s.mode == config.ModeAsync {
		job, err := jobs.New(jobs.TypeExecuteOrder, jobs.ExecuteOrderPayload{OrderID: order.OrderID})
		if err == nil {
			err = s.queue.Enqueue(ctx, job)
		}
		if err != nil {
			// The stale order sweep re-enqueues the order.
			logger.Error().Err(err).Msg("failed to enqueue order, left pending")
		} else if err := s.db.MarkEnqueued(ctx, order.OrderID, s.now()); err != nil {
			logger.Warn().Err(err).Msg("failed to record enqueue time")
		}
		metrics.OrdersSubmitted.WithLabelValues(order.Broker, "accepted").Inc()
		logger.Info().Msg("order accepted")
		return &Result{Order: order, Accepted: true}, nil
	}

	executed, err := s.Execute(ctx, order.OrderID)
	if err != nil {
		logger.Warn().Err(err).Msg("order submission failed")
		settled, _, ferr := s.Fail(ctx, order.OrderID, err)
		if ferr != nil {
			return nil, ferr
		}
		metrics.OrdersSubmitted.WithLabelValues(order.Broker, string(settled.Status)).Inc()
		return &Result{Order: settled}, nil
	}

	metrics.OrdersSubmitted.WithLabelValues(order.Broker, string(executed.Status)).Inc()
	logger.Info().Str("status", string(executed.Status)).Msg("order submitted")
	return &Result{Order: executed}, nil
}

// Execute places a pending order with its broker and records the broker's
// response. Placing requires claiming the order, so concurrent attempts
// place it at most once; an attempt that finds the order claimed looks it
// up at the broker by client order id instead. On error the caller decides
// whether to retry or settle the order with Fail.
func (s *Service) Execute(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() || order.BrokerOrderID != "" {
		return order, nil
	}

	adapter, err := s.factory.Adapter(ctx, order.Broker, order.UserID)
	if err != nil {
		return order, err
	}
	logger := log.With().Str("order_id", orderID).Str("broker", order.Broker).Logger()

	if order.Status == types.StatusSubmitted {
		updated, found, err := s.findPlaced(ctx, adapter, order)
		if err != nil || found {
			return updated, err
		}
	}

	now := s.now()
	order, claimed, err := s.db.ClaimSubmission(ctx, orderID, now, now.Add(-s.submitLease))
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() || order.BrokerOrderID != "" {
		return order, nil
	}
	if !claimed {
		return order, apperr.New(apperr.KindBrokerUnavailable, "order submission already in progress")
	}

	req := broker.OrderRequest{
		ClientOrderID: order.OrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.OrderType,
		Quantity:      order.Quantity,
		TimeInForce:   order.TimeInForce,
	}
	if order.LimitPrice.Valid {
		p := order.LimitPrice.Decimal
		req.LimitPrice = &p
	}

	result, err := adapter.PlaceOrder(ctx, req)
	if apperr.Is(err, apperr.KindDuplicateOrder) {
		logger.Warn().Err(err).Msg("broker already holds the order, looking it up")
		updated, found, ferr := s.findPlaced(ctx, adapter, order)
		if ferr != nil || found {
			return updated, ferr
		}
		return order, apperr.Wrap(apperr.KindBrokerUnavailable, "broker reports the order but cannot find it yet", err)
	}
	if err != nil {
		return order, err
	}

	updated, _, err := s.ApplyResult(ctx, orderID, result)
	return updated, err
}

// findPlaced looks the order up at the broker by client order id and
// records what the broker holds. found is false when the broker has no such
// order.
func (s *Service) findPlaced(ctx context.Context, adapter broker.Adapter, order *types.Order) (*types.Order, bool, error) {
	result, err := adapter.FindOrder(ctx, order.OrderID)
	switch {
	case apperr.Is(err, apperr.KindNotFound):
		return order, false, nil
	case err != nil:
		return order, false, err
	}
	updated, _, err := s.ApplyResult(ctx, order.OrderID, result)
	return updated, true, err
}

// ApplyResult records a broker observation of an order. Polling, callbacks
// and submission all converge here, so a status only ever moves forward.
// The returned flag reports whether anything changed.
func (s *Service) ApplyResult(ctx context.Context, orderID string, result *broker.OrderResult) (*types.Order, bool, error) {
	order, applied, err := s.db.UpdateStatus(ctx, orderID, result.Status, func(o *types.Order) {
		if result.BrokerOrderID != "" {
			o.BrokerOrderID = result.BrokerOrderID
		}
		if result.FilledQuantity.IsPositive() {
			o.FilledQuantity = result.FilledQuantity
		}
		if result.FilledPrice != nil {
			o.FilledPrice = decimal.NullDecimal{Decimal: *result.FilledPrice, Valid: true}
		}
	})
	if err != nil || !applied {
		return order, applied, err
	}

	switch result.Status {
	case types.StatusFilled:
		msg := order.Side + " " + order.FilledQuantity.String() + " " + order.Symbol + " filled"
		if order.FilledPrice.Valid {
			msg += " at " + order.FilledPrice.Decimal.String()
		}
		s.alert(ctx, order, alerts.KindOrderFilled, msg)
	case types.StatusRejected:
		s.alert(ctx, order, alerts.KindOrderRejected, order.Symbol+" order rejected by broker")
	}
	return order, true, nil
}

// Fail settles an order whose execution will not be attempted again. A
// pending order, or one the broker rejected, is rejected. A claimed order
// the broker may already hold is looked up by client order id first, and is
// only rejected once the broker has no record of it and the claim has
// lapsed; otherwise it stays submitted for the stale order sweep. rejected
// reports whether this call rejected the order.
func (s *Service) Fail(ctx context.Context, orderID string, cause error) (*types.Order, bool, error) {
	order, err := s.db.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if order.Status.Terminal() || order.BrokerOrderID != "" {
		return order, false, nil
	}
	if order.Status == types.StatusPending || apperr.Is(cause, apperr.KindBrokerRejected) {
		return s.reject(ctx, orderID, cause)
	}

	logger := log.With().Str("order_id", orderID).Str("broker", order.Broker).Logger()
	adapter, err := s.factory.Adapter(ctx, order.Broker, order.UserID)
	if err != nil {
		if !apperr.Retryable(err) {
			return s.reject(ctx, orderID, cause)
		}
		logger.Warn().Err(err).Msg("cannot check broker for claimed order, leaving it submitted")
		return order, false, nil
	}

	updated, found, err := s.findPlaced(ctx, adapter, order)
	switch {
	case found:
		return updated, false, err
	case err != nil:
		logger.Warn().Err(err).Msg("broker lookup failed, leaving order submitted")
		return order, false, nil
	case order.SubmittedAt != nil && s.now().Sub(*order.SubmittedAt) < s.submitLease:
		logger.Warn().Msg("order claim still live, leaving order submitted")
		return order, false, nil
	}
	return s.reject(ctx, orderID, cause)
}

// Reject marks the order rejected with the caller-safe message of cause and
// raises an alert. Terminal orders are returned unchanged.
func (s *Service) Reject(ctx context.Context, orderID string, cause error) (*types.Order, error) {
	order, _, err := s.reject(ctx, orderID, cause)
	return order, err
}

func (s *Service) reject(ctx context.Context, orderID string, cause error) (*types.Order, bool, error) {
	msg := "order submission failed"
	if e, ok := apperr.As(cause); ok && e.Kind != apperr.KindInternal {
		msg = e.Message
	}

	order, applied, err := s.db.UpdateStatus(ctx, orderID, types.StatusRejected, func(o *types.Order) {
		o.ErrorMessage = msg
	})
	if err != nil {
		return nil, false, err
	}
	if applied {
		s.alert(ctx, order, alerts.KindOrderRejected, order.Symbol+" order rejected: "+msg)
	}
	return order, applied, nil
}

// GetOrder returns one of the user's orders.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	return s.db.GetOrderForUser(ctx, orderID, userID)
}

// CancelOrder cancels an order that has not reached a terminal state. An
// order the broker has not acknowledged yet is cancelled locally.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.db.GetOrderForUser(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}

	switch {
	case order.Status.Terminal():
		return nil, apperr.Newf(apperr.KindBrokerRejected, "order is already %s", order.Status)
	case order.Status == types.StatusPending:
		updated, cancelled, err := s.db.CancelPending(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if !cancelled {
			return nil, apperr.Newf(apperr.KindBrokerUnavailable, "order is already %s, retry shortly", updated.Status)
		}
		log.Info().Str("order_id", orderID).Str("user_id", userID).Msg("order cancelled")
		return updated, nil
	case order.BrokerOrderID == "":
		return nil, apperr.New(apperr.KindBrokerUnavailable, "order is being submitted, retry shortly")
	}

	adapter, err := s.factory.Adapter(ctx, order.Broker, userID)
	if err != nil {
		return nil, err
	}
	if err := adapter.CancelOrder(ctx, order.BrokerOrderID); err != nil {
		return nil, err
	}

	updated, applied, err := s.db.UpdateStatus(ctx, orderID, types.StatusCancelled, nil)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, apperr.Newf(apperr.KindBrokerRejected, "order is already %s", updated.Status)
	}

	log.Info().Str("order_id", orderID).Str("user_id", userID).Msg("order cancelled")
	return updated, nil
}

func (s *Service) alert(ctx context.Context, order *types.Order, kind alerts.Kind, msg string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Raise(ctx, order.UserID, kind, order.OrderID, msg); err != nil {
		log.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to raise order alert")
	}
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the order handlers
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// SubmitOrderHandler handles POST /orders. The Idempotency-Key header is
// required. New orders answer 201, replays 200 and queued orders 202.
func (h *GinHandlers) SubmitOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid order body: "+err.Error())
			return
		}

		result, err := h.service.Submit(c.Request.Context(), auth.ClientID(c), key, req)
		switch {
		case err != nil:
			response.Handle(c, nil, err)
		case result.Cached:
			response.OK(c, result)
		case result.Accepted:
			response.Accepted(c, result)
		default:
			response.Success(c, result)
		}
	}
}

// GetOrderHandler handles GET /orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Request.Context(), auth.ClientID(c), c.Param("order_id"))
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles POST /orders/:order_id/cancel
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), auth.ClientID(c), c.Param("order_id"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.OK(c, order)
	}
}
