// Package execution runs the broker jobs: order execution, status polling,
// position sync and broker callbacks.
package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/positions"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const defaultMonitorLimit = 200

// Handler implements jobs.Handler for the four broker job types.
type Handler struct {
	orders    *trading.Service
	db        *trading.Database
	factory   *broker.Factory
	conns     *connections.Database
	positions *positions.Database
	notifier  trading.Notifier
	now       func() time.Time
	logger    zerolog.Logger
}

func NewHandler(orders *trading.Service, db *trading.Database, factory *broker.Factory, conns *connections.Database, pos *positions.Database, notifier trading.Notifier) *Handler {
	return &Handler{
		orders:    orders,
		db:        db,
		factory:   factory,
		conns:     conns,
		positions: pos,
		notifier:  notifier,
		now:       time.Now,
		logger:    log.With().Str("component", "job_handler").Logger(),
	}
}

func (h *Handler) Handle(ctx context.Context, job jobs.Job) error {
	switch job.Type {
	case jobs.TypeExecuteOrder:
		var p jobs.ExecuteOrderPayload
		if err := job.Decode(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid execute_order payload", err)
		}
		return h.executeOrder(ctx, p.OrderID)
	case jobs.TypeSyncPositions:
		var p jobs.SyncPositionsPayload
		if err := job.Decode(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid sync_positions payload", err)
		}
		return h.syncPositions(ctx, p)
	case jobs.TypeMonitorOrders:
		var p jobs.MonitorOrdersPayload
		if err := job.Decode(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid monitor_orders payload", err)
		}
		return h.monitorOrders(ctx, p.Limit)
	case jobs.TypeHandleCallback:
		var p jobs.CallbackPayload
		if err := job.Decode(&p); err != nil {
			return apperr.Wrap(apperr.KindValidation, "invalid handle_callback payload", err)
		}
		return h.handleCallback(ctx, p)
	default:
		return apperr.Newf(apperr.KindValidation, "unknown job type %q", job.Type)
	}
}

// OnDeadLetter settles the order of an execute_order job that will not be
// retried again. An order the broker may still hold is left submitted for
// the stale order sweep instead of being rejected.
func (h *Handler) OnDeadLetter(ctx context.Context, job jobs.Job, cause error) {
	logger := h.logger.With().Str("job_id", job.ID).Str("type", string(job.Type)).Logger()
	if job.Type != jobs.TypeExecuteOrder {
		logger.Warn().Err(cause).Msg("job dead-lettered")
		return
	}

	var p jobs.ExecuteOrderPayload
	if err := job.Decode(&p); err != nil {
		logger.Error().Err(err).Msg("dead-lettered job has an invalid payload")
		return
	}
	order, rejected, err := h.orders.Fail(ctx, p.OrderID, cause)
	if err != nil {
		logger.Error().Err(err).Str("order_id", p.OrderID).Msg("failed to settle dead-lettered order")
		return
	}
	if !rejected {
		logger.Warn().
			Err(cause).
			Str("order_id", order.OrderID).
			Str("status", string(order.Status)).
			Msg("dead-lettered order not rejected")
		return
	}
	if h.notifier != nil {
		msg := fmt.Sprintf("order %s could not be submitted after %d attempts", order.OrderID, job.RetryCount+1)
		if err := h.notifier.Raise(ctx, order.UserID, alerts.KindJobDeadLettered, order.OrderID, msg); err != nil {
			logger.Error().Err(err).Msg("failed to raise dead-letter alert")
		}
	}
}

// executeOrder places the order. Permanent failures settle the order and
// complete the job; transient failures are returned for retry.
func (h *Handler) executeOrder(ctx context.Context, orderID string) error {
	order, err := h.orders.Execute(ctx, orderID)
	if err == nil {
		h.logger.Info().
			Str("order_id", order.OrderID).
			Str("status", string(order.Status)).
			Msg("order executed")
		return nil
	}
	if apperr.Is(err, apperr.KindNotFound) {
		return err
	}
	if apperr.Retryable(err) {
		// The retry is queued by the worker.
		if merr := h.db.MarkEnqueued(ctx, orderID, h.now()); merr != nil {
			h.logger.Warn().Err(merr).Str("order_id", orderID).Msg("failed to record enqueue time")
		}
		return err
	}

	h.logger.Warn().Err(err).Str("order_id", orderID).Msg("order execution failed")
	if _, _, ferr := h.orders.Fail(ctx, orderID, err); ferr != nil {
		return ferr
	}
	return nil
}

func (h *Handler) syncPositions(ctx context.Context, p jobs.SyncPositionsPayload) error {
	var conns []types.BrokerConnection
	if p.UserID != "" {
		conn, err := h.conns.Active(ctx, p.UserID, p.Broker)
		if err != nil {
			return err
		}
		conns = append(conns, *conn)
	} else {
		all, err := h.conns.ListActive(ctx)
		if err != nil {
			return err
		}
		conns = all
	}

	var errs []error
	for i := range conns {
		if err := h.syncConnection(ctx, &conns[i]); err != nil {
			h.logger.Warn().
				Err(err).
				Str("user_id", conns[i].UserID).
				Str("broker", conns[i].Broker).
				Msg("position sync failed")
			if p.UserID != "" {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) syncConnection(ctx context.Context, conn *types.BrokerConnection) error {
	adapter, err := h.factory.Adapter(ctx, conn.Broker, conn.UserID)
	if err != nil {
		return err
	}
	held, err := adapter.GetPositions(ctx)
	if err != nil {
		return err
	}

	at := h.now().UTC()
	for _, bp := range held {
		if err := h.positions.Upsert(ctx, &types.Position{
			UserID:       conn.UserID,
			ConnectionID: conn.ConnectionID,
			Broker:       conn.Broker,
			Symbol:       bp.Symbol,
			Quantity:     bp.Quantity,
			AvgPrice:     bp.AvgPrice,
			MarketValue:  bp.MarketValue,
			SyncedAt:     at,
		}); err != nil {
			return err
		}
	}
	removed, err := h.positions.DeleteStale(ctx, conn.UserID, conn.ConnectionID, at)
	if err != nil {
		return err
	}

	h.logger.Debug().
		Str("user_id", conn.UserID).
		Str("broker", conn.Broker).
		Int("positions", len(held)).
		Int64("removed", removed).
		Msg("positions synced")
	return nil
}

// monitorOrders polls every submitted order and applies observed changes.
// Failures for one order do not stop the sweep.
func (h *Handler) monitorOrders(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = defaultMonitorLimit
	}
	open, err := h.db.ListOpenOrders(ctx, limit)
	if err != nil {
		return err
	}

	adapters := make(map[string]broker.Adapter)
	changed := 0
	for i := range open {
		order := &open[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}

		key := order.UserID + "/" + order.Broker
		adapter, ok := adapters[key]
		if !ok {
			adapter, err = h.factory.Adapter(ctx, order.Broker, order.UserID)
			if err != nil {
				h.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("cannot resolve adapter for monitoring")
				continue
			}
			adapters[key] = adapter
		}

		result, err := adapter.GetOrderStatus(ctx, order.BrokerOrderID)
		if err != nil {
			h.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("order status poll failed")
			continue
		}
		_, applied, err := h.orders.ApplyResult(ctx, order.OrderID, result)
		if err != nil {
			h.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("failed to apply order status")
			continue
		}
		if applied && result.Status != order.Status {
			changed++
		}
	}

	h.logger.Debug().Int("open", len(open)).Int("changed", changed).Msg("orders monitored")
	return nil
}

// handleCallback routes a broker pushed event into the same update paths
// the pollers use.
func (h *Handler) handleCallback(ctx context.Context, p jobs.CallbackPayload) error {
	switch p.Event {
	case jobs.EventOrderFilled, jobs.EventOrderCancelled, jobs.EventOrderRejected:
		if p.BrokerOrderID == "" {
			return apperr.Validation(apperr.FieldError{Field: "broker_order_id", Message: "is required"})
		}
		order, err := h.db.GetOrderByBrokerID(ctx, p.Broker, p.BrokerOrderID)
		if err != nil {
			return err
		}

		if p.Event == jobs.EventOrderRejected {
			reason := p.Reason
			if reason == "" {
				reason = "rejected by broker"
			}
			_, err := h.orders.Reject(ctx, order.OrderID, apperr.New(apperr.KindBrokerRejected, reason))
			return err
		}

		result := &broker.OrderResult{
			BrokerOrderID: p.BrokerOrderID,
			Status:        types.StatusCancelled,
			FilledPrice:   p.FilledPrice,
		}
		if p.Event == jobs.EventOrderFilled {
			result.Status = types.StatusFilled
		}
		if p.FilledQuantity != nil {
			result.FilledQuantity = *p.FilledQuantity
		}
		_, _, err = h.orders.ApplyResult(ctx, order.OrderID, result)
		return err

	case jobs.EventPositionUpdated:
		if p.UserID == "" || p.Symbol == "" || p.Quantity == nil {
			return apperr.Validation(apperr.FieldError{Field: "position", Message: "user_id, symbol and quantity are required"})
		}
		conn, err := h.conns.Active(ctx, p.UserID, p.Broker)
		if err != nil {
			return err
		}
		if p.Quantity.IsZero() {
			return h.positions.Delete(ctx, p.UserID, conn.ConnectionID, p.Symbol)
		}
		return h.positions.Upsert(ctx, &types.Position{
			UserID:       p.UserID,
			ConnectionID: conn.ConnectionID,
			Broker:       conn.Broker,
			Symbol:       p.Symbol,
			Quantity:     *p.Quantity,
			AvgPrice:     valueOr(p.AvgPrice),
			MarketValue:  valueOr(p.MarketValue),
			SyncedAt:     h.now(),
		})

	default:
		return apperr.Newf(apperr.KindValidation, "unknown callback event %q", p.Event)
	}
}

func valueOr(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}
