package trading

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Database persists orders. Idempotency is enforced by the unique
// (user_id, idempotency_key) index, not by the read before insert.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Migrate creates the orders table.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&types.Order{})
}

// CreateOrder inserts a new order. A duplicate idempotency key surfaces as
// gorm.ErrDuplicatedKey.
func (d *Database) CreateOrder(ctx context.Context, order *types.Order) error {
	return d.db.WithContext(ctx).Create(order).Error
}

// GetOrder returns the order or a NotFound error.
func (d *Database) GetOrder(ctx context.Context, orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.WithContext(ctx).Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderForUser returns the order only when userID owns it.
func (d *Database) GetOrderForUser(ctx context.Context, orderID, userID string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("order_id = ? AND user_id = ?", orderID, userID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey returns nil when no order uses the key.
func (d *Database) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOrderByBrokerID finds an order from a broker callback.
func (d *Database) GetOrderByBrokerID(ctx context.Context, broker, brokerOrderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.WithContext(ctx).
		Where("broker = ? AND broker_order_id = ?", broker, brokerOrderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.Newf(apperr.KindNotFound, "order with broker id %s not found", brokerOrderID)
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus moves the order to next and applies mutate under a row lock.
// Moving backwards, or out of a terminal state, is skipped and reported as
// not applied. Staying in the same non-terminal status only applies mutate.
func (d *Database) UpdateStatus(ctx context.Context, orderID string, next types.OrderStatus, mutate func(*types.Order)) (*types.Order, bool, error) {
	var (
		order   types.Order
		applied bool
	)
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("order_id = ?", orderID).
			First(&order).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.Newf(apperr.KindNotFound, "order %s not found", orderID)
			}
			return err
		}

		switch {
		case order.Status == next && !next.Terminal():
		case order.Status.CanTransitionTo(next):
			order.Status = next
		default:
			return nil
		}

		if mutate != nil {
			mutate(&order)
		}
		applied = true
		return tx.Save(&order).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &order, applied, nil
}

// ClaimSubmission moves the order to submitted if no attempt holds it: the
// order is pending, or it was claimed before leaseCutoff and never reached
// the broker. Only the caller that gets true may place the order.
func (d *Database) ClaimSubmission(ctx context.Context, orderID string, at, leaseCutoff time.Time) (*types.Order, bool, error) {
	res := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("order_id = ? AND broker_order_id = ''", orderID).
		Where("(status = ? OR (status = ? AND submitted_at < ?))",
			types.StatusPending, types.StatusSubmitted, leaseCutoff.UTC()).
		Updates(map[string]interface{}{
			"status":       types.StatusSubmitted,
			"submitted_at": at.UTC(),
		})
	if res.Error != nil {
		return nil, false, res.Error
	}

	order, err := d.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return order, res.RowsAffected == 1, nil
}

// CancelPending cancels the order only while no attempt has claimed it.
func (d *Database) CancelPending(ctx context.Context, orderID string) (*types.Order, bool, error) {
	res := d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.StatusPending).
		Update("status", types.StatusCancelled)
	if res.Error != nil {
		return nil, false, res.Error
	}

	order, err := d.GetOrder(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	return order, res.RowsAffected == 1, nil
}

// MarkEnqueued records that an execute_order job was queued for the order.
func (d *Database) MarkEnqueued(ctx context.Context, orderID string, at time.Time) error {
	return d.db.WithContext(ctx).
		Model(&types.Order{}).
		Where("order_id = ?", orderID).
		Update("last_enqueued_at", at.UTC()).Error
}

// ListOpenOrders returns submitted orders the broker knows about.
func (d *Database) ListOpenOrders(ctx context.Context, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("status = ? AND broker_order_id <> ''", types.StatusSubmitted).
		Order("created_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// ListStaleUnplaced returns orders without a broker id that have sat since
// before cutoff: pending orders, and submitted orders whose claim is that
// old. Orders queued for execution after cutoff are skipped.
func (d *Database) ListStaleUnplaced(ctx context.Context, cutoff time.Time, limit int) ([]types.Order, error) {
	cutoff = cutoff.UTC()
	var orders []types.Order
	err := d.db.WithContext(ctx).
		Where("broker_order_id = ''").
		Where("((status = ? AND created_at < ?) OR (status = ? AND submitted_at < ?))",
			types.StatusPending, cutoff, types.StatusSubmitted, cutoff).
		Where("(last_enqueued_at IS NULL OR last_enqueued_at < ?)", cutoff).
		Order("created_at").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
