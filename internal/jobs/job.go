// Package jobs runs broker work asynchronously with bounded retry and a
// durable dead-letter table.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeExecuteOrder   Type = "execute_order"
	TypeSyncPositions  Type = "sync_positions"
	TypeMonitorOrders  Type = "monitor_orders"
	TypeHandleCallback Type = "handle_callback"
)

// Job is one unit of broker work. RetryCount starts at zero and NotBefore
// carries the backoff of a retried job.
type Job struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// New builds a job with a fresh id and the JSON encoding of payload.
func New(t Type, payload interface{}) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	return Job{
		ID:         uuid.New().String(),
		Type:       t,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (j Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Type, err)
	}
	return nil
}

// ErrQueueClosed is returned by Dequeue once the queue is shut down.
var ErrQueueClosed = errors.New("jobs: queue closed")

// Queue transports jobs between producers and the worker.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Dequeue blocks until a job is available, ctx is done or the queue closes.
	Dequeue(ctx context.Context) (Job, error)
	Close() error
}

type ExecuteOrderPayload struct {
	OrderID string `json:"order_id"`
}

// SyncPositionsPayload selects one connection. An empty UserID syncs every
// active connection.
type SyncPositionsPayload struct {
	UserID string `json:"user_id,omitempty"`
	Broker string `json:"broker,omitempty"`
}

type MonitorOrdersPayload struct {
	Limit int `json:"limit,omitempty"`
}

// Broker callback events.
const (
	EventOrderFilled     = "order_filled"
	EventOrderCancelled  = "order_cancelled"
	EventOrderRejected   = "order_rejected"
	EventPositionUpdated = "position_updated"
)

// CallbackPayload is a broker pushed event. Order events carry
// BrokerOrderID; position events carry UserID and Symbol.
type CallbackPayload struct {
	Broker         string           `json:"broker"`
	Event          string           `json:"event"`
	BrokerOrderID  string           `json:"broker_order_id,omitempty"`
	UserID         string           `json:"user_id,omitempty"`
	Symbol         string           `json:"symbol,omitempty"`
	FilledQuantity *decimal.Decimal `json:"filled_quantity,omitempty"`
	FilledPrice    *decimal.Decimal `json:"filled_price,omitempty"`
	Quantity       *decimal.Decimal `json:"quantity,omitempty"`
	AvgPrice       *decimal.Decimal `json:"avg_price,omitempty"`
	MarketValue    *decimal.Decimal `json:"market_value,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}
