package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusSubmitted OrderStatus = "submitted"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

var statusRank = map[OrderStatus]int{
	StatusPending:   0,
	StatusSubmitted: 1,
	StatusFilled:    2,
	StatusRejected:  2,
	StatusCancelled: 2,
}

// Terminal reports whether no further transitions are allowed.
func (s OrderStatus) Terminal() bool {
	return statusRank[s] == 2
}

// CanTransitionTo reports whether moving to next keeps the status moving
// forward: pending -> submitted -> filled | rejected | cancelled.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	cur, ok := statusRank[s]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return !s.Terminal() && nxt > cur
}

// Order sides, types and time in force values.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"

	TimeInForceDay = "day"
	TimeInForceGTC = "gtc"
	TimeInForceIOC = "ioc"
	TimeInForceFOK = "fok"
)

// Order is one client submission. (user_id, idempotency_key) is unique.
type Order struct {
	ID             uint                `gorm:"primaryKey" json:"-"`
	OrderID        string              `gorm:"uniqueIndex;not null" json:"order_id"`
	UserID         string              `gorm:"not null;uniqueIndex:idx_orders_user_idempotency" json:"user_id"`
	IdempotencyKey string              `gorm:"not null;uniqueIndex:idx_orders_user_idempotency" json:"idempotency_key"`
	ConnectionID   string              `gorm:"index" json:"connection_id"`
	Broker         string              `json:"broker"`
	Symbol         string              `json:"symbol"`
	Side           string              `json:"side"`
	OrderType      string              `json:"order_type"`
	Quantity       decimal.Decimal     `gorm:"type:numeric" json:"quantity"`
	LimitPrice     decimal.NullDecimal `gorm:"type:numeric" json:"limit_price"`
	TimeInForce    string              `json:"time_in_force"`
	Status         OrderStatus         `gorm:"index" json:"status"`
	BrokerOrderID  string              `gorm:"index" json:"broker_order_id,omitempty"`
	FilledQuantity decimal.Decimal     `gorm:"type:numeric" json:"filled_quantity"`
	FilledPrice    decimal.NullDecimal `gorm:"type:numeric" json:"filled_price"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Metadata       json.RawMessage     `json:"metadata,omitempty"`
	SubmittedAt    *time.Time          `json:"submitted_at,omitempty"`
	LastEnqueuedAt *time.Time          `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// ConnectionStatus is the state of a user's link to a broker.
type ConnectionStatus string

const (
	ConnectionPending  ConnectionStatus = "pending"
	ConnectionActive   ConnectionStatus = "active"
	ConnectionInactive ConnectionStatus = "inactive"
)

// BrokerConnection links a user to a broker. One per (user, broker).
type BrokerConnection struct {
	ID             uint             `gorm:"primaryKey" json:"-"`
	ConnectionID   string           `gorm:"uniqueIndex;not null" json:"connection_id"`
	UserID         string           `gorm:"not null;uniqueIndex:idx_connections_user_broker" json:"user_id"`
	Broker         string           `gorm:"not null;uniqueIndex:idx_connections_user_broker" json:"broker"`
	Strategy       string           `json:"strategy"`
	Status         ConnectionStatus `gorm:"index" json:"status"`
	AccountID      string           `json:"account_id,omitempty"`
	ConnectedAt    *time.Time       `json:"connected_at,omitempty"`
	DisconnectedAt *time.Time       `json:"disconnected_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Position is a synced broker holding keyed by (user, connection, symbol).
type Position struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	UserID       string          `gorm:"not null;uniqueIndex:idx_positions_user_connection_symbol" json:"user_id"`
	ConnectionID string          `gorm:"not null;uniqueIndex:idx_positions_user_connection_symbol" json:"connection_id"`
	Symbol       string          `gorm:"not null;uniqueIndex:idx_positions_user_connection_symbol" json:"symbol"`
	Broker       string          `json:"broker"`
	Quantity     decimal.Decimal `gorm:"type:numeric" json:"quantity"`
	AvgPrice     decimal.Decimal `gorm:"type:numeric" json:"avg_price"`
	MarketValue  decimal.Decimal `gorm:"type:numeric" json:"market_value"`
	SyncedAt     time.Time       `json:"synced_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
