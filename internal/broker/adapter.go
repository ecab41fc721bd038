// Package broker normalizes broker order APIs behind one Adapter contract and
// selects the credential strategy for each broker.
package broker

import (
	"context"

	"github.com/ksred/klear-broker/internal/types"
	"github.com/shopspring/decimal"
)

// OrderRequest is the broker-neutral order passed to an adapter.
type OrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
	TimeInForce   string
}

// OrderResult is the broker's view of an order.
type OrderResult struct {
	BrokerOrderID  string
	Status         types.OrderStatus
	FilledQuantity decimal.Decimal
	FilledPrice    *decimal.Decimal
}

// Position is a broker reported holding.
type Position struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	MarketValue decimal.Decimal
}

// Adapter places and tracks orders for one user at one broker.
type Adapter interface {
	Name() string
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error)
	// FindOrder looks an order up by the client order id it was placed
	// with. An order the broker never received is a NotFound error.
	FindOrder(ctx context.Context, clientOrderID string) (*OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
}
