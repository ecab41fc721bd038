package broker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog/log"
)

// AlpacaAdapter routes orders through the Alpaca trading API using the user's
// OAuth access token.
type AlpacaAdapter struct {
	client *alpaca.Client
}

var _ Adapter = (*AlpacaAdapter)(nil)

func NewAlpacaAdapter(accessToken, baseURL string) *AlpacaAdapter {
	return &AlpacaAdapter{
		client: alpaca.NewClient(alpaca.ClientOpts{
			OAuth:      accessToken,
			BaseURL:    baseURL,
			RetryLimit: 1,
		}),
	}
}

func (a *AlpacaAdapter) Name() string { return "alpaca" }

func (a *AlpacaAdapter) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	qty := req.Quantity
	order := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		price := *req.LimitPrice
		order.LimitPrice = &price
	}

	o, err := a.client.PlaceOrder(order)
	if err != nil {
		return nil, mapAlpacaError(err)
	}

	log.Debug().
		Str("broker", "alpaca").
		Str("broker_order_id", o.ID).
		Str("client_order_id", req.ClientOrderID).
		Str("status", o.Status).
		Msg("order accepted by broker")

	return alpacaResult(o), nil
}

func (a *AlpacaAdapter) GetPositions(_ context.Context) ([]Position, error) {
	positions, err := a.client.GetPositions()
	if err != nil {
		return nil, mapAlpacaError(err)
	}

	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		pos := Position{
			Symbol:   p.Symbol,
			Quantity: p.Qty,
			AvgPrice: p.AvgEntryPrice,
		}
		if p.MarketValue != nil {
			pos.MarketValue = *p.MarketValue
		}
		out = append(out, pos)
	}
	return out, nil
}

func (a *AlpacaAdapter) GetOrderStatus(_ context.Context, brokerOrderID string) (*OrderResult, error) {
	o, err := a.client.GetOrder(brokerOrderID)
	if err != nil {
		return nil, mapAlpacaError(err)
	}
	return alpacaResult(o), nil
}

func (a *AlpacaAdapter) FindOrder(_ context.Context, clientOrderID string) (*OrderResult, error) {
	o, err := a.client.GetOrderByClientOrderID(clientOrderID)
	if err != nil {
		return nil, mapAlpacaError(err)
	}
	return alpacaResult(o), nil
}

func (a *AlpacaAdapter) CancelOrder(_ context.Context, brokerOrderID string) error {
	if err := a.client.CancelOrder(brokerOrderID); err != nil {
		return mapAlpacaError(err)
	}
	return nil
}

func alpacaResult(o *alpaca.Order) *OrderResult {
	return &OrderResult{
		BrokerOrderID:  o.ID,
		Status:         alpacaStatus(o.Status),
		FilledQuantity: o.FilledQty,
		FilledPrice:    o.FilledAvgPrice,
	}
}

func alpacaStatus(status string) types.OrderStatus {
	switch status {
	case "filled":
		return types.StatusFilled
	case "canceled", "expired":
		return types.StatusCancelled
	case "rejected":
		return types.StatusRejected
	default:
		return types.StatusSubmitted
	}
}

func mapAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return apperr.Wrap(apperr.KindBrokerUnavailable, "alpaca unreachable", err)
	}

	switch {
	case apiErr.StatusCode == http.StatusUnauthorized:
		return apperr.Wrap(apperr.KindReconnectRequired, "alpaca rejected the access token, reconnect required", err)
	case apiErr.StatusCode == http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, "order not found at alpaca", err)
	case apiErr.StatusCode == http.StatusUnprocessableEntity &&
		strings.Contains(strings.ToLower(apiErr.Message), "client_order_id must be unique"):
		return apperr.Wrap(apperr.KindDuplicateOrder, "alpaca already holds an order with this client order id", err)
	case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError:
		return apperr.Wrap(apperr.KindBrokerUnavailable, "alpaca temporarily unavailable", err)
	default:
		return apperr.Wrap(apperr.KindBrokerRejected, apiErr.Message, err)
	}
}
