package broker

import (
	"context"

	"github.com/ksred/klear-broker/internal/exchange"
	"github.com/ksred/klear-broker/internal/types"
)

// PaperAdapter routes a user's orders to the simulated exchange.
type PaperAdapter struct {
	exchange *exchange.Exchange
	userID   string
}

var _ Adapter = (*PaperAdapter)(nil)

func NewPaperAdapter(ex *exchange.Exchange, userID string) *PaperAdapter {
	return &PaperAdapter{exchange: ex, userID: userID}
}

func (p *PaperAdapter) Name() string { return "paper" }

func (p *PaperAdapter) PlaceOrder(_ context.Context, req OrderRequest) (*OrderResult, error) {
	fill, err := p.exchange.Execute(p.userID, exchange.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
	})
	if err != nil {
		return nil, err
	}
	return paperResult(fill), nil
}

func (p *PaperAdapter) GetPositions(_ context.Context) ([]Position, error) {
	holdings := p.exchange.Holdings(p.userID)
	out := make([]Position, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, Position{
			Symbol:      h.Symbol,
			Quantity:    h.Quantity,
			AvgPrice:    h.AvgPrice,
			MarketValue: h.MarketValue,
		})
	}
	return out, nil
}

func (p *PaperAdapter) GetOrderStatus(_ context.Context, brokerOrderID string) (*OrderResult, error) {
	fill, err := p.exchange.Fill(p.userID, brokerOrderID)
	if err != nil {
		return nil, err
	}
	return paperResult(fill), nil
}

func (p *PaperAdapter) FindOrder(_ context.Context, clientOrderID string) (*OrderResult, error) {
	fill, err := p.exchange.FillByClientOrderID(p.userID, clientOrderID)
	if err != nil {
		return nil, err
	}
	return paperResult(fill), nil
}

// CancelOrder always fails for known orders since paper orders fill on receipt.
func (p *PaperAdapter) CancelOrder(_ context.Context, brokerOrderID string) error {
	if _, err := p.exchange.Fill(p.userID, brokerOrderID); err != nil {
		return err
	}
	return errAlreadyFilled
}

func paperResult(fill *exchange.Fill) *OrderResult {
	price := fill.Price
	return &OrderResult{
		BrokerOrderID:  fill.FillID,
		Status:         types.StatusFilled,
		FilledQuantity: fill.Quantity,
		FilledPrice:    &price,
	}
}
