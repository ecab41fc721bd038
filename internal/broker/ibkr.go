package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ksred/klear-broker/internal/session"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// maxReplies bounds how many order warnings are confirmed before giving up.
const maxReplies = 3

// IBKRAdapter places orders through the Client Portal gateway of an
// authenticated session.
type IBKRAdapter struct {
	sessions  *session.Manager
	sessionID string
}

var _ Adapter = (*IBKRAdapter)(nil)

func NewIBKRAdapter(sessions *session.Manager, sessionID string) *IBKRAdapter {
	return &IBKRAdapter{sessions: sessions, sessionID: sessionID}
}

func (a *IBKRAdapter) Name() string { return "ibkr" }

// flexID decodes an identifier the gateway sends as a string or a number.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	*f = flexID(strings.Trim(string(data), `"`))
	if *f == "null" {
		*f = ""
	}
	return nil
}

type ibkrOrder struct {
	Conid     int64    `json:"conid"`
	OrderType string   `json:"orderType"`
	Side      string   `json:"side"`
	Quantity  float64  `json:"quantity"`
	Price     *float64 `json:"price,omitempty"`
	TIF       string   `json:"tif"`
	COID      string   `json:"cOID,omitempty"`
}

// ibkrReply is either an accepted order or a warning that must be confirmed.
type ibkrReply struct {
	OrderID     flexID   `json:"order_id"`
	OrderStatus string   `json:"order_status"`
	ReplyID     string   `json:"id"`
	Message     []string `json:"message"`
	Error       string   `json:"error"`
}

func (a *IBKRAdapter) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	account, err := a.sessions.ResolveAccount(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}
	conid, err := a.sessions.ResolveContract(ctx, a.sessionID, req.Symbol)
	if err != nil {
		return nil, err
	}

	order := ibkrOrder{
		Conid:     conid,
		OrderType: "MKT",
		Side:      strings.ToUpper(req.Side),
		Quantity:  req.Quantity.InexactFloat64(),
		TIF:       strings.ToUpper(req.TimeInForce),
		COID:      req.ClientOrderID,
	}
	if req.Type == types.OrderTypeLimit {
		order.OrderType = "LMT"
		if req.LimitPrice != nil {
			price := req.LimitPrice.InexactFloat64()
			order.Price = &price
		}
	}

	var replies []ibkrReply
	path := fmt.Sprintf("/iserver/account/%s/orders", account)
	if err := a.sessions.Do(ctx, http.MethodPost, path, map[string]interface{}{"orders": []ibkrOrder{order}}, &replies); err != nil {
		return nil, err
	}

	for i := 0; ; i++ {
		if len(replies) == 0 {
			return nil, apperr.New(apperr.KindBrokerUnavailable, "broker gateway returned an empty order reply")
		}
		r := replies[0]
		if r.Error != "" {
			if strings.Contains(strings.ToLower(r.Error), "duplicate") {
				return nil, apperr.New(apperr.KindDuplicateOrder, r.Error)
			}
			return nil, apperr.New(apperr.KindBrokerRejected, r.Error)
		}
		if r.OrderID != "" {
			log.Debug().
				Str("broker", "ibkr").
				Str("account", account).
				Str("broker_order_id", string(r.OrderID)).
				Str("status", r.OrderStatus).
				Msg("order accepted by broker")
			return &OrderResult{BrokerOrderID: string(r.OrderID), Status: ibkrStatus(r.OrderStatus)}, nil
		}
		if r.ReplyID == "" || i >= maxReplies {
			return nil, apperr.New(apperr.KindBrokerRejected, strings.Join(r.Message, "; "))
		}

		log.Debug().Str("broker", "ibkr").Strs("message", r.Message).Msg("confirming order warning")
		replies = nil
		if err := a.sessions.Do(ctx, http.MethodPost, "/iserver/reply/"+r.ReplyID, map[string]bool{"confirmed": true}, &replies); err != nil {
			return nil, err
		}
	}
}

type ibkrStatusResponse struct {
	OrderID      flexID          `json:"order_id"`
	OrderStatus  string          `json:"order_status"`
	CumFill      decimal.Decimal `json:"cum_fill"`
	AveragePrice decimal.Decimal `json:"average_price"`
}

func (a *IBKRAdapter) GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderResult, error) {
	var resp ibkrStatusResponse
	if err := a.sessions.Do(ctx, http.MethodGet, "/iserver/account/order/status/"+brokerOrderID, nil, &resp); err != nil {
		return nil, err
	}

	result := &OrderResult{
		BrokerOrderID:  brokerOrderID,
		Status:         ibkrStatus(resp.OrderStatus),
		FilledQuantity: resp.CumFill,
	}
	if resp.AveragePrice.IsPositive() {
		price := resp.AveragePrice
		result.FilledPrice = &price
	}
	return result, nil
}

type ibkrLiveOrders struct {
	Orders []struct {
		OrderID        flexID          `json:"orderId"`
		OrderRef       string          `json:"order_ref"`
		Status         string          `json:"status"`
		FilledQuantity decimal.Decimal `json:"filledQuantity"`
		AvgPrice       decimal.Decimal `json:"avgPrice"`
	} `json:"orders"`
}

// FindOrder scans the session's live orders for the cOID the order was
// placed with.
func (a *IBKRAdapter) FindOrder(ctx context.Context, clientOrderID string) (*OrderResult, error) {
	var resp ibkrLiveOrders
	if err := a.sessions.Do(ctx, http.MethodGet, "/iserver/account/orders", nil, &resp); err != nil {
		return nil, err
	}
	for _, o := range resp.Orders {
		if o.OrderRef != clientOrderID {
			continue
		}
		result := &OrderResult{
			BrokerOrderID:  string(o.OrderID),
			Status:         ibkrStatus(o.Status),
			FilledQuantity: o.FilledQuantity,
		}
		if o.AvgPrice.IsPositive() {
			price := o.AvgPrice
			result.FilledPrice = &price
		}
		return result, nil
	}
	return nil, apperr.Newf(apperr.KindNotFound, "no ibkr order with cOID %s", clientOrderID)
}

type ibkrPosition struct {
	Ticker       string          `json:"ticker"`
	ContractDesc string          `json:"contractDesc"`
	Position     decimal.Decimal `json:"position"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	MktValue     decimal.Decimal `json:"mktValue"`
}

func (a *IBKRAdapter) GetPositions(ctx context.Context) ([]Position, error) {
	account, err := a.sessions.ResolveAccount(ctx, a.sessionID)
	if err != nil {
		return nil, err
	}

	var rows []ibkrPosition
	if err := a.sessions.Do(ctx, http.MethodGet, fmt.Sprintf("/portfolio/%s/positions/0", account), nil, &rows); err != nil {
		return nil, err
	}

	out := make([]Position, 0, len(rows))
	for _, r := range rows {
		symbol := r.Ticker
		if symbol == "" {
			symbol = r.ContractDesc
		}
		out = append(out, Position{
			Symbol:      symbol,
			Quantity:    r.Position,
			AvgPrice:    r.AvgPrice,
			MarketValue: r.MktValue,
		})
	}
	return out, nil
}

func (a *IBKRAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	account, err := a.sessions.ResolveAccount(ctx, a.sessionID)
	if err != nil {
		return err
	}
	return a.sessions.Do(ctx, http.MethodDelete, fmt.Sprintf("/iserver/account/%s/order/%s", account, brokerOrderID), nil, nil)
}

func ibkrStatus(status string) types.OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return types.StatusFilled
	case "cancelled", "apicancelled":
		return types.StatusCancelled
	case "inactive", "rejected":
		return types.StatusRejected
	default:
		return types.StatusSubmitted
	}
}
