// Package exchange is an in-process simulated exchange backing the paper
// broker. Market orders fill at the reference price, limit orders at their
// limit price, and every fill is charged commission against the user's cash.
package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Rejection reasons reported to the caller as broker rejections.
const (
	ReasonInsufficientFunds    = "InsufficientFunds"
	ReasonInsufficientPosition = "InsufficientPosition"
)

// Order is a paper order instruction.
type Order struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Quantity      decimal.Decimal
	LimitPrice    *decimal.Decimal
}

// Fill is the result of executing a paper order.
type Fill struct {
	FillID        string
	ClientOrderID string
	Symbol        string
	Side          string
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	FeeRate       decimal.Decimal
	FeeAmount     decimal.Decimal
	CreatedAt     time.Time
}

// Holding is a position in the paper book.
type Holding struct {
	Symbol      string
	Quantity    decimal.Decimal
	AvgPrice    decimal.Decimal
	MarketValue decimal.Decimal
}

type account struct {
	cash     decimal.Decimal
	holdings map[string]*Holding
	fills    map[string]*Fill // by fill id
	byClient map[string]*Fill // by client order id
}

// Exchange holds one paper account per user.
type Exchange struct {
	mu           sync.Mutex
	startingCash decimal.Decimal
	feeRate      decimal.Decimal
	prices       map[string]decimal.Decimal
	accounts     map[string]*account
	now          func() time.Time
}

// New builds an exchange from the paper broker configuration.
func New(cfg config.PaperConfig) *Exchange {
	prices := make(map[string]decimal.Decimal, len(cfg.Prices))
	for symbol, p := range cfg.Prices {
		prices[strings.ToUpper(symbol)] = decimal.NewFromFloat(p)
	}
	return &Exchange{
		startingCash: decimal.NewFromFloat(cfg.StartingCash),
		feeRate:      decimal.NewFromFloat(cfg.Commission),
		prices:       prices,
		accounts:     make(map[string]*account),
		now:          time.Now,
	}
}

func (e *Exchange) account(userID string) *account {
	acct, ok := e.accounts[userID]
	if !ok {
		acct = &account{
			cash:     e.startingCash,
			holdings: make(map[string]*Holding),
			fills:    make(map[string]*Fill),
			byClient: make(map[string]*Fill),
		}
		e.accounts[userID] = acct
	}
	return acct
}

// SetPrice updates the reference price of a symbol.
func (e *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[strings.ToUpper(symbol)] = price
}

// Cash returns the user's available cash.
func (e *Exchange) Cash(userID string) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account(userID).cash
}

// Execute fills an order immediately. Replaying a client order id returns
// the original fill without touching the book again.
func (e *Exchange) Execute(userID string, order Order) (*Fill, error) {
	symbol := strings.ToUpper(order.Symbol)
	logger := log.With().
		Str("component", "paper_exchange").
		Str("user_id", userID).
		Str("client_order_id", order.ClientOrderID).
		Str("symbol", symbol).
		Str("side", order.Side).
		Str("quantity", order.Quantity.String()).
		Logger()

	e.mu.Lock()
	defer e.mu.Unlock()

	acct := e.account(userID)
	if order.ClientOrderID != "" {
		if fill, ok := acct.byClient[order.ClientOrderID]; ok {
			logger.Debug().Str("fill_id", fill.FillID).Msg("replayed client order id")
			return fill, nil
		}
	}

	price, err := e.fillPrice(symbol, order)
	if err != nil {
		return nil, err
	}

	value := price.Mul(order.Quantity)
	fee := value.Mul(e.feeRate)

	switch order.Side {
	case "buy":
		cost := value.Add(fee)
		if cost.GreaterThan(acct.cash) {
			logger.Warn().
				Str("cost", cost.String()).
				Str("cash", acct.cash.String()).
				Msg("paper order rejected")
			return nil, apperr.New(apperr.KindBrokerRejected, ReasonInsufficientFunds)
		}
		acct.cash = acct.cash.Sub(cost)
		h, ok := acct.holdings[symbol]
		if !ok {
			h = &Holding{Symbol: symbol}
			acct.holdings[symbol] = h
		}
		total := h.AvgPrice.Mul(h.Quantity).Add(value)
		h.Quantity = h.Quantity.Add(order.Quantity)
		h.AvgPrice = total.Div(h.Quantity)
	case "sell":
		h, ok := acct.holdings[symbol]
		if !ok || h.Quantity.LessThan(order.Quantity) {
			logger.Warn().Msg("paper order rejected")
			return nil, apperr.New(apperr.KindBrokerRejected, ReasonInsufficientPosition)
		}
		acct.cash = acct.cash.Add(value.Sub(fee))
		h.Quantity = h.Quantity.Sub(order.Quantity)
		if h.Quantity.IsZero() {
			delete(acct.holdings, symbol)
		}
	default:
		return nil, apperr.Newf(apperr.KindBrokerRejected, "unsupported side %q", order.Side)
	}

	fill := &Fill{
		FillID:        fmt.Sprintf("PAPER-%s", uuid.NewString()),
		ClientOrderID: order.ClientOrderID,
		Symbol:        symbol,
		Side:          order.Side,
		Price:         price,
		Quantity:      order.Quantity,
		FeeRate:       e.feeRate,
		FeeAmount:     fee,
		CreatedAt:     e.now(),
	}
	acct.fills[fill.FillID] = fill
	if order.ClientOrderID != "" {
		acct.byClient[order.ClientOrderID] = fill
	}

	logger.Info().
		Str("fill_id", fill.FillID).
		Str("executed_price", price.String()).
		Str("fee_amount", fee.String()).
		Str("cash", acct.cash.String()).
		Msg("paper order filled")

	return fill, nil
}

func (e *Exchange) fillPrice(symbol string, order Order) (decimal.Decimal, error) {
	if order.Type == "limit" {
		if order.LimitPrice == nil || !order.LimitPrice.IsPositive() {
			return decimal.Zero, apperr.New(apperr.KindBrokerRejected, "limit order requires a positive limit price")
		}
		return *order.LimitPrice, nil
	}
	price, ok := e.prices[symbol]
	if !ok {
		return decimal.Zero, apperr.Newf(apperr.KindSymbolNotFound, "symbol not found: %s", symbol)
	}
	return price, nil
}

// Fill returns a previously executed fill.
func (e *Exchange) Fill(userID, fillID string) (*Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fill, ok := e.account(userID).fills[fillID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "paper order %s not found", fillID)
	}
	return fill, nil
}

// FillByClientOrderID returns the fill of a client order id.
func (e *Exchange) FillByClientOrderID(userID, clientOrderID string) (*Fill, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fill, ok := e.account(userID).byClient[clientOrderID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "paper order with client id %s not found", clientOrderID)
	}
	return fill, nil
}

// Holdings returns the user's positions valued at the reference price.
func (e *Exchange) Holdings(userID string) []Holding {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct := e.account(userID)
	out := make([]Holding, 0, len(acct.holdings))
	for symbol, h := range acct.holdings {
		price, ok := e.prices[symbol]
		if !ok {
			price = h.AvgPrice
		}
		out = append(out, Holding{
			Symbol:      symbol,
			Quantity:    h.Quantity,
			AvgPrice:    h.AvgPrice,
			MarketValue: price.Mul(h.Quantity),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
