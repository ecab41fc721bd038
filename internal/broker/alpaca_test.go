package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAlpacaServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestAlpacaPlaceOrder(t *testing.T) {
	var (
		auth string
		body map[string]interface{}
	)
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/orders", r.URL.Path)
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"alp-1","client_order_id":"key-1","symbol":"AAPL","qty":"10","filled_qty":"0","status":"accepted","side":"buy","type":"limit","time_in_force":"day","limit_price":"150"}`))
	})

	a := NewAlpacaAdapter("access-token", srv.URL)
	limit := decimal.NewFromInt(150)
	res, err := a.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "key-1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Type:          types.OrderTypeLimit,
		Quantity:      decimal.NewFromInt(10),
		LimitPrice:    &limit,
		TimeInForce:   types.TimeInForceDay,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer access-token", auth)
	assert.Equal(t, "key-1", body["client_order_id"])
	assert.Equal(t, "AAPL", body["symbol"])
	assert.Equal(t, "alp-1", res.BrokerOrderID)
	assert.Equal(t, types.StatusSubmitted, res.Status)
}

func TestAlpacaRejection(t *testing.T) {
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
	})

	a := NewAlpacaAdapter("access-token", srv.URL)
	_, err := a.PlaceOrder(context.Background(), OrderRequest{
		Symbol:      "AAPL",
		Side:        types.SideBuy,
		Type:        types.OrderTypeMarket,
		Quantity:    decimal.NewFromInt(1),
		TimeInForce: types.TimeInForceDay,
	})
	assert.True(t, apperr.Is(err, apperr.KindBrokerRejected))
}

func TestAlpacaUnauthorizedRequiresReconnect(t *testing.T) {
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":40110000,"message":"access key verification failed"}`))
	})

	a := NewAlpacaAdapter("stale", srv.URL)
	_, err := a.GetOrderStatus(context.Background(), "alp-1")
	assert.True(t, apperr.Is(err, apperr.KindReconnectRequired))
}

func TestAlpacaOrderStatusAndPositions(t *testing.T) {
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/orders/alp-1":
			w.Write([]byte(`{"id":"alp-1","symbol":"AAPL","qty":"10","filled_qty":"10","filled_avg_price":"149.5","status":"filled","side":"buy","type":"market","time_in_force":"day"}`))
		case "/v2/positions":
			w.Write([]byte(`[{"symbol":"AAPL","qty":"10","avg_entry_price":"149.5","market_value":"1500","side":"long"}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	a := NewAlpacaAdapter("access-token", srv.URL)

	res, err := a.GetOrderStatus(context.Background(), "alp-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, res.Status)
	assert.True(t, res.FilledQuantity.Equal(decimal.NewFromInt(10)))
	require.NotNil(t, res.FilledPrice)
	assert.Equal(t, "149.5", res.FilledPrice.String())

	positions, err := a.GetPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.True(t, positions[0].MarketValue.Equal(decimal.NewFromInt(1500)))
}

func TestAlpacaStatusMapping(t *testing.T) {
	assert.Equal(t, types.StatusSubmitted, alpacaStatus("partially_filled"))
	assert.Equal(t, types.StatusFilled, alpacaStatus("filled"))
	assert.Equal(t, types.StatusCancelled, alpacaStatus("expired"))
	assert.Equal(t, types.StatusRejected, alpacaStatus("rejected"))
}

func TestAlpacaDuplicateClientOrderID(t *testing.T) {
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":40010001,"message":"client_order_id must be unique"}`))
	})

	a := NewAlpacaAdapter("access-token", srv.URL)
	_, err := a.PlaceOrder(context.Background(), OrderRequest{
		ClientOrderID: "order-1",
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
		TimeInForce:   types.TimeInForceDay,
	})
	assert.True(t, apperr.Is(err, apperr.KindDuplicateOrder))
	assert.False(t, apperr.Is(err, apperr.KindBrokerRejected))
}

func TestAlpacaFindOrder(t *testing.T) {
	srv := newAlpacaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/orders:by_client_order_id", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("client_order_id") != "order-1" {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
			return
		}
		w.Write([]byte(`{"id":"alp-1","client_order_id":"order-1","symbol":"AAPL","qty":"3","filled_qty":"3","filled_avg_price":"101.5","status":"filled","side":"buy","type":"market","time_in_force":"day"}`))
	})

	a := NewAlpacaAdapter("access-token", srv.URL)
	res, err := a.FindOrder(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, "alp-1", res.BrokerOrderID)
	assert.Equal(t, types.StatusFilled, res.Status)
	assert.True(t, decimal.NewFromInt(3).Equal(res.FilledQuantity))

	_, err = a.FindOrder(context.Background(), "order-2")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
