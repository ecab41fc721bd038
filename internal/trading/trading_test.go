package trading

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/database/dbtest"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/oauth"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/ksred/klear-broker/pkg/response"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc     *Service
	db      *Database
	factory *broker.Factory
	conns   *connections.Database
	alerts  *alerts.Service
	queue   *jobs.MemoryQueue
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	db := dbtest.New(t, Migrate, connections.Migrate, alerts.Migrate)

	factory, err := broker.NewFactory(map[string]config.BrokerConfig{
		"paper": {
			Adapter: config.AdapterPaper,
			Paper: &config.PaperConfig{
				StartingCash: 10000,
				Commission:   0.001,
				Prices:       map[string]float64{"AAPL": 100},
			},
		},
		"alpaca": {
			Adapter:      config.AdapterAlpaca,
			ClientID:     "id",
			ClientSecret: "secret",
			AuthURL:      "https://alpaca.example/oauth/authorize",
			TokenURL:     "https://alpaca.example/oauth/token",
		},
		"tradier": {
			ClientID:     "id",
			ClientSecret: "secret",
			AuthURL:      "https://tradier.example/oauth/authorize",
			TokenURL:     "https://tradier.example/oauth/token",
		},
	}, credentials.NewMemoryStore(), oauth.NewStateSigner("state-secret", time.Minute))
	require.NoError(t, err)

	f := &fixture{
		db:      NewDatabase(db),
		factory: factory,
		conns:   connections.NewDatabase(db),
		alerts:  alerts.NewService(db),
		queue:   jobs.NewMemoryQueue(64),
	}
	f.svc = NewService(f.db, factory, f.conns, f.queue, f.alerts, config.OrdersConfig{
		SubmissionMode: mode,
		MaxQuantity:    1000,
	})

	f.connect(t, "user-1", "paper")
	return f
}

func (f *fixture) connect(t *testing.T, userID, brokerID string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := f.conns.Upsert(context.Background(), &types.BrokerConnection{
		ConnectionID: uuid.New().String(),
		UserID:       userID,
		Broker:       brokerID,
		Status:       types.ConnectionActive,
		ConnectedAt:  &now,
	})
	require.NoError(t, err)
}

func marketBuy(qty int64) OrderRequest {
	return OrderRequest{
		Broker:    "paper",
		Symbol:    "AAPL",
		Side:      "buy",
		OrderType: "market",
		Quantity:  decimal.NewFromInt(qty),
	}
}

func TestSubmitSyncFillsPaperOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeSync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(5))
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.False(t, res.Accepted)

	order := res.Order
	assert.Equal(t, types.StatusFilled, order.Status)
	assert.True(t, strings.HasPrefix(order.BrokerOrderID, "PAPER-"))
	assert.True(t, decimal.NewFromInt(5).Equal(order.FilledQuantity))
	require.True(t, order.FilledPrice.Valid)
	assert.True(t, decimal.NewFromInt(100).Equal(order.FilledPrice.Decimal))
	assert.Equal(t, types.TimeInForceDay, order.TimeInForce)
	assert.NotNil(t, order.SubmittedAt)

	list, err := f.alerts.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alerts.KindOrderFilled, list[0].Kind)
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeSync)

	first, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(5))
	require.NoError(t, err)

	second, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(7))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Order.OrderID, second.Order.OrderID)
	assert.True(t, decimal.NewFromInt(5).Equal(second.Order.Quantity))

	adapter, err := f.factory.Adapter(ctx, "paper", "user-1")
	require.NoError(t, err)
	positions, err := adapter.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, decimal.NewFromInt(5).Equal(positions[0].Quantity))

	// Idempotency is scoped per user.
	f.connect(t, "user-2", "paper")
	other, err := f.svc.Submit(ctx, "user-2", "key-1", marketBuy(1))
	require.NoError(t, err)
	assert.False(t, other.Cached)
	assert.NotEqual(t, first.Order.OrderID, other.Order.OrderID)
}

func TestConcurrentDuplicateSubmissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]int)
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Submit(ctx, "user-1", "same-key", marketBuy(1))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[res.Order.OrderID]++
			if !res.Cached {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.queue.Len())
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t, config.ModeSync)
	limitPrice := decimal.NewFromInt(-1)

	tests := []struct {
		name  string
		mut   func(r *OrderRequest)
		field string
	}{
		{"bad symbol", func(r *OrderRequest) { r.Symbol = "1AAPL" }, "symbol"},
		{"long symbol", func(r *OrderRequest) { r.Symbol = "ABCDEFGHIJK" }, "symbol"},
		{"zero quantity", func(r *OrderRequest) { r.Quantity = decimal.Zero }, "quantity"},
		{"quantity over max", func(r *OrderRequest) { r.Quantity = decimal.NewFromInt(1001) }, "quantity"},
		{"bad side", func(r *OrderRequest) { r.Side = "hold" }, "side"},
		{"bad type", func(r *OrderRequest) { r.OrderType = "stop" }, "order_type"},
		{"bad tif", func(r *OrderRequest) { r.TimeInForce = "opg" }, "time_in_force"},
		{"limit without price", func(r *OrderRequest) { r.OrderType = "limit" }, "limit_price"},
		{"negative limit", func(r *OrderRequest) { r.OrderType = "limit"; r.LimitPrice = &limitPrice }, "limit_price"},
		{"missing broker", func(r *OrderRequest) { r.Broker = "" }, "broker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := marketBuy(1)
			tt.mut(&req)
			_, err := f.svc.Submit(context.Background(), "user-1", uuid.New().String(), req)
			require.Error(t, err)

			e, ok := apperr.As(err)
			require.True(t, ok)
			assert.Equal(t, apperr.KindValidation, e.Kind)
			var fields []string
			for _, fe := range e.Fields {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}

	_, err := f.svc.Submit(context.Background(), "user-1", "", marketBuy(1))
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSubmitRequiresActiveConnection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeSync)

	req := marketBuy(1)
	req.Broker = "alpaca"
	_, err := f.svc.Submit(ctx, "user-1", "key-1", req)
	assert.True(t, apperr.Is(err, apperr.KindNoActiveConnection))

	stored, err := f.db.GetOrderByIdempotencyKey(ctx, "user-1", "key-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSubmitUnimplementedBroker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeSync)
	f.connect(t, "user-1", "tradier")

	req := marketBuy(1)
	req.Broker = "tradier"
	_, err := f.svc.Submit(ctx, "user-1", "key-1", req)
	assert.True(t, apperr.Is(err, apperr.KindBrokerNotImplemented))

	stored, err := f.db.GetOrderByIdempotencyKey(ctx, "user-1", "key-1")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSubmitSyncRejectionIsRecorded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeSync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(500))
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, res.Order.Status)
	assert.Equal(t, "InsufficientFunds", res.Order.ErrorMessage)

	list, err := f.alerts.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alerts.KindOrderRejected, list[0].Kind)
	assert.Equal(t, res.Order.OrderID, list[0].OrderID)

	again, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(500))
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, types.StatusRejected, again.Order.Status)
}

func TestSubmitAsyncEnqueuesExecution(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, types.StatusPending, res.Order.Status)

	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeExecuteOrder, job.Type)
	var payload jobs.ExecuteOrderPayload
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, res.Order.OrderID, payload.OrderID)

	stored, err := f.db.GetOrder(ctx, payload.OrderID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastEnqueuedAt)

	executed, err := f.svc.Execute(ctx, payload.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, executed.Status)

	// A second run is a no-op.
	again, err := f.svc.Execute(ctx, payload.OrderID)
	require.NoError(t, err)
	assert.Equal(t, executed.BrokerOrderID, again.BrokerOrderID)
}

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(ctx, "user-2", res.Order.OrderID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	cancelled, err := f.svc.CancelOrder(ctx, "user-1", res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, cancelled.Status)

	_, err = f.svc.CancelOrder(ctx, "user-1", res.Order.OrderID)
	assert.True(t, apperr.Is(err, apperr.KindBrokerRejected))

	// Execution of a cancelled order does nothing.
	executed, err := f.svc.Execute(ctx, res.Order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, executed.Status)
	assert.Empty(t, executed.BrokerOrderID)
}

func TestExecuteLeavesLiveClaimToItsHolder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)
	id := res.Order.OrderID

	_, claimed, err := f.db.ClaimSubmission(ctx, id, time.Now(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	_, err = f.svc.Execute(ctx, id)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))

	stored, err := f.db.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, stored.Status)
	assert.Empty(t, stored.BrokerOrderID)

	settled, rejected, err := f.svc.Fail(ctx, id, err)
	require.NoError(t, err)
	assert.False(t, rejected)
	assert.Equal(t, types.StatusSubmitted, settled.Status)

	// Once the claim lapses another attempt places the order.
	f.svc.now = func() time.Time { return time.Now().Add(time.Minute) }
	executed, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, executed.Status)
	assert.NotEmpty(t, executed.BrokerOrderID)
}

func TestExecuteAdoptsOrderHeldByBroker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)
	id := res.Order.OrderID

	_, claimed, err := f.db.ClaimSubmission(ctx, id, time.Now(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	// The claiming attempt reached the broker but never recorded the result.
	adapter, err := f.factory.Adapter(ctx, "paper", "user-1")
	require.NoError(t, err)
	placed, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: id,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(2),
		TimeInForce:   types.TimeInForceDay,
	})
	require.NoError(t, err)

	executed, err := f.svc.Execute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, executed.Status)
	assert.Equal(t, placed.BrokerOrderID, executed.BrokerOrderID)

	positions, err := adapter.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, decimal.NewFromInt(2).Equal(positions[0].Quantity))
}

func TestFailRejectsLapsedClaimUnknownToBroker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)
	id := res.Order.OrderID

	_, _, err = f.db.ClaimSubmission(ctx, id, time.Now().Add(-10*time.Minute), time.Now().Add(-time.Hour))
	require.NoError(t, err)

	settled, rejected, err := f.svc.Fail(ctx, id, apperr.New(apperr.KindBrokerUnavailable, "gateway down"))
	require.NoError(t, err)
	assert.True(t, rejected)
	assert.Equal(t, types.StatusRejected, settled.Status)
	assert.Equal(t, "gateway down", settled.ErrorMessage)

	_, rejected, err = f.svc.Fail(ctx, id, apperr.New(apperr.KindBrokerUnavailable, "gateway down"))
	require.NoError(t, err)
	assert.False(t, rejected)

	list, err := f.alerts.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestApplyResultIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, config.ModeAsync)

	res, err := f.svc.Submit(ctx, "user-1", "key-1", marketBuy(2))
	require.NoError(t, err)
	id := res.Order.OrderID

	price := decimal.NewFromInt(101)
	order, applied, err := f.svc.ApplyResult(ctx, id, &broker.OrderResult{
		BrokerOrderID:  "B-1",
		Status:         types.StatusFilled,
		FilledQuantity: decimal.NewFromInt(2),
		FilledPrice:    &price,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, types.StatusFilled, order.Status)

	order, applied, err = f.svc.ApplyResult(ctx, id, &broker.OrderResult{BrokerOrderID: "B-1", Status: types.StatusCancelled})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, types.StatusFilled, order.Status)

	list, err := f.alerts.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, alerts.KindOrderFilled, list[0].Kind)
}

func TestSubmitOrderHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	for _, mode := range []string{config.ModeSync, config.ModeAsync} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			h := NewGinHandlers(f.svc)
			r := gin.New()
			withUser := func(c *gin.Context) { c.Set("clientID", "user-1") }
			r.POST("/orders", withUser, h.SubmitOrderHandler())
			r.GET("/orders/:order_id", withUser, h.GetOrderHandler())

			post := func(key string, body interface{}) *httptest.ResponseRecorder {
				buf, _ := json.Marshal(body)
				req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(buf))
				if key != "" {
					req.Header.Set("Idempotency-Key", key)
				}
				rec := httptest.NewRecorder()
				r.ServeHTTP(rec, req)
				return rec
			}

			assert.Equal(t, http.StatusBadRequest, post("", marketBuy(1)).Code)

			rec := post("key-1", marketBuy(1))
			want := http.StatusCreated
			if mode == config.ModeAsync {
				want = http.StatusAccepted
			}
			require.Equal(t, want, rec.Code)

			var body struct {
				Data Result `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			orderID := body.Data.Order.OrderID

			rec = post("key-1", marketBuy(1))
			assert.Equal(t, http.StatusOK, rec.Code)

			bad := marketBuy(1)
			bad.Symbol = "??"
			rec = post("key-2", bad)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			var errBody response.Response
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
			assert.Equal(t, "VALIDATION_ERROR", errBody.Error.Code)
			require.NotEmpty(t, errBody.Error.Fields)
			assert.Equal(t, "symbol", errBody.Error.Fields[0].Field)

			get := httptest.NewRecorder()
			r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/orders/"+orderID, nil))
			assert.Equal(t, http.StatusOK, get.Code)

			get = httptest.NewRecorder()
			r.ServeHTTP(get, httptest.NewRequest(http.MethodGet, "/orders/unknown", nil))
			assert.Equal(t, http.StatusNotFound, get.Code)
		})
	}
}
