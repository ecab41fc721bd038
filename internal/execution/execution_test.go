package execution

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/alerts"
	"github.com/ksred/klear-broker/internal/broker"
	"github.com/ksred/klear-broker/internal/config"
	"github.com/ksred/klear-broker/internal/connections"
	"github.com/ksred/klear-broker/internal/credentials"
	"github.com/ksred/klear-broker/internal/database/dbtest"
	"github.com/ksred/klear-broker/internal/jobs"
	"github.com/ksred/klear-broker/internal/oauth"
	"github.com/ksred/klear-broker/internal/positions"
	"github.com/ksred/klear-broker/internal/trading"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler   *Handler
	orders    *trading.Service
	db        *trading.Database
	factory   *broker.Factory
	conns     *connections.Database
	positions *positions.Database
	alerts    *alerts.Service
	store     *credentials.MemoryStore
	queue     *jobs.MemoryQueue
	conn      *types.BrokerConnection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb := dbtest.New(t, trading.Migrate, connections.Migrate, positions.Migrate, alerts.Migrate)
	store := credentials.NewMemoryStore()

	factory, err := broker.NewFactory(map[string]config.BrokerConfig{
		"paper": {
			Adapter: config.AdapterPaper,
			Paper: &config.PaperConfig{
				StartingCash: 1000,
				Prices:       map[string]float64{"AAPL": 100, "MSFT": 50},
			},
		},
	}, store, oauth.NewStateSigner("state-secret", time.Minute))
	require.NoError(t, err)

	f := &fixture{
		db:        trading.NewDatabase(gdb),
		factory:   factory,
		conns:     connections.NewDatabase(gdb),
		positions: positions.NewDatabase(gdb),
		alerts:    alerts.NewService(gdb),
		store:     store,
		queue:     jobs.NewMemoryQueue(64),
	}
	f.orders = trading.NewService(f.db, factory, f.conns, f.queue, f.alerts, config.OrdersConfig{
		SubmissionMode: config.ModeAsync,
	})
	f.handler = NewHandler(f.orders, f.db, factory, f.conns, f.positions, f.alerts)

	now := time.Now().UTC()
	f.conn, err = f.conns.Upsert(context.Background(), &types.BrokerConnection{
		ConnectionID: uuid.New().String(),
		UserID:       "user-1",
		Broker:       "paper",
		Strategy:     string(broker.StrategyLocal),
		Status:       types.ConnectionActive,
		ConnectedAt:  &now,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) submit(t *testing.T, key, side string, qty int64) *types.Order {
	t.Helper()
	res, err := f.orders.Submit(context.Background(), "user-1", key, trading.OrderRequest{
		Broker:    "paper",
		Symbol:    "AAPL",
		Side:      side,
		OrderType: "market",
		Quantity:  decimal.NewFromInt(qty),
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	return res.Order
}

func (f *fixture) nextJob(t *testing.T) jobs.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func newJob(t *testing.T, typ jobs.Type, payload interface{}) jobs.Job {
	t.Helper()
	job, err := jobs.New(typ, payload)
	require.NoError(t, err)
	return job
}

func TestExecuteOrderJobFillsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.submit(t, "key-1", "buy", 5)
	assert.Equal(t, types.StatusPending, order.Status)

	job := f.nextJob(t)
	assert.Equal(t, jobs.TypeExecuteOrder, job.Type)
	require.NoError(t, f.handler.Handle(ctx, job))

	stored, err := f.db.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	assert.NotEmpty(t, stored.BrokerOrderID)

	// Redelivery is a no-op.
	require.NoError(t, f.handler.Handle(ctx, job))
	again, err := f.db.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, stored.BrokerOrderID, again.BrokerOrderID)
}

func TestExecuteOrderJobRejectsBrokerRejection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.submit(t, "key-1", "buy", 50)
	require.NoError(t, f.handler.Handle(ctx, f.nextJob(t)))

	stored, err := f.db.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, stored.Status)
	assert.NotEmpty(t, stored.ErrorMessage)

	list, err := f.alerts.ListForUser(ctx, "user-1", true, 10)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, alerts.KindOrderRejected, list[0].Kind)
}

func TestOnDeadLetterRejectsOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.submit(t, "key-1", "buy", 1)
	job := f.nextJob(t)
	job.RetryCount = 3

	f.handler.OnDeadLetter(ctx, job, apperr.New(apperr.KindBrokerUnavailable, "broker unreachable"))

	stored, err := f.db.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, stored.Status)
	assert.Equal(t, "broker unreachable", stored.ErrorMessage)

	list, err := f.alerts.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	kinds := make([]alerts.Kind, 0, len(list))
	for _, a := range list {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, alerts.KindJobDeadLettered)
	assert.Contains(t, kinds, alerts.KindOrderRejected)
}

func TestSyncPositionsReplacesSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.submit(t, "key-1", "buy", 5)
	require.NoError(t, f.handler.Handle(ctx, f.nextJob(t)))

	// A holding the broker no longer reports.
	require.NoError(t, f.positions.Upsert(ctx, &types.Position{
		UserID:       "user-1",
		ConnectionID: f.conn.ConnectionID,
		Broker:       "paper",
		Symbol:       "MSFT",
		Quantity:     decimal.NewFromInt(3),
		SyncedAt:     time.Now().Add(-time.Hour).UTC(),
	}))

	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeSyncPositions, jobs.SyncPositionsPayload{})))

	held, err := f.positions.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "AAPL", held[0].Symbol)
	assert.True(t, decimal.NewFromInt(5).Equal(held[0].Quantity))

	// Syncing again leaves the snapshot unchanged.
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeSyncPositions, jobs.SyncPositionsPayload{UserID: "user-1", Broker: "paper"})))
	held, err = f.positions.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, held, 1)
}

func TestSyncPositionsForUserWithoutConnection(t *testing.T) {
	f := newFixture(t)
	err := f.handler.Handle(context.Background(), newJob(t, jobs.TypeSyncPositions, jobs.SyncPositionsPayload{UserID: "user-2", Broker: "paper"}))
	assert.True(t, apperr.Is(err, apperr.KindNoActiveConnection))
}

// submitted stores an order the broker has acknowledged but the service has
// not yet seen filled.
func (f *fixture) submitted(t *testing.T) *types.Order {
	t.Helper()
	ctx := context.Background()

	adapter, err := f.factory.Adapter(ctx, "paper", "user-1")
	require.NoError(t, err)
	orderID := uuid.New().String()
	result, err := adapter.PlaceOrder(ctx, broker.OrderRequest{
		ClientOrderID: orderID,
		Symbol:        "AAPL",
		Side:          types.SideBuy,
		Type:          types.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	order := &types.Order{
		OrderID:        orderID,
		UserID:         "user-1",
		IdempotencyKey: "key-" + orderID,
		Broker:         "paper",
		Symbol:         "AAPL",
		Side:           types.SideBuy,
		OrderType:      types.OrderTypeMarket,
		Quantity:       decimal.NewFromInt(2),
		TimeInForce:    types.TimeInForceDay,
		Status:         types.StatusPending,
	}
	require.NoError(t, f.db.CreateOrder(ctx, order))
	order, _, err = f.db.UpdateStatus(ctx, orderID, types.StatusSubmitted, func(o *types.Order) {
		o.BrokerOrderID = result.BrokerOrderID
	})
	require.NoError(t, err)
	return order
}

func TestMonitorOrdersAppliesBrokerStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	order := f.submitted(t)

	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeMonitorOrders, jobs.MonitorOrdersPayload{})))

	stored, err := f.db.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	assert.True(t, decimal.NewFromInt(2).Equal(stored.FilledQuantity))

	open, err := f.db.ListOpenOrders(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestCallbackOrderEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	filled := f.submitted(t)
	qty := decimal.NewFromInt(2)
	price := decimal.NewFromInt(101)
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:         "paper",
		Event:          jobs.EventOrderFilled,
		BrokerOrderID:  filled.BrokerOrderID,
		FilledQuantity: &qty,
		FilledPrice:    &price,
	})))
	stored, err := f.db.GetOrder(ctx, filled.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)
	require.True(t, stored.FilledPrice.Valid)
	assert.True(t, price.Equal(stored.FilledPrice.Decimal))

	// A late rejection cannot move a filled order.
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:        "paper",
		Event:         jobs.EventOrderRejected,
		BrokerOrderID: filled.BrokerOrderID,
		Reason:        "too late",
	})))
	stored, err = f.db.GetOrder(ctx, filled.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, stored.Status)

	rejected := f.submitted(t)
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:        "paper",
		Event:         jobs.EventOrderRejected,
		BrokerOrderID: rejected.BrokerOrderID,
		Reason:        "halted",
	})))
	stored, err = f.db.GetOrder(ctx, rejected.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRejected, stored.Status)
	assert.Equal(t, "halted", stored.ErrorMessage)

	err = f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:        "paper",
		Event:         jobs.EventOrderCancelled,
		BrokerOrderID: "unknown",
	}))
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCallbackPositionUpdated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	qty := decimal.NewFromInt(4)
	avg := decimal.NewFromInt(50)
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:   "paper",
		Event:    jobs.EventPositionUpdated,
		UserID:   "user-1",
		Symbol:   "MSFT",
		Quantity: &qty,
		AvgPrice: &avg,
	})))
	held, err := f.positions.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.True(t, avg.Equal(held[0].AvgPrice))

	zero := decimal.Zero
	require.NoError(t, f.handler.Handle(ctx, newJob(t, jobs.TypeHandleCallback, jobs.CallbackPayload{
		Broker:   "paper",
		Event:    jobs.EventPositionUpdated,
		UserID:   "user-1",
		Symbol:   "MSFT",
		Quantity: &zero,
	})))
	held, err = f.positions.ListForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestUnknownJobIsNotRetryable(t *testing.T) {
	f := newFixture(t)
	err := f.handler.Handle(context.Background(), jobs.Job{ID: "job-1", Type: "reticulate"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.False(t, apperr.Retryable(err))
}

func TestSchedulerSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	order := f.submit(t, "key-1", "buy", 1)
	f.nextJob(t) // lost before a worker ran it

	require.NoError(t, f.store.SaveVerifier(ctx, "user-1", "alpaca", "verifier", time.Now().Add(-time.Minute)))

	s := NewScheduler(f.queue, f.db, f.store, config.JobsConfig{StalePendingAfter: time.Minute})
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	require.NoError(t, s.Sweep(ctx))

	_, ok := f.store.VerifierExpiry("user-1", "alpaca")
	assert.False(t, ok)

	job := f.nextJob(t)
	assert.Equal(t, jobs.TypeExecuteOrder, job.Type)
	var p jobs.ExecuteOrderPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, order.OrderID, p.OrderID)
	assert.Equal(t, 0, f.queue.Len())

	// The re-enqueued job has not had its chance to run yet.
	require.NoError(t, s.Sweep(ctx))
	assert.Equal(t, 0, f.queue.Len())
}

func TestSchedulerEnqueuesPeriodicJobs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := NewScheduler(f.queue, f.db, nil, config.JobsConfig{})

	require.NoError(t, s.EnqueueMonitor(ctx))
	require.NoError(t, s.EnqueueSync(ctx))
	assert.Equal(t, jobs.TypeMonitorOrders, f.nextJob(t).Type)
	assert.Equal(t, jobs.TypeSyncPositions, f.nextJob(t).Type)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		s.Start(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
