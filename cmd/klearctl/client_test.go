package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteStatsCalculate(t *testing.T) {
	rs := &routeStats{name: "submit"}
	for i := 100; i >= 1; i-- {
		rs.add(time.Duration(i)*time.Millisecond, i%10 == 0)
	}

	min, max, mean, median, p95, p99 := rs.calculate()
	assert.Equal(t, time.Millisecond, min)
	assert.Equal(t, 100*time.Millisecond, max)
	assert.Equal(t, 50500*time.Microsecond, mean)
	assert.Equal(t, 51*time.Millisecond, median)
	assert.Equal(t, 95*time.Millisecond, p95)
	assert.Equal(t, 99*time.Millisecond, p99)
	assert.Equal(t, 10, rs.failures)

	empty := &routeStats{}
	min, _, _, _, _, _ = empty.calculate()
	assert.Zero(t, min)
}

func TestClientDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/auth/token":
			w.Write([]byte(`{"success":true,"data":{"jwt_token":"tok-1"}}`))
		case "/api/v1/orders":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			assert.Equal(t, "key-1", r.Header.Get("Idempotency-Key"))
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"success":true,"data":{"order":{"order_id":"o-1","status":"filled"},"cached":false}}`))
		default:
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"success":false,"error":{"code":"RATE_LIMIT_EXCEEDED","message":"slow down"}}`))
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c := newClient(srv.URL+"/", "")
	require.NoError(t, c.authenticate(ctx, "key", "secret"))
	assert.Equal(t, "tok-1", c.token)

	var res submitResult
	status, err := c.do(ctx, "submit", http.MethodPost, "/api/v1/orders", map[string]string{"Idempotency-Key": "key-1"}, map[string]string{"symbol": "AAPL"}, &res)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "o-1", res.Order.OrderID)

	status, err = c.do(ctx, "get", http.MethodGet, "/api/v1/orders/o-1", nil, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, status)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", apiErr.Code)

	assert.Len(t, c.stats, 3)
	assert.Equal(t, 1, c.stats["get"].failures)
}
