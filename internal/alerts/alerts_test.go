package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-broker/internal/database/dbtest"
	"github.com/ksred/klear-broker/pkg/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseAndList(t *testing.T) {
	ctx := context.Background()
	s := NewService(dbtest.New(t, Migrate))

	require.NoError(t, s.Raise(ctx, "user-1", KindOrderRejected, "ord-1", "InsufficientFunds"))
	require.NoError(t, s.Raise(ctx, "user-1", KindOrderFilled, "ord-2", "AAPL buy filled"))
	require.NoError(t, s.Raise(ctx, "user-2", KindReconnectRequired, "", "reconnect alpaca"))

	list, err := s.ListForUser(ctx, "user-1", false, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ord-2", list[0].OrderID)
	assert.Equal(t, KindOrderRejected, list[1].Kind)

	require.NoError(t, s.MarkRead(ctx, "user-1", list[0].AlertID))
	unread, err := s.ListForUser(ctx, "user-1", true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "ord-1", unread[0].OrderID)

	err = s.MarkRead(ctx, "user-2", list[1].AlertID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestListHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewService(dbtest.New(t, Migrate))
	require.NoError(t, s.Raise(context.Background(), "user-1", KindJobDeadLettered, "ord-9", "execute_order failed"))

	r := gin.New()
	r.GET("/alerts", func(c *gin.Context) { c.Set("clientID", "user-1") }, NewGinHandlers(s).ListHandler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []Alert `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 1)
	assert.Equal(t, KindJobDeadLettered, body.Data[0].Kind)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts?limit=0", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
