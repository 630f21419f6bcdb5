package order

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/network"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, handler http.HandlerFunc) (*Service, *cache.OrderCache) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := network.NewClient(network.Config{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		MaxRetryAttempts: 1,
		BaseRetryDelay:   time.Millisecond,
	})
	orderCache := cache.NewOrderCache()
	svc := NewService(client, orderCache)
	return svc, orderCache
}

func testProduct() domain.Product {
	return domain.Product{ID: "coins", Price: decimal.NewFromFloat(0.99), PriceLocale: "USD"}
}

func TestCreateOrderSuccess(t *testing.T) {
	svc, _ := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		var req network.CreateOrderRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(network.CreateOrderResponse{
			OrderID:       req.LocalOrderID,
			ServerOrderID: "srv-1",
			Status:        "pending",
		})
	})

	ord, err := svc.CreateOrder(context.Background(), testProduct(), map[string]string{"userID": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "srv-1", *ord.ServerOrderID)
	assert.Equal(t, domain.OrderPending, ord.Status)
	assert.Equal(t, "u1", *ord.UserID)
}

func TestCreateOrderServerFailureMarksCacheFailed(t *testing.T) {
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	ord, err := svc.CreateOrder(context.Background(), testProduct(), nil)
	require.Error(t, err)
	require.NotNil(t, ord)
	assert.Equal(t, domain.OrderFailed, ord.Status)

	cached, ok := orderCache.Get(ord.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFailed, cached.Status)
}

func TestQueryOrderStatusDegradesToCache(t *testing.T) {
	var fail bool
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(network.CreateOrderResponse{ServerOrderID: "srv-1", Status: "pending"})
	})

	ord, err := svc.CreateOrder(context.Background(), testProduct(), nil)
	require.NoError(t, err)

	fail = true
	status, err := svc.QueryOrderStatus(context.Background(), ord.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, status)
	_ = orderCache
}

func TestQueryOrderStatusShortCircuitsTerminal(t *testing.T) {
	calls := 0
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	ord := &domain.Order{ID: "ord-1", ProductID: "coins", Status: domain.OrderCompleted}
	orderCache.Store(ord)

	status, err := svc.QueryOrderStatus(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, status)
	assert.Equal(t, 0, calls)
}

func TestCancelOrder(t *testing.T) {
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	orderCache.Store(&domain.Order{ID: "ord-1", ProductID: "coins", Status: domain.OrderPending})

	err := svc.CancelOrder(context.Background(), "ord-1")
	require.NoError(t, err)

	cached, _ := orderCache.Get("ord-1")
	assert.Equal(t, domain.OrderCancelled, cached.Status)
}

func TestCleanupExpiredOrders(t *testing.T) {
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	past := time.Now().Add(-time.Hour)
	orderCache.Store(&domain.Order{ID: "ord-1", ProductID: "coins", Status: domain.OrderPending, ExpiresAt: &past})

	errs := svc.CleanupExpiredOrders(context.Background())
	assert.Empty(t, errs)
	_, ok := orderCache.Get("ord-1")
	assert.False(t, ok)
}

func TestRecoverPendingOrders(t *testing.T) {
	svc, orderCache := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(network.OrderStatusResponse{Status: "completed"})
	})
	orderCache.Store(&domain.Order{ID: "ord-1", ProductID: "coins", Status: domain.OrderPending})

	reconciled, err := svc.RecoverPendingOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, reconciled, 1)
	assert.Equal(t, domain.OrderCompleted, reconciled[0].Status)
}
