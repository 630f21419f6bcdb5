package purchase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/network"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/motafan/iapcore/internal/validate"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	purchase    func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error)
	restore     func(ctx context.Context) ([]domain.Transaction, error)
	finishCalls []string
}

func (f *fakeAdapter) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeAdapter) Purchase(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
	return f.purchase(ctx, product, hint)
}

func (f *fakeAdapter) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	if f.restore != nil {
		return f.restore(ctx)
	}
	return nil, nil
}

func (f *fakeAdapter) PendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return nil, nil
}

func (f *fakeAdapter) Finish(ctx context.Context, tx domain.Transaction) error {
	f.finishCalls = append(f.finishCalls, tx.ID)
	return nil
}

func (f *fakeAdapter) StartObserver(ctx context.Context) error { return nil }

func (f *fakeAdapter) StopObserver() error { return nil }

func (f *fakeAdapter) SetTransactionUpdateHandler(fn func(domain.Transaction)) {}

func newTestOrderService(t *testing.T) (*order.Service, *cache.OrderCache) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req network.CreateOrderRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(network.CreateOrderResponse{
				OrderID:       req.LocalOrderID,
				ServerOrderID: "srv-" + req.LocalOrderID,
				Status:        "pending",
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	client := network.NewClient(network.Config{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		MaxRetryAttempts: 1,
		BaseRetryDelay:   time.Millisecond,
	})
	orderCache := cache.NewOrderCache()
	return order.NewService(client, orderCache), orderCache
}

func newTestOrderServiceWithExpiry(t *testing.T, expiresAt time.Time) (*order.Service, *cache.OrderCache) {
	t.Helper()
	expiresStr := expiresAt.UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var req network.CreateOrderRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(network.CreateOrderResponse{
				OrderID:       req.LocalOrderID,
				ServerOrderID: "srv-" + req.LocalOrderID,
				Status:        "pending",
				ExpiresAt:     &expiresStr,
			})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	client := network.NewClient(network.Config{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		MaxRetryAttempts: 1,
		BaseRetryDelay:   time.Millisecond,
	})
	orderCache := cache.NewOrderCache()
	return order.NewService(client, orderCache), orderCache
}

func testProduct() domain.Product {
	return domain.Product{ID: "coins", Price: decimal.NewFromFloat(0.99), ProductType: domain.ProductConsumable}
}

func TestPurchaseSuccess(t *testing.T) {
	orders, orderCache := newTestOrderService(t)
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			return provideradapter.PurchaseOutcome{
				Kind: provideradapter.OutcomeSuccess,
				Tx:   domain.Transaction{ID: "tx-1", ProductID: product.ID, State: domain.TxPurchased, PurchaseDate: time.Now()},
			}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{AutoFinishTransactions: true})

	result, err := svc.Purchase(context.Background(), testProduct(), nil)
	require.NoError(t, err)
	assert.Equal(t, ResultSuccess, result.Kind)
	assert.Equal(t, "tx-1", result.Tx.ID)

	cached, ok := orderCache.Get(result.Order.ID)
	require.True(t, ok)
	assert.Equal(t, domain.OrderCompleted, cached.Status)
	assert.False(t, svc.IsPurchasing(testProduct().ID))
	assert.Equal(t, []string{"tx-1"}, adapter.finishCalls)
}

func TestPurchaseRejectsInvalidProduct(t *testing.T) {
	orders, _ := newTestOrderService(t)
	adapter := &fakeAdapter{purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
		t.Fatal("adapter should not be invoked for an invalid product")
		return provideradapter.PurchaseOutcome{}, nil
	}}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	_, err := svc.Purchase(context.Background(), domain.Product{}, nil)
	assert.Error(t, err)
}

func TestPurchaseCancelledOutcome(t *testing.T) {
	orders, orderCache := newTestOrderService(t)
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			return provideradapter.PurchaseOutcome{Kind: provideradapter.OutcomeCancelled}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	result, err := svc.Purchase(context.Background(), testProduct(), nil)
	require.NoError(t, err)
	assert.Equal(t, ResultCancelled, result.Kind)

	cached, _ := orderCache.Get(result.Order.ID)
	assert.Equal(t, domain.OrderCancelled, cached.Status)
}

func TestPurchaseFailedOutcome(t *testing.T) {
	orders, orderCache := newTestOrderService(t)
	boom := assert.AnError
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			return provideradapter.PurchaseOutcome{Kind: provideradapter.OutcomeFailed, Err: boom}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	result, err := svc.Purchase(context.Background(), testProduct(), nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, ResultFailed, result.Kind)

	cached, _ := orderCache.Get(result.Order.ID)
	assert.Equal(t, domain.OrderFailed, cached.Status)
}

func TestPurchaseRejectsProductMismatch(t *testing.T) {
	orders, orderCache := newTestOrderService(t)
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			return provideradapter.PurchaseOutcome{
				Kind: provideradapter.OutcomeSuccess,
				Tx:   domain.Transaction{ID: "tx-1", ProductID: "wrong-product", State: domain.TxPurchased},
			}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	result, err := svc.Purchase(context.Background(), testProduct(), nil)
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result.Kind)

	cached, _ := orderCache.Get(result.Order.ID)
	assert.Equal(t, domain.OrderFailed, cached.Status)
}

func TestPurchaseFailsWhenOrderExpiresBeforeTransactionCompletes(t *testing.T) {
	orders, orderCache := newTestOrderServiceWithExpiry(t, time.Now().Add(-10*time.Second))
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			return provideradapter.PurchaseOutcome{
				Kind: provideradapter.OutcomeSuccess,
				Tx:   domain.Transaction{ID: "tx-1", ProductID: product.ID, State: domain.TxPurchased, PurchaseDate: time.Now()},
			}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{AutoFinishTransactions: true})

	result, err := svc.Purchase(context.Background(), testProduct(), nil)
	require.Error(t, err)
	assert.Equal(t, ResultFailed, result.Kind)

	cached, _ := orderCache.Get(result.Order.ID)
	assert.Equal(t, domain.OrderFailed, cached.Status)
	assert.Empty(t, adapter.finishCalls)
}

func TestPurchaseRejectsReentryForSameProduct(t *testing.T) {
	orders, _ := newTestOrderService(t)
	started := make(chan struct{})
	release := make(chan struct{})
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			close(started)
			<-release
			return provideradapter.PurchaseOutcome{Kind: provideradapter.OutcomeSuccess,
				Tx: domain.Transaction{ID: "tx-1", ProductID: product.ID, State: domain.TxPurchased}}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	done := make(chan Result, 1)
	go func() {
		r, _ := svc.Purchase(context.Background(), testProduct(), nil)
		done <- r
	}()

	<-started
	assert.True(t, svc.IsPurchasing(testProduct().ID))
	assert.True(t, svc.IsBusy())

	_, err := svc.Purchase(context.Background(), testProduct(), nil)
	assert.Error(t, err)

	close(release)
	<-done
	assert.False(t, svc.IsPurchasing(testProduct().ID))
}

func TestCancelPurchaseClearsInFlightMarker(t *testing.T) {
	orders, _ := newTestOrderService(t)
	adapter := &fakeAdapter{}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	svc.inflight.Store("coins", struct{}{})
	assert.True(t, svc.IsPurchasing("coins"))
	svc.CancelPurchase("coins")
	assert.False(t, svc.IsPurchasing("coins"))
}

func TestCancelPurchaseDuringInFlightPurchaseAllowsReentry(t *testing.T) {
	orders, _ := newTestOrderService(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var startOnce sync.Once
	adapter := &fakeAdapter{
		purchase: func(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
			startOnce.Do(func() {
				close(started)
				<-release
			})
			return provideradapter.PurchaseOutcome{Kind: provideradapter.OutcomeSuccess,
				Tx: domain.Transaction{ID: "tx-1", ProductID: product.ID, State: domain.TxPurchased}}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	done := make(chan Result, 1)
	go func() {
		r, _ := svc.Purchase(context.Background(), testProduct(), nil)
		done <- r
	}()

	<-started
	svc.CancelPurchase(testProduct().ID)
	assert.False(t, svc.IsPurchasing(testProduct().ID))

	_, err := svc.Purchase(context.Background(), testProduct(), nil)
	assert.NoError(t, err)

	close(release)
	<-done
}

func TestRestorePurchasesKeepsReceiptlessTransactions(t *testing.T) {
	orders, _ := newTestOrderService(t)
	adapter := &fakeAdapter{
		restore: func(ctx context.Context) ([]domain.Transaction, error) {
			return []domain.Transaction{{ID: "tx-1", ProductID: "coins", State: domain.TxRestored}}, nil
		},
	}
	validator := validate.New(domain.ValidationConfig{Mode: domain.ValidationLocal})
	svc := NewService(orders, adapter, validator, Config{})

	txs, err := svc.RestorePurchases(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "tx-1", txs[0].ID)
}
