package recovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/monitor"
	"github.com/motafan/iapcore/internal/network"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	mu      sync.Mutex
	pending []domain.Transaction
	pendErr error
	started chan struct{}
	release chan struct{}
}

func (f *fakeAdapter) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	return nil, nil
}

func (f *fakeAdapter) Purchase(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
	return provideradapter.PurchaseOutcome{}, nil
}

func (f *fakeAdapter) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	return nil, nil
}

func (f *fakeAdapter) PendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	if f.started != nil {
		close(f.started)
		<-f.release
	}
	return f.pending, f.pendErr
}

func (f *fakeAdapter) Finish(ctx context.Context, tx domain.Transaction) error { return nil }

func (f *fakeAdapter) StartObserver(ctx context.Context) error { return nil }

func (f *fakeAdapter) StopObserver() error { return nil }

func (f *fakeAdapter) SetTransactionUpdateHandler(fn func(domain.Transaction)) {}

func newTestRecoveryManager(t *testing.T, adapter *fakeAdapter) (*Manager, *cache.OrderCache) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	client := network.NewClient(network.Config{
		BaseURL:          srv.URL,
		Timeout:          2 * time.Second,
		MaxRetryAttempts: 1,
		BaseRetryDelay:   time.Millisecond,
	})
	orderCache := cache.NewOrderCache()
	orderSvc := order.NewService(client, orderCache)
	mon := monitor.New(adapter, orderSvc, orderCache, monitor.Config{})
	return New(adapter, mon, orderSvc), orderCache
}

func TestRecoveryRunDeliversPendingTransactions(t *testing.T) {
	adapter := &fakeAdapter{pending: []domain.Transaction{{ID: "tx-1", ProductID: "coins", State: domain.TxPurchased}}}
	mgr, _ := newTestRecoveryManager(t, adapter)

	result, err := mgr.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.RecoveredCount)
}

func TestRecoveryRunPropagatesAdapterError(t *testing.T) {
	adapter := &fakeAdapter{pendErr: assert.AnError}
	mgr, _ := newTestRecoveryManager(t, adapter)

	_, err := mgr.Run(context.Background())
	assert.Error(t, err)
}

func TestRecoveryRunRejectsReentry(t *testing.T) {
	adapter := &fakeAdapter{started: make(chan struct{}), release: make(chan struct{})}
	mgr, _ := newTestRecoveryManager(t, adapter)

	done := make(chan struct{})
	go func() {
		mgr.Run(context.Background())
		close(done)
	}()

	<-adapter.started
	_, err := mgr.Run(context.Background())
	require.Error(t, err)
	assert.True(t, AlreadyInProgress(err))

	close(adapter.release)
	<-done
}
