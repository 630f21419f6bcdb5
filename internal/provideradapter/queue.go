package provideradapter

import (
	"context"
	"sync"

	"github.com/motafan/iapcore/internal/domain"
)

// QueueSDK is the narrow surface this core needs from a legacy SDK that
// delivers updates via observer callbacks registered on a shared queue,
// rather than an async stream.
type QueueSDK interface {
	LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error)
	Purchase(ctx context.Context, product domain.Product, appAccountToken string) (domain.Transaction, error)
	RestorePurchases(ctx context.Context) ([]domain.Transaction, error)
	PendingTransactions(ctx context.Context) ([]domain.Transaction, error)
	Finish(ctx context.Context, txID string) error
	// AddObserver registers a callback with the SDK's shared queue and
	// returns a token RemoveObserver can use to unregister it.
	AddObserver(fn func(domain.Transaction)) (token int)
	RemoveObserver(token int)
}

// queueAdapter wraps the legacy callback-queue SDK to present the same
// Adapter interface as the stream variant.
type queueAdapter struct {
	sdk QueueSDK

	mu      sync.Mutex
	handler func(domain.Transaction)
	token   int
	started bool
}

// NewQueueAdapter wraps sdk as a VariantQueue Adapter.
func NewQueueAdapter(sdk QueueSDK) Adapter {
	return &queueAdapter{sdk: sdk}
}

func (a *queueAdapter) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	return a.sdk.LoadProducts(ctx, ids)
}

func (a *queueAdapter) Purchase(ctx context.Context, product domain.Product, hint Hint) (PurchaseOutcome, error) {
	tx, err := a.sdk.Purchase(ctx, product, hint.OrderID)
	if err != nil {
		return classifyFailure(Normalize(err)), nil
	}
	return outcomeFromTransaction(tx), nil
}

func (a *queueAdapter) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := a.sdk.RestorePurchases(ctx)
	if err != nil {
		return nil, Normalize(err)
	}
	return txs, nil
}

func (a *queueAdapter) PendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := a.sdk.PendingTransactions(ctx)
	if err != nil {
		return nil, Normalize(err)
	}
	return txs, nil
}

func (a *queueAdapter) Finish(ctx context.Context, tx domain.Transaction) error {
	if err := a.sdk.Finish(ctx, tx.ID); err != nil {
		return Normalize(err)
	}
	return nil
}

func (a *queueAdapter) SetTransactionUpdateHandler(fn func(domain.Transaction)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}

func (a *queueAdapter) StartObserver(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}
	a.token = a.sdk.AddObserver(func(tx domain.Transaction) {
		a.mu.Lock()
		h := a.handler
		a.mu.Unlock()
		if h != nil {
			h(tx)
		}
	})
	a.started = true
	return nil
}

func (a *queueAdapter) StopObserver() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}
	a.sdk.RemoveObserver(a.token)
	a.started = false
	return nil
}
