package provideradapter

import (
	"context"
	"sync"

	"github.com/motafan/iapcore/internal/domain"
)

// StreamSDK is the narrow surface this core needs from a newer,
// transaction-stream-based platform SDK. Its concrete implementation is
// supplied by the host; this interface is the adapter's contract with it.
type StreamSDK interface {
	LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error)
	Purchase(ctx context.Context, product domain.Product, appAccountToken string) (domain.Transaction, error)
	RestorePurchases(ctx context.Context) ([]domain.Transaction, error)
	PendingTransactions(ctx context.Context) ([]domain.Transaction, error)
	Finish(ctx context.Context, txID string) error
	// Updates returns a channel the SDK pushes transaction updates to for
	// the lifetime of the context passed to StartObserver.
	Updates(ctx context.Context) <-chan domain.Transaction
}

// streamAdapter owns a long-lived consumer goroutine over the SDK's
// update channel for the lifetime of the observer.
type streamAdapter struct {
	sdk StreamSDK

	mu      sync.Mutex
	handler func(domain.Transaction)
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewStreamAdapter wraps sdk as a VariantStream Adapter.
func NewStreamAdapter(sdk StreamSDK) Adapter {
	return &streamAdapter{sdk: sdk}
}

func (a *streamAdapter) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	return a.sdk.LoadProducts(ctx, ids)
}

func (a *streamAdapter) Purchase(ctx context.Context, product domain.Product, hint Hint) (PurchaseOutcome, error) {
	tx, err := a.sdk.Purchase(ctx, product, hint.OrderID)
	if err != nil {
		return classifyFailure(Normalize(err)), nil
	}
	return outcomeFromTransaction(tx), nil
}

func (a *streamAdapter) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := a.sdk.RestorePurchases(ctx)
	if err != nil {
		return nil, Normalize(err)
	}
	return txs, nil
}

func (a *streamAdapter) PendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	txs, err := a.sdk.PendingTransactions(ctx)
	if err != nil {
		return nil, Normalize(err)
	}
	return txs, nil
}

func (a *streamAdapter) Finish(ctx context.Context, tx domain.Transaction) error {
	if err := a.sdk.Finish(ctx, tx.ID); err != nil {
		return Normalize(err)
	}
	return nil
}

func (a *streamAdapter) SetTransactionUpdateHandler(fn func(domain.Transaction)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}

func (a *streamAdapter) StartObserver(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	obsCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	updates := a.sdk.Updates(obsCtx)
	go func() {
		defer close(a.done)
		for {
			select {
			case <-obsCtx.Done():
				return
			case tx, ok := <-updates:
				if !ok {
					return
				}
				a.mu.Lock()
				h := a.handler
				a.mu.Unlock()
				if h != nil {
					h(tx)
				}
			}
		}
	}()
	return nil
}

func (a *streamAdapter) StopObserver() error {
	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func outcomeFromTransaction(tx domain.Transaction) PurchaseOutcome {
	switch tx.State {
	case domain.TxPurchased, domain.TxRestored:
		return PurchaseOutcome{Kind: OutcomeSuccess, Tx: tx}
	case domain.TxPurchasing, domain.TxDeferred:
		return PurchaseOutcome{Kind: OutcomePending, Tx: tx}
	case domain.TxFailed:
		out := classifyFailure(tx.FailureError)
		out.Tx = tx
		return out
	default:
		return PurchaseOutcome{Kind: OutcomePending, Tx: tx}
	}
}

// classifyFailure distinguishes a user-cancelled outcome from a genuine
// purchase failure: a cancellation is not treated as an error.
func classifyFailure(err error) PurchaseOutcome {
	if errsIsCancelled(err) {
		return PurchaseOutcome{Kind: OutcomeCancelled}
	}
	return PurchaseOutcome{Kind: OutcomeFailed, Err: err}
}
