package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/shopspring/decimal"
)

// demoAdapter is a minimal in-memory stand-in for a payment provider SDK,
// good enough to drive the demo end-to-end. Real SDK mechanics are an
// external collaborator this core treats as opaque.
type demoAdapter struct {
	mu      sync.Mutex
	handler func(domain.Transaction)
}

func newDemoAdapter() provideradapter.Adapter {
	return &demoAdapter{}
}

func (a *demoAdapter) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.Product{
			ID:             id,
			DisplayName:    "100 Demo Coins",
			Description:    "100 coins for the demo store",
			Price:          decimal.NewFromFloat(0.99),
			PriceLocale:    "USD",
			LocalizedPrice: "$0.99",
			ProductType:    domain.ProductConsumable,
		})
	}
	return out, nil
}

func (a *demoAdapter) Purchase(ctx context.Context, product domain.Product, hint provideradapter.Hint) (provideradapter.PurchaseOutcome, error) {
	tx := domain.Transaction{
		ID:              uuid.New().String(),
		ProductID:       product.ID,
		PurchaseDate:    time.Now(),
		State:           domain.TxPurchased,
		AppAccountToken: &hint.OrderID,
	}
	return provideradapter.PurchaseOutcome{Kind: provideradapter.OutcomeSuccess, Tx: tx}, nil
}

func (a *demoAdapter) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	return nil, nil
}

func (a *demoAdapter) PendingTransactions(ctx context.Context) ([]domain.Transaction, error) {
	return nil, nil
}

func (a *demoAdapter) Finish(ctx context.Context, tx domain.Transaction) error {
	return nil
}

func (a *demoAdapter) StartObserver(ctx context.Context) error { return nil }

func (a *demoAdapter) StopObserver() error { return nil }

func (a *demoAdapter) SetTransactionUpdateHandler(fn func(domain.Transaction)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = fn
}
