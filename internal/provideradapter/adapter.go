// Package provideradapter implements the Provider Adapter variant
// abstraction: two closed-set, enum-dispatched variants over the
// payment-provider SDK.
package provideradapter

import (
	"context"

	"github.com/motafan/iapcore/internal/domain"
)

// Variant selects which concrete adapter a host's platform-capability
// detection picked at init.
type Variant int

const (
	// VariantStream targets an SDK exposing an async transaction-update
	// sequence and returning purchase results directly.
	VariantStream Variant = iota
	// VariantQueue targets a legacy SDK delivering updates via observer
	// callbacks on a shared queue.
	VariantQueue
)

// OutcomeKind is the tag of a PurchaseOutcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePending
	OutcomeCancelled
	OutcomeFailed
)

// PurchaseOutcome is the result of Adapter.Purchase.
type PurchaseOutcome struct {
	Kind OutcomeKind
	Tx   domain.Transaction
	Err  error // set when Kind == OutcomeFailed
}

// Hint carries the order id the Purchase Service wants embedded into the
// provider payment's opaque metadata field, so the Transaction Monitor can
// associate the resulting transaction with its order without falling back
// to time-window matching.
type Hint struct {
	OrderID string
}

// Adapter is the capability both provider variants expose. Their internal
// SDK mechanics are irrelevant to callers; only this interface matters.
type Adapter interface {
	LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error)
	Purchase(ctx context.Context, product domain.Product, hint Hint) (PurchaseOutcome, error)
	RestorePurchases(ctx context.Context) ([]domain.Transaction, error)
	PendingTransactions(ctx context.Context) ([]domain.Transaction, error)
	Finish(ctx context.Context, tx domain.Transaction) error
	StartObserver(ctx context.Context) error
	StopObserver() error
	SetTransactionUpdateHandler(fn func(domain.Transaction))
}

// Capability describes what a host's platform-detection probe found,
// driving Detect's variant choice.
type Capability struct {
	SupportsTransactionStream bool
}

// Detect picks the adapter variant for the detected platform capability.
func Detect(caps Capability) Variant {
	if caps.SupportsTransactionStream {
		return VariantStream
	}
	return VariantQueue
}
