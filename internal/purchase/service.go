// Package purchase implements the Purchase Service: the core state
// machine that executes an order-bound purchase end-to-end, guarded
// against concurrent re-entry for the same product and tracing each
// purchase with a span.
package purchase

import (
	"context"
	"sync"

	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/motafan/iapcore/internal/stats"
	"github.com/motafan/iapcore/internal/tracing"
	"github.com/motafan/iapcore/internal/validate"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ResultKind tags the outcome of a Purchase call.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultPending
	ResultCancelled
	ResultFailed
)

// Result is the tagged outcome returned from Purchase.
type Result struct {
	Kind  ResultKind
	Tx    domain.Transaction
	Order *domain.Order
	Err   error // set when Kind == ResultFailed
}

// Config carries the flags the Purchase Service's finalize step consults.
type Config struct {
	AutoFinishTransactions bool
}

// Service is the Purchase Service.
type Service struct {
	orders    *order.Service
	adapter   provideradapter.Adapter
	validator *validate.Validator
	cfg       Config
	stats     *stats.Counters
	logger    *zap.Logger
	tracer    trace.Tracer

	inflight sync.Map // productID -> struct{}
	recent   sync.Map // productID -> domain.Transaction
}

// Option customizes a Service.
type Option func(*Service)

// WithLogger overrides the zap logger (defaults to a no-op logger).
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// WithStats attaches a statistics counter set.
func WithStats(c *stats.Counters) Option { return func(s *Service) { s.stats = c } }

// NewService creates a Purchase Service over the given Order Service,
// Provider Adapter and Receipt Validator.
func NewService(orders *order.Service, adapter provideradapter.Adapter, validator *validate.Validator, cfg Config, opts ...Option) *Service {
	s := &Service{
		orders:    orders,
		adapter:   adapter,
		validator: validator,
		cfg:       cfg,
		stats:     &stats.Counters{},
		logger:    zap.NewNop(),
		tracer:    tracing.GetTracer("iapcore/purchase"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsPurchasing reports whether a purchase for productID is in flight.
func (s *Service) IsPurchasing(productID string) bool {
	_, ok := s.inflight.Load(productID)
	return ok
}

// IsBusy reports whether any purchase is currently in flight.
func (s *Service) IsBusy() bool {
	busy := false
	s.inflight.Range(func(_, _ any) bool {
		busy = true
		return false
	})
	return busy
}

// CancelPurchase clears the in-flight marker for productID, allowing a new
// purchase to begin. It does not cancel any outstanding provider request.
func (s *Service) CancelPurchase(productID string) {
	s.inflight.Delete(productID)
}

// RecentTransaction returns the last transaction observed for productID,
// if any.
func (s *Service) RecentTransaction(productID string) (domain.Transaction, bool) {
	v, ok := s.recent.Load(productID)
	if !ok {
		return domain.Transaction{}, false
	}
	return v.(domain.Transaction), true
}

// Purchase runs the canonical purchase(product, user_info) flow: validate,
// create an order, invoke the provider, dispatch on outcome, validate the
// receipt, and finalize.
func (s *Service) Purchase(ctx context.Context, product domain.Product, userInfo map[string]string) (Result, error) {
	if _, loaded := s.inflight.LoadOrStore(product.ID, struct{}{}); loaded {
		return Result{}, errs.New(errs.KindTransactionProcessingFailed,
			"purchase already in flight for product "+product.ID)
	}
	defer s.inflight.Delete(product.ID)

	ctx, span := s.tracer.Start(ctx, "purchase.purchase",
		trace.WithAttributes(attribute.String("product.id", product.ID)))
	defer span.End()

	s.stats.IncPurchaseAttempted()

	// 1. Validate product.
	if !product.Valid() {
		err := errs.New(errs.KindProductNotAvailable, "invalid product: "+product.ID)
		span.SetStatus(codes.Error, err.Error())
		s.stats.IncPurchaseFailed()
		return Result{}, err
	}

	// 2. Create order.
	ord, err := s.orders.CreateOrder(ctx, product, userInfo)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.stats.IncPurchaseFailed()
		return Result{}, errs.Wrap(errs.KindOrderCreationFailed, "purchase: create order", err)
	}
	span.SetAttributes(attribute.String("order.id", ord.ID))

	// 3. Set order to pending.
	if err := s.orders.UpdateOrderStatus(ctx, ord.ID, domain.OrderPending); err != nil {
		s.logger.Warn("purchase: set order pending failed", zap.String("order_id", ord.ID), zap.Error(err))
	}

	// 4. Invoke provider.purchase(product).
	outcome, err := s.adapter.Purchase(ctx, product, provideradapter.Hint{OrderID: ord.ID})
	if err != nil {
		s.failOrder(ctx, ord.ID)
		span.SetStatus(codes.Error, err.Error())
		s.stats.IncPurchaseFailed()
		return Result{Order: ord, Err: err, Kind: ResultFailed}, err
	}

	// 5. Dispatch on outcome.
	switch outcome.Kind {
	case provideradapter.OutcomeCancelled:
		s.cancelOrder(ctx, ord.ID)
		s.stats.IncPurchaseCancelled()
		return Result{Kind: ResultCancelled, Order: ord}, nil
	case provideradapter.OutcomeFailed:
		s.failOrder(ctx, ord.ID)
		span.SetStatus(codes.Error, outcome.Err.Error())
		s.stats.IncPurchaseFailed()
		return Result{Kind: ResultFailed, Order: ord, Err: outcome.Err}, outcome.Err
	}

	tx := outcome.Tx
	s.recent.Store(product.ID, tx)

	// 6. Validate association.
	if tx.ProductID != ord.ProductID {
		s.failOrder(ctx, ord.ID)
		err := errs.New(errs.KindServerOrderMismatch, "transaction product_id does not match order")
		span.SetStatus(codes.Error, err.Error())
		s.stats.IncPurchaseFailed()
		return Result{Kind: ResultFailed, Order: ord, Err: err}, err
	}
	if ord.ExpiresAt != nil {
		latest, _ := s.orders.Cache().Get(ord.ID)
		if latest != nil && latest.IsExpired(tx.PurchaseDate) {
			s.failOrder(ctx, ord.ID)
			err := errs.New(errs.KindOrderExpired, "order expired before transaction completed")
			span.SetStatus(codes.Error, err.Error())
			s.stats.IncPurchaseFailed()
			return Result{Kind: ResultFailed, Order: ord, Err: err}, err
		}
	}

	// 7. Validate receipt, if present.
	if len(tx.ReceiptData) > 0 {
		res, verr := s.validator.ValidateForOrder(ctx, tx.ReceiptData, *ord)
		if verr != nil || !res.IsValid {
			if s.requiresHardFailure() {
				s.failOrder(ctx, ord.ID)
				if verr == nil {
					verr = errs.New(errs.KindReceiptValidationFailed, "receipt failed validation")
				}
				span.SetStatus(codes.Error, verr.Error())
				s.stats.IncReceiptRejected()
				s.stats.IncPurchaseFailed()
				return Result{Kind: ResultFailed, Order: ord, Err: verr}, verr
			}
			s.logger.Warn("purchase: receipt validation failed under local mode, continuing",
				zap.String("order_id", ord.ID), zap.Error(verr))
			s.stats.IncReceiptRejected()
		} else {
			s.stats.IncReceiptValidated()
		}
	}

	// 8. Finalize by transaction state.
	return s.finalize(ctx, span, ord, tx, product)
}

// requiresHardFailure reports whether the validator's mode fails the
// purchase hard on an invalid receipt.
func (s *Service) requiresHardFailure() bool {
	if s.validator == nil {
		return false
	}
	mode := s.validator.Mode()
	return mode == domain.ValidationRemote || mode == domain.ValidationLocalThenRemote
}

func (s *Service) finalize(ctx context.Context, span trace.Span, ord *domain.Order, tx domain.Transaction, product domain.Product) (Result, error) {
	switch tx.State {
	case domain.TxPurchased, domain.TxRestored:
		if err := s.orders.UpdateOrderStatus(ctx, ord.ID, domain.OrderCompleted); err != nil {
			s.logger.Warn("purchase: order completion failed", zap.String("order_id", ord.ID), zap.Error(err))
		}
		if latest, ok := s.orders.Cache().Get(ord.ID); ok {
			ord = latest
		}
		if s.cfg.AutoFinishTransactions {
			if err := s.adapter.Finish(ctx, tx); err != nil {
				s.logger.Warn("purchase: auto-finish failed", zap.String("tx_id", tx.ID), zap.Error(err))
			}
		}
		s.applyProductTypeSpecialization(ord, tx, product)
		span.SetStatus(codes.Ok, "purchase completed")
		s.stats.IncPurchaseSucceeded()
		return Result{Kind: ResultSuccess, Tx: tx, Order: ord}, nil

	case domain.TxPurchasing, domain.TxDeferred:
		span.AddEvent("purchase_pending")
		return Result{Kind: ResultPending, Tx: tx, Order: ord}, nil

	case domain.TxFailed:
		if errs.Is(tx.FailureError, errs.KindPurchaseCancelled) {
			s.cancelOrder(ctx, ord.ID)
			s.stats.IncPurchaseCancelled()
			return Result{Kind: ResultCancelled, Order: ord}, nil
		}
		s.failOrder(ctx, ord.ID)
		span.SetStatus(codes.Error, "transaction failed")
		s.stats.IncPurchaseFailed()
		return Result{Kind: ResultFailed, Order: ord, Err: tx.FailureError}, tx.FailureError

	default:
		err := errs.New(errs.KindTransactionProcessingFailed, "unrecognized transaction state: "+string(tx.State))
		s.failOrder(ctx, ord.ID)
		s.stats.IncPurchaseFailed()
		return Result{Kind: ResultFailed, Order: ord, Err: err}, err
	}
}

// applyProductTypeSpecialization applies post-finalize rules specific to a
// product's type. Consumable finishing is already covered by auto-finish
// above; this handles the non-consumable ownership check and subscription
// bookkeeping.
func (s *Service) applyProductTypeSpecialization(ord *domain.Order, tx domain.Transaction, product domain.Product) {
	switch product.ProductType {
	case domain.ProductNonConsumable:
		owned := (tx.State == domain.TxPurchased || tx.State == domain.TxRestored) && ord.Status == domain.OrderCompleted
		if !owned {
			s.logger.Warn("purchase: non-consumable ownership check failed, order remains completed",
				zap.String("order_id", ord.ID), zap.String("product_id", product.ID))
		}
	case domain.ProductAutoRenewableSubscription, domain.ProductNonRenewingSubscription:
		if product.SubscriptionInfo == nil {
			s.logger.Warn("purchase: subscription product missing subscription info",
				zap.String("product_id", product.ID))
		}
	}
}

func (s *Service) failOrder(ctx context.Context, orderID string) {
	if err := s.orders.UpdateOrderStatus(ctx, orderID, domain.OrderFailed); err != nil {
		s.logger.Warn("purchase: mark order failed failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) cancelOrder(ctx context.Context, orderID string) {
	if err := s.orders.UpdateOrderStatus(ctx, orderID, domain.OrderCancelled); err != nil {
		s.logger.Warn("purchase: mark order cancelled failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// RestorePurchases calls the adapter, then validates each returned
// transaction's receipt with basic (order-less) validation, dropping
// those that fail under remote/hybrid modes while keeping everything
// under local mode.
func (s *Service) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	ctx, span := s.tracer.Start(ctx, "purchase.restore")
	defer span.End()

	txs, err := s.adapter.RestorePurchases(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	kept := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if len(tx.ReceiptData) == 0 {
			kept = append(kept, tx)
			continue
		}
		res, verr := s.validator.Validate(ctx, tx.ReceiptData)
		if verr != nil || !res.IsValid {
			if s.requiresHardFailure() {
				s.stats.IncReceiptRejected()
				continue
			}
			s.logger.Warn("restore: receipt validation failed under local mode, keeping transaction",
				zap.String("tx_id", tx.ID), zap.Error(verr))
		} else {
			s.stats.IncReceiptValidated()
		}
		kept = append(kept, tx)
		s.recent.Store(tx.ProductID, tx)
	}
	span.SetStatus(codes.Ok, "restore completed")
	return kept, nil
}
