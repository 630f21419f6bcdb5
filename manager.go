// Package iapcore is a client-side in-app-purchase orchestration core: it
// binds a payment provider's adapter to a server-authoritative order
// lifecycle, validates receipts, and recovers interrupted purchases,
// exposing all of it through one Manager.
package iapcore

import (
	"context"
	"sync"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/monitor"
	"github.com/motafan/iapcore/internal/network"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/product"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/motafan/iapcore/internal/purchase"
	"github.com/motafan/iapcore/internal/recovery"
	"github.com/motafan/iapcore/internal/stats"
	"github.com/motafan/iapcore/internal/validate"
	"go.uber.org/zap"
)

// Manager is the single owned instance this core exposes — constructed
// with New, wired entirely through its own fields, never a package-level
// singleton.
type Manager struct {
	adapter provideradapter.Adapter
	logger  *zap.Logger
	stats   *stats.Counters

	mu      sync.Mutex
	started bool
	cfg     Config

	products   *cache.ProductCache
	orders     *cache.OrderCache
	client     *network.Client
	orderSvc   *order.Service
	productSvc *product.Service
	purchase   *purchase.Service
	monitor    *monitor.Monitor
	recovery   *recovery.Manager
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithLogger overrides the zap logger every internal service inherits
// (defaults to a no-op logger so the core stays silent unless a host wires
// one in).
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// New creates a Manager over the given Provider Adapter. Call Initialize
// before using it.
func New(adapter provideradapter.Adapter, opts ...Option) *Manager {
	m := &Manager{
		adapter: adapter,
		logger:  zap.NewNop(),
		stats:   &stats.Counters{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Initialize wires the Manager's internal services for cfg. It is
// idempotent on a semantically-equal Config (compared via Config.Equal):
// re-initializing with the same configuration is a no-op.
func (m *Manager) Initialize(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started && m.cfg.Equal(cfg) {
		return nil
	}
	if m.started {
		m.cleanupLocked()
	}

	m.products = cache.NewProductCache(cfg.ProductCacheExpiration)
	m.orders = cache.NewOrderCache()
	m.client = network.NewClient(network.Config{
		BaseURL:          cfg.Network.BaseURL,
		Timeout:          cfg.Network.Timeout,
		MaxRetryAttempts: cfg.MaxRetryAttempts,
		BaseRetryDelay:   cfg.BaseRetryDelay,
	})
	m.orderSvc = order.NewService(m.client, m.orders, order.WithLogger(m.logger))
	m.productSvc = product.NewService(m.adapter, m.products)

	validator := validate.New(cfg.ReceiptValidation)
	m.purchase = purchase.NewService(m.orderSvc, m.adapter, validator,
		purchase.Config{AutoFinishTransactions: cfg.AutoFinishTransactions},
		purchase.WithLogger(m.logger), purchase.WithStats(m.stats))

	m.monitor = monitor.New(m.adapter, m.orderSvc, m.orders, monitor.Config{
		AutoFinishTransactions:  cfg.AutoFinishTransactions,
		AutoRecoverTransactions: cfg.AutoRecoverTransactions,
	}, monitor.WithLogger(m.logger), monitor.WithStats(m.stats))

	m.recovery = recovery.New(m.adapter, m.monitor, m.orderSvc,
		recovery.WithLogger(m.logger), recovery.WithStats(m.stats))

	if err := m.monitor.Start(ctx); err != nil {
		return errs.Wrap(errs.KindConfigurationError, "start transaction monitor", err)
	}

	if cfg.AutoRecoverTransactions {
		if _, err := m.recovery.Run(ctx); err != nil && !recovery.AlreadyInProgress(err) {
			m.logger.Warn("initialize: recovery run failed", zap.Error(err))
		}
	}

	m.cfg = cfg
	m.started = true
	return nil
}

// Cleanup stops the Manager's background work (the Transaction Monitor's
// expiry sweep and the Product Cache's sweep loop).
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanupLocked()
}

func (m *Manager) cleanupLocked() error {
	if !m.started {
		return nil
	}
	var err error
	if m.monitor != nil {
		err = m.monitor.Stop()
	}
	if m.products != nil {
		m.products.Close()
	}
	m.started = false
	return err
}

// LoadProducts fetches and caches product metadata for the given ids.
func (m *Manager) LoadProducts(ctx context.Context, ids []string) ([]domain.Product, error) {
	return m.productSvc.Load(ctx, ids)
}

// Purchase runs the full purchase flow for a product on behalf of a user.
func (m *Manager) Purchase(ctx context.Context, p domain.Product, userInfo map[string]string) (purchase.Result, error) {
	return m.purchase.Purchase(ctx, p, userInfo)
}

// RestorePurchases replays previously completed transactions from the
// provider.
func (m *Manager) RestorePurchases(ctx context.Context) ([]domain.Transaction, error) {
	return m.purchase.RestorePurchases(ctx)
}

// CancelPurchase clears the in-flight marker for productID, allowing a new
// purchase attempt even if the previous one never returned.
func (m *Manager) CancelPurchase(productID string) {
	m.purchase.CancelPurchase(productID)
}

// IsPurchasing reports whether a purchase for productID is in flight.
func (m *Manager) IsPurchasing(productID string) bool {
	return m.purchase.IsPurchasing(productID)
}

// IsBusy reports whether any purchase is currently in flight.
func (m *Manager) IsBusy() bool {
	return m.purchase.IsBusy()
}

// ValidateReceipt validates a raw receipt blob. order is nil for unbound
// validation (e.g. during restore); otherwise order-bound checks apply.
func (m *Manager) ValidateReceipt(ctx context.Context, receipt []byte, ord *domain.Order) (validate.Result, error) {
	if ord == nil {
		return m.validator().Validate(ctx, receipt)
	}
	return m.validator().ValidateForOrder(ctx, receipt, *ord)
}

func (m *Manager) validator() *validate.Validator {
	return validate.New(m.cfg.ReceiptValidation)
}

// CreateOrder pre-creates a server-backed order ahead of a purchase, for
// hosts that want to reserve an order before invoking the provider.
func (m *Manager) CreateOrder(ctx context.Context, p domain.Product, userInfo map[string]string) (*domain.Order, error) {
	return m.orderSvc.CreateOrder(ctx, p, userInfo)
}

// QueryOrderStatus reports an order's current status, querying the server
// and degrading to the cached value on transport failure.
func (m *Manager) QueryOrderStatus(ctx context.Context, orderID string) (domain.OrderStatus, error) {
	return m.orderSvc.QueryOrderStatus(ctx, orderID)
}

// FinishTransaction calls through to the Provider Adapter's finish, for
// hosts that disabled auto_finish_transactions and want to finish
// explicitly once their own bookkeeping is done.
func (m *Manager) FinishTransaction(ctx context.Context, tx domain.Transaction) error {
	return m.adapter.Finish(ctx, tx)
}

// AddTransactionHandler registers fn under id with the Transaction Monitor.
func (m *Manager) AddTransactionHandler(id monitor.HandlerID, fn func(domain.Transaction)) {
	m.monitor.AddTransactionHandler(id, fn)
}

// AddOrderHandler registers fn under id with the Transaction Monitor.
func (m *Manager) AddOrderHandler(id monitor.HandlerID, fn func(*domain.Order)) {
	m.monitor.AddOrderHandler(id, fn)
}

// RemoveTransactionHandler unregisters the handler added under id.
func (m *Manager) RemoveTransactionHandler(id monitor.HandlerID) {
	m.monitor.RemoveTransactionHandler(id)
}

// RemoveOrderHandler unregisters the handler added under id.
func (m *Manager) RemoveOrderHandler(id monitor.HandlerID) {
	m.monitor.RemoveOrderHandler(id)
}

// ClearHandlers drops every registered transaction and order handler.
func (m *Manager) ClearHandlers() {
	m.monitor.ClearHandlers()
}

// GetProduct returns a cached product by id, if loaded.
func (m *Manager) GetProduct(id string) (domain.Product, bool) {
	cached := m.products.GetCached([]string{id})
	if len(cached) == 0 {
		return domain.Product{}, false
	}
	return cached[0], true
}

// GetRecentTransaction returns the last transaction observed for productID.
func (m *Manager) GetRecentTransaction(productID string) (domain.Transaction, bool) {
	return m.purchase.RecentTransaction(productID)
}

// GetActiveOrder returns the most recent non-terminal cached order for
// productID, if any.
func (m *Manager) GetActiveOrder(productID string) (*domain.Order, bool) {
	var latest *domain.Order
	for _, o := range m.orders.ByProduct(productID) {
		if o.Status.Terminal() {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	return latest, latest != nil
}

// Stats returns a snapshot of this Manager's running counters.
func (m *Manager) Stats() stats.Snapshot {
	return m.stats.Snapshot()
}
