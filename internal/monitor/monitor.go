// Package monitor implements the Transaction Monitor: subscribes to the
// adapter's transaction stream, associates updates with orders, fans out
// to registered handlers, and drives order-expiry timeouts via a periodic
// ticker-driven sweep over the in-memory order cache.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/motafan/iapcore/internal/cache"
	"github.com/motafan/iapcore/internal/domain"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/motafan/iapcore/internal/stats"
	"go.uber.org/zap"
)

const (
	expirySweepInterval = 30 * time.Second
	associationWindow   = 3600 * time.Second
	expiryWarnWindow    = 5 * time.Minute
)

// Config carries the flags the monitor's per-update handling consults.
type Config struct {
	AutoFinishTransactions  bool
	AutoRecoverTransactions bool
}

// HandlerID names a caller-chosen handler registration, so a caller can
// register and later remove the same handler without the monitor handing
// back an opaque token.
type HandlerID string

// Monitor is the Transaction Monitor.
type Monitor struct {
	adapter provideradapter.Adapter
	orders  *order.Service
	cache   *cache.OrderCache
	cfg     Config
	stats   *stats.Counters
	logger  *zap.Logger
	clock   func() time.Time

	mu             sync.Mutex
	orderToTx      map[string]string // orderID -> txID
	txToOrder      map[string]string // txID -> orderID
	txHandlerIDs   map[HandlerID]func(domain.Transaction)
	orderHandlerID map[HandlerID]func(*domain.Order)

	cancel context.CancelFunc
	done   chan struct{}

	statsChecked int64
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger overrides the zap logger (defaults to a no-op logger).
func WithLogger(l *zap.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithClock overrides the wall clock, for tests.
func WithClock(fn func() time.Time) Option { return func(m *Monitor) { m.clock = fn } }

// WithStats attaches a statistics counter set.
func WithStats(c *stats.Counters) Option { return func(m *Monitor) { m.stats = c } }

// New creates a Transaction Monitor over the given adapter, Order Service
// and Order Cache.
func New(adapter provideradapter.Adapter, orders *order.Service, orderCache *cache.OrderCache, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		adapter:        adapter,
		orders:         orders,
		cache:          orderCache,
		cfg:            cfg,
		stats:          &stats.Counters{},
		logger:         zap.NewNop(),
		clock:          time.Now,
		orderToTx:      make(map[string]string),
		txToOrder:      make(map[string]string),
		txHandlerIDs:   make(map[HandlerID]func(domain.Transaction)),
		orderHandlerID: make(map[HandlerID]func(*domain.Order)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start registers a handler with the adapter, starts its observer,
// optionally drains pending transactions, and launches the periodic
// expiry sweep.
func (m *Monitor) Start(ctx context.Context) error {
	m.adapter.SetTransactionUpdateHandler(m.handleUpdate)
	if err := m.adapter.StartObserver(ctx); err != nil {
		return err
	}

	if m.cfg.AutoRecoverTransactions {
		pending, err := m.adapter.PendingTransactions(ctx)
		if err != nil {
			m.logger.Warn("monitor: drain pending transactions failed", zap.Error(err))
		} else {
			for _, tx := range pending {
				m.handleUpdate(tx)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.sweepLoop(loopCtx)
	return nil
}

// Stop halts the expiry sweep and the adapter's observer.
func (m *Monitor) Stop() error {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	return m.adapter.StopObserver()
}

func (m *Monitor) sweepLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("transaction monitor stopped", zap.Int64("checked", m.statsChecked))
			return
		case <-ticker.C:
			m.sweepExpired(ctx)
		}
	}
}

// sweepExpired cancels every pending cached order past its expiry,
// notifies handlers, and drops the association.
func (m *Monitor) sweepExpired(ctx context.Context) {
	m.statsChecked++
	now := m.clock()
	for _, o := range m.cache.Expired(now) {
		if o.Status.Terminal() {
			continue
		}
		if err := m.orders.CancelOrder(ctx, o.ID); err != nil {
			m.logger.Warn("monitor: expiry sweep cancel failed", zap.String("order_id", o.ID), zap.Error(err))
			continue
		}
		updated, ok := m.cache.Get(o.ID)
		if ok {
			m.emitOrder(updated)
		}
		m.dropAssociationByOrder(o.ID)
	}
}

// Deliver feeds a transaction through the normal update path, as if it had
// arrived from the adapter's observer. The Recovery Manager uses this to
// drain pending_transactions() through the same handling path.
func (m *Monitor) Deliver(tx domain.Transaction) {
	m.handleUpdate(tx)
}

// handleUpdate associates a transaction with its order, applies the
// resulting side effect, optionally auto-finishes it, and fans the
// transaction and any updated order out to registered handlers.
func (m *Monitor) handleUpdate(tx domain.Transaction) {
	ord, ok := m.associate(tx)
	mutated := false
	if ok && ord != nil {
		mutated = m.applySideEffect(ord, tx)
	}

	if (tx.State == domain.TxPurchased || tx.State == domain.TxRestored) && m.cfg.AutoFinishTransactions {
		if err := m.adapter.Finish(context.Background(), tx); err != nil {
			m.logger.Warn("monitor: auto-finish failed", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}

	m.emitTransaction(tx)
	if mutated {
		if updated, found := m.cache.Get(ord.ID); found {
			m.emitOrder(updated)
		}
	}
}

// associate finds the order bound to tx: first via the explicit
// order_id -> tx_id table (filled by RecordHint and by earlier matches),
// then via the order id the transaction carries in AppAccountToken, else
// by scanning active orders for the same product within the association
// window.
func (m *Monitor) associate(tx domain.Transaction) (*domain.Order, bool) {
	m.mu.Lock()
	orderID, known := m.txToOrder[tx.ID]
	m.mu.Unlock()
	if known {
		o, ok := m.cache.Get(orderID)
		return o, ok
	}

	if tx.AppAccountToken != nil && *tx.AppAccountToken != "" {
		if o, ok := m.cache.Get(*tx.AppAccountToken); ok {
			m.recordAssociation(o.ID, tx.ID)
			return o, true
		}
	}

	now := m.clock()
	for _, o := range m.cache.ByProduct(tx.ProductID) {
		if o.Status.Terminal() || o.IsExpired(now) {
			continue
		}
		delta := tx.PurchaseDate.Sub(o.CreatedAt)
		if delta >= 0 && delta <= associationWindow {
			m.recordAssociation(o.ID, tx.ID)
			return o, true
		}
	}
	return nil, false
}

// RecordHint registers the explicit order_id -> tx_id binding the
// Purchase Service embeds via provideradapter.Hint, so later updates for
// the same transaction resolve without the time-window scan.
func (m *Monitor) RecordHint(orderID, txID string) {
	m.recordAssociation(orderID, txID)
}

func (m *Monitor) recordAssociation(orderID, txID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderToTx[orderID] = txID
	m.txToOrder[txID] = orderID
}

func (m *Monitor) dropAssociationByOrder(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if txID, ok := m.orderToTx[orderID]; ok {
		delete(m.txToOrder, txID)
		delete(m.orderToTx, orderID)
	}
}

// applySideEffect maps a transaction state to its order-status side
// effect and applies it, reporting whether the order's status changed.
func (m *Monitor) applySideEffect(ord *domain.Order, tx domain.Transaction) bool {
	var next domain.OrderStatus
	switch tx.State {
	case domain.TxPurchasing, domain.TxDeferred:
		next = domain.OrderPending
	case domain.TxPurchased:
		next = domain.OrderCompleted
	case domain.TxFailed:
		next = domain.OrderFailed
	default:
		return false
	}
	if err := m.orders.UpdateOrderStatus(context.Background(), ord.ID, next); err != nil {
		m.logger.Warn("monitor: order status side-effect failed",
			zap.String("order_id", ord.ID), zap.String("status", string(next)), zap.Error(err))
		return false
	}
	return ord.Status != next
}

// AddTransactionHandler registers fn under id, to be invoked on every
// transaction update. Re-registering the same id replaces its handler.
func (m *Monitor) AddTransactionHandler(id HandlerID, fn func(domain.Transaction)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txHandlerIDs[id] = fn
}

// RemoveTransactionHandler unregisters the handler added under id.
func (m *Monitor) RemoveTransactionHandler(id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txHandlerIDs, id)
}

// AddOrderHandler registers fn under id, to be invoked whenever an
// associated order is mutated. Re-registering the same id replaces its
// handler.
func (m *Monitor) AddOrderHandler(id HandlerID, fn func(*domain.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orderHandlerID[id] = fn
}

// RemoveOrderHandler unregisters the handler added under id.
func (m *Monitor) RemoveOrderHandler(id HandlerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orderHandlerID, id)
}

// ClearHandlers drops every registered transaction and order handler.
func (m *Monitor) ClearHandlers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txHandlerIDs = make(map[HandlerID]func(domain.Transaction))
	m.orderHandlerID = make(map[HandlerID]func(*domain.Order))
}

func (m *Monitor) emitTransaction(tx domain.Transaction) {
	m.mu.Lock()
	handlers := make([]func(domain.Transaction), 0, len(m.txHandlerIDs))
	for _, fn := range m.txHandlerIDs {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(tx)
	}
}

func (m *Monitor) emitOrder(o *domain.Order) {
	m.mu.Lock()
	handlers := make([]func(*domain.Order), 0, len(m.orderHandlerID))
	for _, fn := range m.orderHandlerID {
		handlers = append(handlers, fn)
	}
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(o)
	}
}

// Stats returns a snapshot of the sweep counters, in the spirit of
// OrderMonitor.Stats().
func (m *Monitor) Stats() map[string]any {
	return map[string]any{
		"swept":                m.statsChecked,
		"expiry_sweep_sec":     expirySweepInterval.Seconds(),
		"association_window":  associationWindow.Seconds(),
		"expiry_warn_window":  expiryWarnWindow.Seconds(),
	}
}
