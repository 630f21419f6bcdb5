// Package recovery implements the Recovery Manager: a bounded,
// re-entry-guarded task that drains the provider's pending transactions
// into the Transaction Monitor and reconciles pending orders with the
// server.
package recovery

import (
	"context"
	"sync/atomic"

	"github.com/motafan/iapcore/internal/errs"
	"github.com/motafan/iapcore/internal/monitor"
	"github.com/motafan/iapcore/internal/order"
	"github.com/motafan/iapcore/internal/provideradapter"
	"github.com/motafan/iapcore/internal/stats"
	"github.com/motafan/iapcore/internal/tracing"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Result is the outcome of Run.
type Result struct {
	RecoveredCount int
}

// Manager is the Recovery Manager.
type Manager struct {
	adapter provideradapter.Adapter
	monitor *monitor.Monitor
	orders  *order.Service
	stats   *stats.Counters
	logger  *zap.Logger

	running atomic.Bool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger overrides the zap logger (defaults to a no-op logger).
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithStats attaches a statistics counter set.
func WithStats(c *stats.Counters) Option { return func(m *Manager) { m.stats = c } }

// New creates a Recovery Manager over the given adapter, Transaction
// Monitor and Order Service.
func New(adapter provideradapter.Adapter, mon *monitor.Monitor, orders *order.Service, opts ...Option) *Manager {
	m := &Manager{
		adapter: adapter,
		monitor: mon,
		orders:  orders,
		stats:   &stats.Counters{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run drains pending transactions and reconciles pending orders. A second
// call while one is already in flight returns
// errs.KindTransactionProcessingFailed rather than running concurrently
// (the "already_in_progress" sentinel).
func (m *Manager) Run(ctx context.Context) (Result, error) {
	if !m.running.CompareAndSwap(false, true) {
		return Result{}, errAlreadyInProgress
	}
	defer m.running.Store(false)

	tracer := tracing.GetTracer("iapcore/recovery")
	ctx, span := tracer.Start(ctx, "recovery.run")
	defer span.End()

	m.stats.IncRecoveryRun()

	pending, err := m.adapter.PendingTransactions(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, errs.Wrap(errs.KindTransactionProcessingFailed, "recovery: drain pending transactions", err)
	}
	for _, tx := range pending {
		m.monitor.Deliver(tx)
	}

	reconciled, err := m.orders.RecoverPendingOrders(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, errs.Wrap(errs.KindTransactionProcessingFailed, "recovery: recover pending orders", err)
	}

	n := len(pending) + len(reconciled)
	m.stats.AddRecoveryCount(int64(n))
	span.SetStatus(codes.Ok, "recovery completed")
	return Result{RecoveredCount: n}, nil
}

// errAlreadyInProgress is the re-entry guard's sentinel error.
var errAlreadyInProgress = errs.New(errs.KindTransactionProcessingFailed, "recovery already in progress")

// AlreadyInProgress reports whether err is the already_in_progress
// sentinel Run returns on re-entry.
func AlreadyInProgress(err error) bool { return err == errAlreadyInProgress }
