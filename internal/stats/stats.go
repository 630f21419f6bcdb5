// Package stats implements plain atomic counters for purchases, receipt
// validation, recovery runs, and retries, snapshotted on read. No metrics
// exporter is wired; callers that need one can read Snapshot and export it
// themselves.
package stats

import "sync/atomic"

// Counters are the core's running counters.
type Counters struct {
	purchasesAttempted  int64
	purchasesSucceeded  int64
	purchasesFailed     int64
	purchasesCancelled  int64
	receiptsValidated   int64
	receiptsRejected    int64
	recoveryRuns        int64
	recoveryCount       int64
	retryAttemptsIssued int64
}

// Snapshot is a point-in-time read of Counters.
type Snapshot struct {
	PurchasesAttempted  int64
	PurchasesSucceeded  int64
	PurchasesFailed     int64
	PurchasesCancelled  int64
	ReceiptsValidated   int64
	ReceiptsRejected    int64
	RecoveryRuns        int64
	RecoveryCount       int64
	RetryAttemptsIssued int64
}

func (c *Counters) IncPurchaseAttempted() { atomic.AddInt64(&c.purchasesAttempted, 1) }
func (c *Counters) IncPurchaseSucceeded() { atomic.AddInt64(&c.purchasesSucceeded, 1) }
func (c *Counters) IncPurchaseFailed()    { atomic.AddInt64(&c.purchasesFailed, 1) }
func (c *Counters) IncPurchaseCancelled() { atomic.AddInt64(&c.purchasesCancelled, 1) }
func (c *Counters) IncReceiptValidated()  { atomic.AddInt64(&c.receiptsValidated, 1) }
func (c *Counters) IncReceiptRejected()   { atomic.AddInt64(&c.receiptsRejected, 1) }
func (c *Counters) IncRecoveryRun()       { atomic.AddInt64(&c.recoveryRuns, 1) }
func (c *Counters) AddRecoveryCount(n int64) { atomic.AddInt64(&c.recoveryCount, n) }
// IncRetryAttempt counts one retry attempt. No component of this module
// calls it, so RetryAttemptsIssued reads zero in a Manager's snapshot.
func (c *Counters) IncRetryAttempt()      { atomic.AddInt64(&c.retryAttemptsIssued, 1) }

// Snapshot reads all counters at once.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		PurchasesAttempted:  atomic.LoadInt64(&c.purchasesAttempted),
		PurchasesSucceeded:  atomic.LoadInt64(&c.purchasesSucceeded),
		PurchasesFailed:     atomic.LoadInt64(&c.purchasesFailed),
		PurchasesCancelled:  atomic.LoadInt64(&c.purchasesCancelled),
		ReceiptsValidated:   atomic.LoadInt64(&c.receiptsValidated),
		ReceiptsRejected:    atomic.LoadInt64(&c.receiptsRejected),
		RecoveryRuns:        atomic.LoadInt64(&c.recoveryRuns),
		RecoveryCount:       atomic.LoadInt64(&c.recoveryCount),
		RetryAttemptsIssued: atomic.LoadInt64(&c.retryAttemptsIssued),
	}
}
