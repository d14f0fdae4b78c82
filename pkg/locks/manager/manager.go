package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"txnkv/pkg/locks"
	"txnkv/pkg/metrics"
	"txnkv/pkg/modules"
	"txnkv/pkg/txns"
)

// LockManager is the lock table. One latch guards every resource so the
// deadlock detector always sees a consistent wait-for graph.
type LockManager struct {
	ActiveLocks map[string]*locks.Lock
	// resources each txn holds a granted lock on
	holding map[uint64]map[string]struct{}
	// queued requests of each txn
	waiting map[uint64][]*locks.Request
	// causes of cancellations that happened before the txn started waiting
	cancelled map[uint64]error

	detector modules.DeadlockDetector
	latch    sync.Mutex
}

func NewLockManager() *LockManager {
	return &LockManager{
		ActiveLocks: map[string]*locks.Lock{},
		holding:     map[uint64]map[string]struct{}{},
		waiting:     map[uint64][]*locks.Request{},
		cancelled:   map[uint64]error{},
		latch:       sync.Mutex{},
	}
}

// SetDetector makes every queued request nudge the detector.
func (manager *LockManager) SetDetector(detector modules.DeadlockDetector) {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	manager.detector = detector
}

func (manager *LockManager) getLock(resource string) *locks.Lock {
	lock, ok := manager.ActiveLocks[resource]
	if !ok {
		lock = locks.NewLock(resource)
		manager.ActiveLocks[resource] = lock
	}
	return lock
}

func (manager *LockManager) markHolding(txnID uint64, resource string) {
	held, ok := manager.holding[txnID]
	if !ok {
		held = map[string]struct{}{}
		manager.holding[txnID] = held
	}
	held[resource] = struct{}{}
}

func (manager *LockManager) unmarkWaiting(task *locks.Request) {
	pending := manager.waiting[task.TxnID]
	for i, r := range pending {
		if r == task {
			pending = append(pending[:i], pending[i+1:]...)
			break
		}
	}
	if len(pending) == 0 {
		delete(manager.waiting, task.TxnID)
	} else {
		manager.waiting[task.TxnID] = pending
	}
}

// Request grants mode on resource right away when it is compatible with the
// other holders and with every queued request; otherwise the request is
// queued and false is returned. Wait blocks on the queued request.
func (manager *LockManager) Request(txnID uint64, resource string, mode locks.Mode) bool {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	return manager.request(txnID, resource, mode) == nil
}

func (manager *LockManager) request(txnID uint64, resource string, mode locks.Mode) *locks.Request {
	lock := manager.getLock(resource)

	upgrade := false
	if held, ok := lock.HeldBy(txnID); ok {
		if held.Covers(mode) {
			return nil
		}
		upgrade = true
		mode = locks.Combine(held, mode)
	}

	if lock.CanGrant(txnID, mode, upgrade) {
		lock.Grant(txnID, mode)
		manager.markHolding(txnID, resource)
		return nil
	}

	task := locks.NewRequest(txnID, resource, mode)
	task.Upgrade = upgrade
	lock.PushTask(task)
	manager.waiting[txnID] = append(manager.waiting[txnID], task)
	metrics.LockWaitCounter.WithLabelValues(mode.String()).Inc()
	if manager.detector != nil {
		manager.detector.Notify()
	}
	return task
}

// Wait blocks until every queued request of txnID is granted. On timeout or
// ctx cancellation the requests are withdrawn and ErrLockAcquisitionFailed is
// returned; a request cancelled by the detector or by an abort returns the
// cancellation cause.
func (manager *LockManager) Wait(ctx context.Context, txnID uint64, timeout time.Duration) error {
	manager.latch.Lock()
	pending := append([]*locks.Request(nil), manager.waiting[txnID]...)
	cause, cancelled := manager.cancelled[txnID]
	delete(manager.cancelled, txnID)
	manager.latch.Unlock()

	if cancelled {
		manager.withdraw(pending, cause, false)
		return waitError(cause, txnID)
	}
	if len(pending) == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		metrics.LockWaitDuration.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i, task := range pending {
		select {
		case err := <-task.Ready():
			if err != nil {
				manager.latch.Lock()
				delete(manager.cancelled, txnID)
				manager.latch.Unlock()
				manager.withdraw(pending[i+1:], err, false)
				return waitError(err, txnID)
			}
		case <-timer.C:
			if manager.withdraw(pending[i:], txns.ErrLockAcquisitionFailed, false) {
				return errors.Annotatef(txns.ErrLockAcquisitionFailed,
					"txn %d timed out after %v waiting for %v on %q", txnID, timeout, task.Mode, task.Resource)
			}
			if err := manager.settle(pending[i:]); err != nil {
				return waitError(err, txnID)
			}
			return nil
		case <-ctx.Done():
			if manager.withdraw(pending[i:], txns.ErrLockAcquisitionFailed, false) {
				return errors.Annotatef(txns.ErrLockAcquisitionFailed,
					"txn %d waiting for %v on %q: %v", txnID, task.Mode, task.Resource, ctx.Err())
			}
			if err := manager.settle(pending[i:]); err != nil {
				return waitError(err, txnID)
			}
			return nil
		}
	}
	return nil
}

// settle resolves requests that already left their queues when the waiter
// gave up: nil if all were granted, otherwise the cause they were woken with.
func (manager *LockManager) settle(tasks []*locks.Request) error {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	for _, task := range tasks {
		if task.Granted {
			continue
		}
		select {
		case err := <-task.Ready():
			if err != nil {
				delete(manager.cancelled, task.TxnID)
				return err
			}
		default:
		}
		return txns.ErrLockAcquisitionFailed
	}
	return nil
}

func waitError(cause error, txnID uint64) error {
	if cause == txns.ErrDeadlock {
		return errors.Annotatef(txns.ErrLockAcquisitionFailed, "txn %d chosen as deadlock victim", txnID)
	}
	return errors.Annotatef(cause, "txn %d waiting for lock", txnID)
}

// Acquire is Request followed by Wait.
func (manager *LockManager) Acquire(ctx context.Context, txnID uint64, resource string, mode locks.Mode, timeout time.Duration) error {
	if manager.Request(txnID, resource, mode) {
		return nil
	}
	return manager.Wait(ctx, txnID, timeout)
}

// withdraw unlinks the requests that are still queued and wakes them with
// cause. It reports whether any of them had not been granted yet. With
// remember set, a later Wait of the owner returns cause even if it starts
// after the withdrawal.
func (manager *LockManager) withdraw(tasks []*locks.Request, cause error, remember bool) bool {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	withdrawn := false
	touched := map[string]*locks.Lock{}
	for _, task := range tasks {
		if task.Granted {
			continue
		}
		lock := manager.ActiveLocks[task.Resource]
		if lock == nil || !lock.CancelTask(task) {
			continue
		}
		withdrawn = true
		if remember {
			manager.cancelled[task.TxnID] = cause
		}
		manager.unmarkWaiting(task)
		task.Wake(cause)
		touched[task.Resource] = lock
	}
	manager.promote(touched)
	return withdrawn
}

// promote grants whatever became grantable on the touched resources and
// drops idle locks. Caller holds the latch.
func (manager *LockManager) promote(touched map[string]*locks.Lock) {
	resources := make([]string, 0, len(touched))
	for resource := range touched {
		resources = append(resources, resource)
	}
	sort.Strings(resources)

	for _, resource := range resources {
		lock := touched[resource]
		for _, task := range lock.Promote() {
			manager.unmarkWaiting(task)
			manager.markHolding(task.TxnID, resource)
			task.Wake(nil)
		}
		if lock.Idle() {
			delete(manager.ActiveLocks, resource)
		}
	}
}

// ReleaseAll drops every lock and queued request of txnID and hands the freed
// resources to their waiters in FIFO order.
func (manager *LockManager) ReleaseAll(txnID uint64) {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	touched := map[string]*locks.Lock{}
	delete(manager.cancelled, txnID)
	for _, task := range manager.waiting[txnID] {
		if lock := manager.ActiveLocks[task.Resource]; lock != nil && lock.CancelTask(task) {
			touched[task.Resource] = lock
		}
		task.Wake(txns.ErrAborted)
		// the owner may be between Request and Wait
		manager.cancelled[txnID] = txns.ErrAborted
	}
	delete(manager.waiting, txnID)

	for resource := range manager.holding[txnID] {
		if lock := manager.ActiveLocks[resource]; lock != nil && lock.Release(txnID) {
			touched[resource] = lock
		}
	}
	delete(manager.holding, txnID)

	manager.promote(touched)
}

// Forget drops a cancellation remembered for txnID. A txn that has finished
// never waits again.
func (manager *LockManager) Forget(txnID uint64) {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	delete(manager.cancelled, txnID)
}

// Cancel withdraws the queued requests of txnID and wakes its waiter with
// cause. Granted locks are kept until the txn releases them.
func (manager *LockManager) Cancel(txnID uint64, cause error) bool {
	manager.latch.Lock()
	pending := append([]*locks.Request(nil), manager.waiting[txnID]...)
	manager.latch.Unlock()

	return manager.withdraw(pending, cause, true)
}

// Holds reports whether txnID holds a mode on resource that covers mode.
func (manager *LockManager) Holds(txnID uint64, resource string, mode locks.Mode) bool {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	lock, ok := manager.ActiveLocks[resource]
	if !ok {
		return false
	}
	held, ok := lock.HeldBy(txnID)
	return ok && held.Covers(mode)
}

// IsWaiting reports whether txnID has a queued request.
func (manager *LockManager) IsWaiting(txnID uint64) bool {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	return len(manager.waiting[txnID]) != 0
}

// WaitForGraph maps every waiting txn to the txns it waits for.
func (manager *LockManager) WaitForGraph() map[uint64][]uint64 {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	graph := map[uint64][]uint64{}
	for _, lock := range manager.ActiveLocks {
		for _, task := range lock.Waiters() {
			blockers := lock.Blockers(task)
			if len(blockers) == 0 {
				continue
			}
			graph[task.TxnID] = mergeSorted(graph[task.TxnID], blockers)
		}
	}
	return graph
}

func mergeSorted(a, b []uint64) []uint64 {
	set := map[uint64]struct{}{}
	for _, id := range a {
		set[id] = struct{}{}
	}
	for _, id := range b {
		set[id] = struct{}{}
	}
	return sortedIDs(set)
}

// GetActiveLocks returns the resources that currently have holders or waiters.
func (manager *LockManager) GetActiveLocks() (res []string) {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	for resource := range manager.ActiveLocks {
		res = append(res, resource)
	}
	sort.Strings(res)
	return
}
