package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/errors"
	"txnkv/pkg/config"
	"txnkv/pkg/locks"
	lockmanager "txnkv/pkg/locks/manager"
	"txnkv/pkg/logger"
	"txnkv/pkg/metrics"
	"txnkv/pkg/modules"
	"txnkv/pkg/tso"
	"txnkv/pkg/txns"
	valuemanager "txnkv/pkg/values/manager"
)

type TxnManager struct {
	Oracle       tso.Oracle
	ValueManager *valuemanager.ValueManager
	LockManager  *lockmanager.LockManager
	Log          modules.DurableLog
	GC           modules.GarbageCollector

	ActiveTxns  map[uint64]*txns.Txn
	lockTimeout time.Duration
	latch       sync.Mutex

	// commitLatch orders validation, commit timestamps, publishing and
	// snapshot draws.
	history     history
	commitLatch sync.Mutex
}

func NewTxnManager(valueManager *valuemanager.ValueManager, lockManager *lockmanager.LockManager,
	oracle tso.Oracle, log modules.DurableLog, conf *config.Config) *TxnManager {
	return &TxnManager{
		Oracle:       oracle,
		ValueManager: valueManager,
		LockManager:  lockManager,
		Log:          log,
		ActiveTxns:   map[uint64]*txns.Txn{},
		lockTimeout:  conf.LockWaitTimeout.Duration,
	}
}

func (manager *TxnManager) SetGC(gc modules.GarbageCollector) {
	manager.GC = gc
}

// Begin starts a txn whose id is also its snapshot timestamp. The draw happens
// under the commit latch, so a snapshot never lands between the timestamp of
// a commit and the installation of its versions.
func (manager *TxnManager) Begin(isolation txns.IsolationLevel) *txns.Txn {
	manager.commitLatch.Lock()
	defer manager.commitLatch.Unlock()
	manager.latch.Lock()
	defer manager.latch.Unlock()

	txn := txns.NewTxn(manager.Oracle.Next(), isolation)
	manager.ActiveTxns[txn.ID] = txn
	return txn
}

func (manager *TxnManager) GetTxn(txnID uint64) *txns.Txn {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	return manager.ActiveTxns[txnID]
}

func (manager *TxnManager) GetActiveTxns() (res []*txns.Txn) {
	manager.latch.Lock()
	defer manager.latch.Unlock()
	for _, txn := range manager.ActiveTxns {
		res = append(res, txn)
	}
	return
}

// OldestSnapshot is the smallest snapshot of a registered txn, or the next
// timestamp when nothing is running.
func (manager *TxnManager) OldestSnapshot() uint64 {
	manager.latch.Lock()
	defer manager.latch.Unlock()

	oldest := manager.Oracle.Current() + 1
	for _, txn := range manager.ActiveTxns {
		if txn.SnapshotTS < oldest {
			oldest = txn.SnapshotTS
		}
	}
	return oldest
}

func (manager *TxnManager) PruneCommitted(before uint64) int {
	manager.commitLatch.Lock()
	defer manager.commitLatch.Unlock()
	return manager.history.prune(before)
}

// lock blocks until txn holds mode on resource. Any failure aborts txn.
func (manager *TxnManager) lock(ctx context.Context, txn *txns.Txn, resource string, mode locks.Mode) error {
	txn.Latch.Lock()
	err := txn.CheckActive()
	txn.Latch.Unlock()
	if err != nil {
		return err
	}

	if err := manager.LockManager.Acquire(ctx, txn.ID, resource, mode, manager.lockTimeout); err != nil {
		manager.Abort(txn)
		return err
	}

	// an abort that lands before the wait starts leaves nothing to wait on
	txn.Latch.Lock()
	aborted := txn.State == txns.Aborted
	txn.Latch.Unlock()
	if aborted {
		manager.LockManager.ReleaseAll(txn.ID)
		manager.LockManager.Forget(txn.ID)
		return errors.Annotatef(txns.ErrAborted, "txn %d waiting for lock on %q", txn.ID, resource)
	}
	return nil
}

// whileActive runs fn under the txn latch if txn is still active. A txn that
// was finished while its lock was being granted drops whatever it got.
func (manager *TxnManager) whileActive(txn *txns.Txn, fn func() error) error {
	txn.Latch.Lock()
	defer txn.Latch.Unlock()
	if err := txn.CheckActive(); err != nil {
		manager.LockManager.ReleaseAll(txn.ID)
		return err
	}
	return fn()
}

// Read returns the value of key visible to txn. Repeatable read and above
// hold a shared lock on the key until the txn ends.
func (manager *TxnManager) Read(ctx context.Context, txn *txns.Txn, key string) (val []byte, found bool, err error) {
	if txn.Isolation.NeedsReadLock() {
		if err = manager.lock(ctx, txn, key, locks.S); err != nil {
			return nil, false, err
		}
	}
	err = manager.whileActive(txn, func() error {
		val, found = manager.ValueManager.Read(key, txn)
		return nil
	})
	return
}

func (manager *TxnManager) Write(ctx context.Context, txn *txns.Txn, key string, val []byte) error {
	if err := manager.lock(ctx, txn, key, locks.X); err != nil {
		return err
	}
	return manager.whileActive(txn, func() error {
		return manager.ValueManager.Write(key, val, txn)
	})
}

func (manager *TxnManager) Delete(ctx context.Context, txn *txns.Txn, key string) error {
	if err := manager.lock(ctx, txn, key, locks.X); err != nil {
		return err
	}
	return manager.whileActive(txn, func() error {
		return manager.ValueManager.Delete(key, txn)
	})
}

// Scan returns up to limit visible pairs with key >= start. Repeatable read
// and above lock every returned key in S mode.
func (manager *TxnManager) Scan(ctx context.Context, txn *txns.Txn, start string, limit int) ([]valuemanager.KV, error) {
	var kvs []valuemanager.KV
	err := manager.whileActive(txn, func() error {
		kvs = manager.ValueManager.Scan(start, limit, txn)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if txn.Isolation.NeedsReadLock() {
		for _, kv := range kvs {
			if err := manager.lock(ctx, txn, kv.Key, locks.S); err != nil {
				return nil, err
			}
		}
		if err := manager.whileActive(txn, func() error { return nil }); err != nil {
			return nil, err
		}
	}
	return kvs, nil
}

// LockIntention takes a coarse lock (a table, a key range) in any mode. It is
// held until the txn ends.
func (manager *TxnManager) LockIntention(ctx context.Context, txn *txns.Txn, resource string, mode locks.Mode) error {
	if err := manager.lock(ctx, txn, resource, mode); err != nil {
		return err
	}
	return manager.whileActive(txn, func() error { return nil })
}

// validate implements first-committer-wins against every txn that committed
// after the snapshot of txn. Caller holds txn.Latch and commitLatch.
func (manager *TxnManager) validate(txn *txns.Txn) error {
	if !txn.Isolation.NeedsValidation() {
		return nil
	}
	for _, record := range manager.history.after(txn.SnapshotTS) {
		if txn.ConflictsWith(record.WriteSet) {
			return errors.Annotatef(txns.ErrConflict,
				"txn %d (snapshot %d) conflicts with commit at %d", txn.ID, txn.SnapshotTS, record.CommitTS)
		}
	}
	return nil
}

// Prepare validates txn as Commit would and parks it in PREPARED. A prepared
// txn keeps its locks and commits without validating again.
func (manager *TxnManager) Prepare(txn *txns.Txn) error {
	txn.Latch.Lock()
	if err := txn.CheckActive(); err != nil {
		txn.Latch.Unlock()
		return err
	}

	manager.commitLatch.Lock()
	err := manager.validate(txn)
	manager.commitLatch.Unlock()
	if err != nil {
		manager.ValueManager.Discard(txn)
		_ = txn.Transit(txns.Aborted)
		txn.Latch.Unlock()
		manager.finish(txn, metrics.OutcomeConflict)
		logger.Inst.Infow("prepare failed validation", "txn", txn.ID, "err", err)
		return err
	}

	err = txn.Transit(txns.Prepared)
	txn.Latch.Unlock()
	return err
}

// Commit validates, stamps and publishes txn. A conflict or a durable log
// failure aborts it instead.
func (manager *TxnManager) Commit(txn *txns.Txn) error {
	txn.Latch.Lock()
	if state := txn.State; state != txns.Active && state != txns.Prepared {
		txn.Latch.Unlock()
		return errors.Annotatef(txns.ErrInvalidTransactionState, "commit txn %d: %v", txn.ID, state)
	}

	manager.commitLatch.Lock()
	outcome := metrics.OutcomeCommitted
	var err error
	if txn.State == txns.Active {
		err = manager.validate(txn)
		if err != nil {
			outcome = metrics.OutcomeConflict
		}
	}
	if err == nil {
		txn.CommitTS = manager.Oracle.Next()
		if err = manager.ValueManager.Publish(txn, manager.Log); err != nil {
			outcome = metrics.OutcomeAborted
			txn.CommitTS = 0
		} else {
			manager.history.append(txn.CommitTS, txn.WriteSet)
		}
	}
	manager.commitLatch.Unlock()

	if err != nil {
		manager.ValueManager.Discard(txn)
		_ = txn.Transit(txns.Aborted)
		txn.Latch.Unlock()
		manager.finish(txn, outcome)
		logger.Inst.Warnw("commit failed, txn aborted", "txn", txn.ID, "err", err)
		return err
	}

	_ = txn.Transit(txns.Committed)
	txn.Latch.Unlock()
	manager.finish(txn, outcome)
	if manager.GC != nil {
		manager.GC.Notify()
	}
	return nil
}

// Abort rolls txn back and releases its locks. Finished txns are left alone.
func (manager *TxnManager) Abort(txn *txns.Txn) {
	txn.Latch.Lock()
	if txn.State.IsTerminal() {
		txn.Latch.Unlock()
		return
	}
	manager.ValueManager.Discard(txn)
	_ = txn.Transit(txns.Aborted)
	txn.Latch.Unlock()
	manager.finish(txn, metrics.OutcomeAborted)
}

func (manager *TxnManager) finish(txn *txns.Txn, outcome string) {
	manager.LockManager.ReleaseAll(txn.ID)
	manager.latch.Lock()
	delete(manager.ActiveTxns, txn.ID)
	manager.latch.Unlock()
	manager.LockManager.Forget(txn.ID)
	metrics.TxnCounter.WithLabelValues(outcome).Inc()
}
