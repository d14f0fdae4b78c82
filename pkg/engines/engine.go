package engines

import (
	"context"
	"sync"

	"github.com/pingcap/errors"
	"txnkv/pkg/config"
	"txnkv/pkg/gc"
	"txnkv/pkg/locks/manager"
	"txnkv/pkg/logger"
	"txnkv/pkg/modules"
	"txnkv/pkg/storage"
	"txnkv/pkg/tso"
	"txnkv/pkg/twopc"
	"txnkv/pkg/txns"
	txnmanager "txnkv/pkg/txns/manager"
	"txnkv/pkg/values"
	valuemanager "txnkv/pkg/values/manager"
)

type Engine struct {
	Conf         *config.Config
	Oracle       *tso.Counter
	ValueManager *valuemanager.ValueManager
	LockManager  *manager.LockManager
	Detector     *manager.DeadlockDetector
	Collector    *gc.GarbageCollector
	TxnManager   *txnmanager.TxnManager

	badgerLog *storage.BadgerLog
	cancel    context.CancelFunc
	running   sync.WaitGroup
}

// NewEngine wires every component together. With conf.DataDir set the
// committed history is replayed from the Badger log first and the clock
// resumes after the newest replayed commit.
func NewEngine(conf *config.Config) (*Engine, error) {
	if err := conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if err := logger.Init(conf.LogLevel); err != nil {
		return nil, errors.Annotatef(err, "log level %q", conf.LogLevel)
	}

	e := &Engine{
		Conf:         conf,
		Oracle:       tso.NewCounter(0),
		ValueManager: valuemanager.NewValueManager(conf.Shards),
		LockManager:  manager.NewLockManager(),
	}

	var log modules.DurableLog = storage.NopLog{}
	if conf.DataDir != "" {
		badgerLog, err := storage.OpenBadgerLog(conf.DataDir, conf.SyncWrites)
		if err != nil {
			return nil, err
		}
		if err := e.replay(badgerLog); err != nil {
			_ = badgerLog.Close()
			return nil, err
		}
		e.badgerLog = badgerLog
		log = badgerLog
	}

	e.Detector = manager.NewDeadlockDetector(e.LockManager, conf.DeadlockDetectInterval.Duration, conf.DetectOnBlock)
	e.LockManager.SetDetector(e.Detector)
	e.TxnManager = txnmanager.NewTxnManager(e.ValueManager, e.LockManager, e.Oracle, log, conf)
	e.Collector = gc.NewGarbageCollector(e.TxnManager, e.ValueManager, conf.GCInterval.Duration)
	e.TxnManager.SetGC(e.Collector)
	return e, nil
}

func (e *Engine) replay(log *storage.BadgerLog) error {
	count, maxTS := 0, uint64(0)
	err := log.Replay(func(key string, version values.Version) error {
		e.ValueManager.Restore(key, version)
		if version.StartTime > maxTS {
			maxTS = version.StartTime
		}
		count++
		return nil
	})
	if err != nil {
		return errors.Annotatef(err, "replay %s", e.Conf.DataDir)
	}
	e.Oracle.Advance(maxTS)
	logger.Inst.Infow("replayed durable log", "dir", e.Conf.DataDir, "versions", count, "max-ts", maxTS)
	return nil
}

// Run starts the deadlock detector and the garbage collector. They stop on
// Close or when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) *Engine {
	ctx, e.cancel = context.WithCancel(ctx)
	e.running.Add(2)
	go func() {
		defer e.running.Done()
		e.Detector.Run(ctx)
	}()
	go func() {
		defer e.running.Done()
		e.Collector.Run(ctx)
	}()
	return e
}

func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.running.Wait()
	if e.badgerLog != nil {
		return e.badgerLog.Close()
	}
	return nil
}

func (e *Engine) Begin(isolation txns.IsolationLevel) *txns.Txn {
	return e.TxnManager.Begin(isolation)
}

func (e *Engine) Get(ctx context.Context, txn *txns.Txn, key string) ([]byte, bool, error) {
	return e.TxnManager.Read(ctx, txn, key)
}

func (e *Engine) Put(ctx context.Context, txn *txns.Txn, key string, val []byte) error {
	return e.TxnManager.Write(ctx, txn, key, val)
}

func (e *Engine) Del(ctx context.Context, txn *txns.Txn, key string) error {
	return e.TxnManager.Delete(ctx, txn, key)
}

func (e *Engine) Scan(ctx context.Context, txn *txns.Txn, start string, limit int) ([]valuemanager.KV, error) {
	return e.TxnManager.Scan(ctx, txn, start, limit)
}

func (e *Engine) Commit(txn *txns.Txn) error {
	return e.TxnManager.Commit(txn)
}

func (e *Engine) Abort(txn *txns.Txn) {
	e.TxnManager.Abort(txn)
}

func (e *Engine) NewCoordinator() *twopc.Coordinator {
	return twopc.NewCoordinator()
}

func (e *Engine) Participant(name string, txn *txns.Txn) twopc.Participant {
	return e.TxnManager.Participant(name, txn)
}

// GetVersions returns the version chain of key, oldest first.
func (e *Engine) GetVersions(key string) []values.Version {
	chain := e.ValueManager.GetChain(key)
	if chain == nil {
		return nil
	}
	return chain.Versions()
}
