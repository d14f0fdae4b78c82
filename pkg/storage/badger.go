package storage

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/errors"
	"go.uber.org/zap"
	"txnkv/pkg/logger"
	"txnkv/pkg/values"
)

// BadgerLog keeps every committed version in a Badger database, keyed by
// user key and commit timestamp.
type BadgerLog struct {
	db *badger.DB
}

// badgerLogger routes Badger's own logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// OpenBadgerLog opens or creates the log under dir. An empty dir keeps the
// log in memory.
func OpenBadgerLog(dir string, syncWrites bool) (*BadgerLog, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(syncWrites).
		WithLogger(badgerLogger{logger.Inst.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger log at %q", dir)
	}
	return &BadgerLog{db: db}, nil
}

func (l *BadgerLog) Append(key string, version values.Version) error {
	return l.AppendBatch([]string{key}, []values.Version{version})
}

// AppendBatch writes all versions in one Badger transaction.
func (l *BadgerLog) AppendBatch(keys []string, versions []values.Version) error {
	err := l.db.Update(func(txn *badger.Txn) error {
		for i, key := range keys {
			if err := txn.Set(EncodeKey(key, versions[i].StartTime), EncodeValue(versions[i])); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Trace(err)
}

// Replay calls fn for every logged version. The versions of one key arrive
// in commit order.
func (l *BadgerLog) Replay(fn func(key string, version values.Version) error) error {
	return l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key, commitTS, err := DecodeKey(item.KeyCopy(nil))
			if err != nil {
				return err
			}
			var version values.Version
			err = item.Value(func(val []byte) error {
				version, err = DecodeValue(key, commitTS, val)
				return err
			})
			if err != nil {
				return err
			}
			if err := fn(key, version); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	})
}

func (l *BadgerLog) Close() error {
	return errors.Trace(l.db.Close())
}

// NopLog accepts everything and keeps nothing.
type NopLog struct{}

func (NopLog) Append(string, values.Version) error {
	return nil
}
