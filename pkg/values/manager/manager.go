package manager

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash"
	"github.com/google/btree"
	"github.com/pingcap/errors"
	"txnkv/pkg/modules"
	"txnkv/pkg/txns"
	"txnkv/pkg/values"
)

const indexDegree = 32

type shard struct {
	chains map[string]*values.Chain
	latch  sync.RWMutex
}

// ValueManager is the version store: per-key chains spread over shards by key
// hash, plus an ordered index of every live key for scans.
type ValueManager struct {
	shards []*shard
	mask   uint64

	index      *btree.BTreeG[string]
	indexLatch sync.RWMutex
}

// NewValueManager creates a store with shardCount shards; shardCount must be
// a power of two.
func NewValueManager(shardCount int) *ValueManager {
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = &shard{chains: map[string]*values.Chain{}}
	}
	return &ValueManager{
		shards: shards,
		mask:   uint64(shardCount - 1),
		index:  btree.NewG[string](indexDegree, func(a, b string) bool { return a < b }),
	}
}

func (m *ValueManager) shardOf(key string) *shard {
	return m.shards[xxhash.Sum64String(key)&m.mask]
}

func (m *ValueManager) GetChain(key string) *values.Chain {
	s := m.shardOf(key)
	s.latch.RLock()
	defer s.latch.RUnlock()
	return s.chains[key]
}

func (m *ValueManager) mustGetChain(key string) *values.Chain {
	if chain := m.GetChain(key); chain != nil {
		return chain
	}

	s := m.shardOf(key)
	s.latch.Lock()
	defer s.latch.Unlock()
	chain, ok := s.chains[key]
	if !ok {
		chain = values.NewChain(key)
		s.chains[key] = chain
		// shard latch before index latch, same as Vacuum
		m.indexLatch.Lock()
		m.index.ReplaceOrInsert(key)
		m.indexLatch.Unlock()
	}
	return chain
}

// Read returns the value txn sees for key and records the read.
func (m *ValueManager) Read(key string, txn *txns.Txn) ([]byte, bool) {
	txn.SetReading(key)

	chain := m.GetChain(key)
	if chain == nil {
		return nil, false
	}
	version, ok := chain.Traverse(txn.ID, txn.SnapshotTS, txn.Isolation.AllowsDirtyRead())
	if !ok || version.Deleted {
		return nil, false
	}
	return version.Val, true
}

func (m *ValueManager) Write(key string, val []byte, txn *txns.Txn) error {
	return m.put(key, val, false, txn)
}

// Delete writes a tombstone.
func (m *ValueManager) Delete(key string, txn *txns.Txn) error {
	return m.put(key, nil, true, txn)
}

func (m *ValueManager) put(key string, val []byte, deleted bool, txn *txns.Txn) error {
	for {
		chain := m.mustGetChain(key)
		_, err := chain.Append(txn.ID, txn.SnapshotTS, val, deleted)
		if err == values.ErrChainRemoved {
			continue
		}
		if err != nil {
			return errors.Trace(err)
		}
		txn.SetWriting(key)
		return nil
	}
}

// Publish persists every tentative version of txn at txn.CommitTS and then
// installs them. If the log rejects any version nothing is installed. A
// BatchLog receives the whole commit in one call.
func (m *ValueManager) Publish(txn *txns.Txn, log modules.DurableLog) error {
	keys := sortedKeys(txn.WriteSet)
	chains := make([]*values.Chain, 0, len(keys))
	written := make([]string, 0, len(keys))
	versions := make([]values.Version, 0, len(keys))
	for _, key := range keys {
		chain := m.GetChain(key)
		if chain == nil {
			continue
		}
		version, ok := chain.Tentative(txn.ID)
		if !ok {
			continue
		}
		version.StartTime = txn.CommitTS
		version.EndTime = values.Infinite
		version.Committed = true
		chains = append(chains, chain)
		written = append(written, key)
		versions = append(versions, version)
	}

	if batch, ok := log.(modules.BatchLog); ok && len(versions) != 0 {
		if err := batch.AppendBatch(written, versions); err != nil {
			return errors.Annotatef(err, "persist %d keys of txn %d", len(written), txn.ID)
		}
	} else {
		for i, key := range written {
			if err := log.Append(key, versions[i]); err != nil {
				return errors.Annotatef(err, "persist key %q of txn %d", key, txn.ID)
			}
		}
	}

	for _, chain := range chains {
		chain.Install(txn.ID, txn.CommitTS)
	}
	return nil
}

// Discard rolls back every tentative version of txn.
func (m *ValueManager) Discard(txn *txns.Txn) {
	for key := range txn.WriteSet {
		if chain := m.GetChain(key); chain != nil {
			chain.Rollback(txn.ID)
		}
	}
}

// Restore installs a committed version replayed from the durable log.
func (m *ValueManager) Restore(key string, version values.Version) {
	m.mustGetChain(key).Restore(version.Val, version.Deleted, version.WriterTxn, version.StartTime)
}

type KV struct {
	Key string
	Val []byte
}

// Scan returns up to limit values visible to txn with key >= start, in key
// order. Every returned key is added to the read set.
func (m *ValueManager) Scan(start string, limit int, txn *txns.Txn) []KV {
	var res []KV
	for _, key := range m.Keys(start, limit, txn) {
		if val, ok := m.Read(key, txn); ok {
			res = append(res, KV{Key: key, Val: val})
		}
	}
	return res
}

// Keys returns up to limit keys >= start that hold a version visible to txn.
func (m *ValueManager) Keys(start string, limit int, txn *txns.Txn) []string {
	if limit <= 0 {
		return nil
	}

	var res []string
	dirty := txn.Isolation.AllowsDirtyRead()
	cursor, inclusive := start, true
	for len(res) < limit {
		batch := m.indexBatch(cursor, inclusive, limit)
		if len(batch) == 0 {
			break
		}
		for _, key := range batch {
			if len(res) >= limit {
				break
			}
			chain := m.GetChain(key)
			if chain == nil {
				continue
			}
			if version, ok := chain.Traverse(txn.ID, txn.SnapshotTS, dirty); ok && !version.Deleted {
				res = append(res, key)
			}
		}
		cursor, inclusive = batch[len(batch)-1], false
	}
	return res
}

// indexBatch copies up to n keys from the index starting at cursor. Chains are
// looked up after the index latch is released.
func (m *ValueManager) indexBatch(cursor string, inclusive bool, n int) []string {
	batch := make([]string, 0, n)
	m.indexLatch.RLock()
	defer m.indexLatch.RUnlock()
	m.index.AscendGreaterOrEqual(cursor, func(key string) bool {
		if !inclusive && key == cursor {
			return true
		}
		batch = append(batch, key)
		return len(batch) < n
	})
	return batch
}

func (m *ValueManager) Vacuum(minTS uint64) int {
	collected := 0
	for _, s := range m.shards {
		var removed []string
		s.latch.Lock()
		for key, chain := range s.chains {
			n, empty := chain.Truncate(minTS)
			collected += n
			if empty {
				delete(s.chains, key)
				removed = append(removed, key)
			}
		}
		if len(removed) != 0 {
			m.indexLatch.Lock()
			for _, key := range removed {
				m.index.Delete(key)
			}
			m.indexLatch.Unlock()
		}
		s.latch.Unlock()
	}
	return collected
}

// Len is the number of keys with a chain.
func (m *ValueManager) Len() int {
	m.indexLatch.RLock()
	defer m.indexLatch.RUnlock()
	return m.index.Len()
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
