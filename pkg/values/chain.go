package values

import (
	"sync"

	"github.com/pingcap/errors"
)

// ErrChainRemoved is returned by writes racing with the garbage collector
// dropping the chain. The caller looks the key up again.
var ErrChainRemoved = errors.New("version chain removed")

// Chain holds the versions of one key ordered from oldest to newest. Only the
// tail can be tentative: writers hold an exclusive lock on the key.
type Chain struct {
	Key      string
	versions []*Version
	removed  bool
	Latch    sync.Mutex
}

func NewChain(key string) *Chain {
	return &Chain{Key: key}
}

func (c *Chain) tail() *Version {
	if len(c.versions) == 0 {
		return nil
	}
	return c.versions[len(c.versions)-1]
}

// Traverse returns the version visible to txnID at snapshot. Tentative versions
// are seen by their writer and by dirty readers only; everyone else treats the
// committed predecessor of a tentative version as still open.
func (c *Chain) Traverse(txnID uint64, snapshot uint64, dirty bool) (Version, bool) {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	n := len(c.versions)
	for i := n - 1; i >= 0; i-- {
		v := c.versions[i]
		if !v.Committed {
			if (dirty || v.WriterTxn == txnID) && v.IsVisible(snapshot) {
				return *v, true
			}
			continue
		}

		end := v.EndTime
		if i+1 < n {
			next := c.versions[i+1]
			if !next.Committed && !dirty && next.WriterTxn != txnID {
				end = Infinite
			}
		}
		if v.StartTime <= snapshot && snapshot < end {
			return *v, true
		}
	}
	return Version{}, false
}

// Append writes a tentative version for txnID, or overwrites the one it
// already has. It reports whether a new version was created.
func (c *Chain) Append(txnID uint64, snapshot uint64, val []byte, deleted bool) (bool, error) {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	if c.removed {
		return false, ErrChainRemoved
	}

	tail := c.tail()
	if tail != nil && !tail.Committed {
		if tail.WriterTxn != txnID {
			return false, errors.Errorf("key %q already has a tentative version of txn %d", c.Key, tail.WriterTxn)
		}
		tail.Val = val
		tail.Deleted = deleted
		return false, nil
	}

	version := NewVersion(c.Key, val, txnID, snapshot)
	version.Deleted = deleted
	if tail != nil {
		tail.EndTime = snapshot
	}
	c.versions = append(c.versions, version)
	return true, nil
}

// Tentative returns a copy of txnID's uncommitted version.
func (c *Chain) Tentative(txnID uint64) (Version, bool) {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	tail := c.tail()
	if tail == nil || tail.Committed || tail.WriterTxn != txnID {
		return Version{}, false
	}
	return *tail, true
}

// Install finalizes txnID's tentative version at commitTS and closes the
// predecessor at the same timestamp.
func (c *Chain) Install(txnID uint64, commitTS uint64) bool {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	n := len(c.versions)
	tail := c.tail()
	if tail == nil || tail.Committed || tail.WriterTxn != txnID {
		return false
	}

	tail.StartTime = commitTS
	tail.EndTime = Infinite
	tail.Committed = true
	if n > 1 {
		c.versions[n-2].EndTime = commitTS
	}
	return true
}

// Rollback drops txnID's tentative version and reopens the predecessor.
func (c *Chain) Rollback(txnID uint64) bool {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	n := len(c.versions)
	tail := c.tail()
	if tail == nil || tail.Committed || tail.WriterTxn != txnID {
		return false
	}

	c.versions[n-1] = nil
	c.versions = c.versions[:n-1]
	if n > 1 {
		c.versions[n-2].EndTime = Infinite
	}
	return true
}

// Restore appends an already committed version, used when replaying the
// durable log. Versions must be restored in commit order.
func (c *Chain) Restore(val []byte, deleted bool, writer uint64, commitTS uint64) {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	version := NewVersion(c.Key, val, writer, commitTS)
	version.Deleted = deleted
	version.Committed = true
	if tail := c.tail(); tail != nil {
		tail.EndTime = commitTS
	}
	c.versions = append(c.versions, version)
}

// Truncate drops the versions no snapshot at or after minTS can see. It
// reports how many were dropped and whether the key no longer exists for
// anyone, in which case the chain is marked removed.
func (c *Chain) Truncate(minTS uint64) (int, bool) {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	k := 0
	for k+1 < len(c.versions) {
		v, next := c.versions[k], c.versions[k+1]
		if !v.Committed || !next.Committed || v.EndTime > minTS {
			break
		}
		k++
	}
	if k > 0 {
		for i := 0; i < k; i++ {
			c.versions[i] = nil
		}
		c.versions = c.versions[k:]
	}

	switch len(c.versions) {
	case 0:
		c.removed = true
		return k, true
	case 1:
		v := c.versions[0]
		if v.Committed && v.Deleted && v.StartTime <= minTS {
			c.versions = nil
			c.removed = true
			return k + 1, true
		}
	}
	return k, false
}

// Versions returns a copy of the chain, oldest first.
func (c *Chain) Versions() []Version {
	c.Latch.Lock()
	defer c.Latch.Unlock()

	res := make([]Version, 0, len(c.versions))
	for _, v := range c.versions {
		res = append(res, *v)
	}
	return res
}
