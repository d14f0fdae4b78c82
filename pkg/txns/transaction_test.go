package txns

import (
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
)

func TestTransit(t *testing.T) {
	cases := []struct {
		path []State
		ok   []bool
	}{
		{[]State{Committed}, []bool{true}},
		{[]State{Aborted}, []bool{true}},
		{[]State{Prepared, Committed}, []bool{true, true}},
		{[]State{Prepared, Aborted}, []bool{true, true}},
		{[]State{Prepared, Prepared}, []bool{true, false}},
		{[]State{Committed, Aborted}, []bool{true, false}},
		{[]State{Aborted, Committed}, []bool{true, false}},
		{[]State{Aborted, Active}, []bool{true, false}},
		{[]State{Prepared, Active}, []bool{true, false}},
		{[]State{Active}, []bool{false}},
	}

	for _, c := range cases {
		txn := NewTxn(1, ReadCommitted)
		for i, to := range c.path {
			err := txn.Transit(to)
			if c.ok[i] {
				assert.NoError(t, err, "path %v step %d", c.path, i)
			} else {
				assert.Equal(t, ErrInvalidTransactionState, errors.Cause(err), "path %v step %d", c.path, i)
			}
		}
	}
}

func TestCheckActive(t *testing.T) {
	txn := NewTxn(7, RepeatableRead)
	assert.NoError(t, txn.CheckActive())
	assert.Equal(t, uint64(7), txn.SnapshotTS)

	assert.NoError(t, txn.Transit(Prepared))
	assert.Equal(t, ErrInvalidTransactionState, errors.Cause(txn.CheckActive()))
}

func TestConflictsWith(t *testing.T) {
	other := map[string]struct{}{"a": {}}

	txn := NewTxn(1, ReadUncommitted)
	txn.SetReading("a")
	assert.False(t, txn.ConflictsWith(other), "read-write is ignored below READ_COMMITTED")
	txn.SetWriting("a")
	assert.True(t, txn.ConflictsWith(other))

	txn = NewTxn(2, ReadCommitted)
	txn.SetReading("a")
	assert.True(t, txn.ConflictsWith(other))

	txn = NewTxn(3, Serializable)
	txn.SetReading("b")
	txn.SetWriting("c")
	assert.False(t, txn.ConflictsWith(other))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflict))
	assert.True(t, IsRetryable(errors.Annotate(ErrLockAcquisitionFailed, "key a")))
	assert.False(t, IsRetryable(errors.Trace(ErrInvalidTransactionState)))
	assert.False(t, IsRetryable(nil))
}
