package manager

import (
	"fmt"
	"testing"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"txnkv/pkg/txns"
	"txnkv/pkg/values"
)

type memLog struct {
	appended []values.Version
	failOn   string
}

func (l *memLog) Append(key string, version values.Version) error {
	if key == l.failOn {
		return errors.New("disk full")
	}
	l.appended = append(l.appended, version)
	return nil
}

func commit(t *testing.T, m *ValueManager, txn *txns.Txn, commitTS uint64) {
	txn.CommitTS = commitTS
	require.NoError(t, m.Publish(txn, &memLog{}))
}

func TestValueManager_ReadYourOwnWrites(t *testing.T) {
	m := NewValueManager(4)
	txn := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("a", []byte("1"), txn))

	val, ok := m.Read("a", txn)
	require.True(t, ok)
	assert.Equal(t, "1", string(val))
	assert.True(t, txn.IsReading("a"))
	assert.True(t, txn.IsWriting("a"))
}

func TestValueManager_SnapshotIsolation(t *testing.T) {
	m := NewValueManager(4)
	setup := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("k", []byte("old"), setup))
	commit(t, m, setup, 2)

	ti := txns.NewTxn(3, txns.ReadCommitted)
	tj := txns.NewTxn(4, txns.ReadCommitted)
	require.NoError(t, m.Write("k", []byte("new"), tj))

	val, ok := m.Read("k", ti)
	require.True(t, ok)
	assert.Equal(t, "old", string(val))

	commit(t, m, tj, 5)
	val, ok = m.Read("k", ti)
	require.True(t, ok)
	assert.Equal(t, "old", string(val))

	later := txns.NewTxn(6, txns.ReadCommitted)
	val, ok = m.Read("k", later)
	require.True(t, ok)
	assert.Equal(t, "new", string(val))
}

func TestValueManager_DirtyRead(t *testing.T) {
	m := NewValueManager(4)
	writer := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("k", []byte("dirty"), writer))

	ru := txns.NewTxn(2, txns.ReadUncommitted)
	val, ok := m.Read("k", ru)
	require.True(t, ok)
	assert.Equal(t, "dirty", string(val))

	rc := txns.NewTxn(3, txns.ReadCommitted)
	_, ok = m.Read("k", rc)
	assert.False(t, ok)
}

func TestValueManager_Discard(t *testing.T) {
	m := NewValueManager(4)
	setup := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("a", []byte("keep"), setup))
	commit(t, m, setup, 2)

	txn := txns.NewTxn(3, txns.ReadCommitted)
	require.NoError(t, m.Write("a", []byte("drop"), txn))
	require.NoError(t, m.Write("b", []byte("drop"), txn))
	m.Discard(txn)

	reader := txns.NewTxn(4, txns.ReadCommitted)
	val, ok := m.Read("a", reader)
	require.True(t, ok)
	assert.Equal(t, "keep", string(val))
	_, ok = m.Read("b", reader)
	assert.False(t, ok)

	// the aborted writer does not see its own writes either
	val, _ = m.Read("a", txn)
	assert.Equal(t, "keep", string(val))
}

func TestValueManager_PublishLogFailure(t *testing.T) {
	m := NewValueManager(4)
	txn := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("a", []byte("1"), txn))
	require.NoError(t, m.Write("b", []byte("2"), txn))

	txn.CommitTS = 2
	log := &memLog{failOn: "b"}
	require.Error(t, m.Publish(txn, log))

	// nothing was installed
	for _, key := range []string{"a", "b"} {
		_, ok := m.GetChain(key).Tentative(txn.ID)
		assert.True(t, ok, key)
	}

	log.failOn = ""
	require.NoError(t, m.Publish(txn, log))
	require.Len(t, log.appended, 3)
	assert.Equal(t, uint64(2), log.appended[2].StartTime)
	assert.True(t, log.appended[2].Committed)
}

type batchLog struct {
	memLog
	batches [][]string
}

func (l *batchLog) AppendBatch(keys []string, versions []values.Version) error {
	l.batches = append(l.batches, keys)
	return nil
}

func TestValueManager_PublishBatch(t *testing.T) {
	m := NewValueManager(4)
	txn := txns.NewTxn(1, txns.ReadCommitted)
	require.NoError(t, m.Write("b", []byte("2"), txn))
	require.NoError(t, m.Write("a", []byte("1"), txn))

	txn.CommitTS = 2
	log := &batchLog{}
	require.NoError(t, m.Publish(txn, log))
	assert.Equal(t, [][]string{{"a", "b"}}, log.batches)
	assert.Empty(t, log.appended)

	reader := txns.NewTxn(3, txns.ReadCommitted)
	val, ok := m.Read("b", reader)
	require.True(t, ok)
	assert.Equal(t, "2", string(val))
}

func TestValueManager_DeleteAndScan(t *testing.T) {
	m := NewValueManager(8)
	setup := txns.NewTxn(1, txns.ReadCommitted)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Write(fmt.Sprintf("k%02d", i), []byte(fmt.Sprint(i)), setup))
	}
	commit(t, m, setup, 2)

	del := txns.NewTxn(3, txns.ReadCommitted)
	require.NoError(t, m.Delete("k03", del))
	require.NoError(t, m.Delete("k04", del))
	commit(t, m, del, 4)

	txn := txns.NewTxn(5, txns.ReadCommitted)
	_, ok := m.Read("k03", txn)
	assert.False(t, ok)

	kvs := m.Scan("k02", 4, txn)
	require.Len(t, kvs, 4)
	assert.Equal(t, []string{"k02", "k05", "k06", "k07"}, []string{kvs[0].Key, kvs[1].Key, kvs[2].Key, kvs[3].Key})
	assert.Equal(t, "5", string(kvs[1].Val))

	// an older snapshot still sees the deleted keys
	old := txns.NewTxn(3, txns.ReadCommitted)
	assert.Equal(t, []string{"k02", "k03", "k04"}, m.Keys("k02", 3, old))

	assert.Empty(t, m.Scan("z", 10, txn))
	assert.Empty(t, m.Scan("", 0, txn))
}

func TestValueManager_Vacuum(t *testing.T) {
	m := NewValueManager(4)
	for ts := uint64(1); ts < 10; ts += 2 {
		txn := txns.NewTxn(ts, txns.ReadCommitted)
		require.NoError(t, m.Write("a", []byte(fmt.Sprint(ts)), txn))
		commit(t, m, txn, ts+1)
	}
	require.Len(t, m.GetChain("a").Versions(), 5)

	assert.Equal(t, 4, m.Vacuum(100))
	assert.Len(t, m.GetChain("a").Versions(), 1)

	del := txns.NewTxn(11, txns.ReadCommitted)
	require.NoError(t, m.Delete("a", del))
	commit(t, m, del, 12)

	assert.Equal(t, 2, m.Vacuum(12))
	assert.Nil(t, m.GetChain("a"))
	assert.Equal(t, 0, m.Len())

	// the key can be written again afterwards
	txn := txns.NewTxn(13, txns.ReadCommitted)
	require.NoError(t, m.Write("a", []byte("again"), txn))
	commit(t, m, txn, 14)
	val, ok := m.Read("a", txns.NewTxn(15, txns.ReadCommitted))
	require.True(t, ok)
	assert.Equal(t, "again", string(val))
	assert.Equal(t, 1, m.Len())
}

func TestValueManager_Restore(t *testing.T) {
	m := NewValueManager(4)
	m.Restore("a", values.Version{Val: []byte("1"), WriterTxn: 1, StartTime: 2})
	m.Restore("a", values.Version{Deleted: true, WriterTxn: 3, StartTime: 4})

	val, ok := m.Read("a", txns.NewTxn(3, txns.ReadCommitted))
	require.True(t, ok)
	assert.Equal(t, "1", string(val))

	_, ok = m.Read("a", txns.NewTxn(5, txns.ReadCommitted))
	assert.False(t, ok)
}
