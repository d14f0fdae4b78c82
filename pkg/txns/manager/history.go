package manager

import "sort"

type commitRecord struct {
	CommitTS uint64
	WriteSet map[string]struct{}
}

// history keeps the write sets of committed txns in commit order. Callers
// hold TxnManager.commitLatch.
type history struct {
	records []commitRecord
}

func (h *history) append(commitTS uint64, writeSet map[string]struct{}) {
	h.records = append(h.records, commitRecord{CommitTS: commitTS, WriteSet: writeSet})
}

// after returns the records committed strictly after ts.
func (h *history) after(ts uint64) []commitRecord {
	i := sort.Search(len(h.records), func(i int) bool {
		return h.records[i].CommitTS > ts
	})
	return h.records[i:]
}

// prune drops the records committed at or before ts.
func (h *history) prune(ts uint64) int {
	i := sort.Search(len(h.records), func(i int) bool {
		return h.records[i].CommitTS > ts
	})
	h.records = append([]commitRecord(nil), h.records[i:]...)
	return i
}

func (h *history) len() int {
	return len(h.records)
}
