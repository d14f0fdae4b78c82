package modules

import (
	"txnkv/pkg/txns"
)

type TxnManager interface {
	GetTxn(txnID uint64) *txns.Txn
	GetActiveTxns() []*txns.Txn
	// OldestSnapshot is the smallest snapshot any live or future txn can use.
	OldestSnapshot() uint64
	// PruneCommitted forgets commit records no active txn can conflict with.
	PruneCommitted(before uint64) int
}
