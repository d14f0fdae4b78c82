package manager

import (
	"context"

	"github.com/pingcap/errors"
	"txnkv/pkg/twopc"
	"txnkv/pkg/txns"
)

// Participant lets txn take part in a 2PC round: prepare validates and parks
// the txn, finalize commits or aborts it. A validation conflict is a NO vote.
func (manager *TxnManager) Participant(name string, txn *txns.Txn) twopc.Participant {
	return twopc.Participant{
		Name: name,
		Prepare: func(ctx context.Context) (twopc.Vote, error) {
			if err := manager.Prepare(txn); err != nil {
				if errors.Cause(err) == txns.ErrConflict {
					return twopc.VoteNo, nil
				}
				return twopc.VoteNo, err
			}
			return twopc.VoteYes, nil
		},
		Finalize: func(ctx context.Context, commit bool) error {
			if commit {
				return manager.Commit(txn)
			}
			manager.Abort(txn)
			return nil
		},
	}
}
