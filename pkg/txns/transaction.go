package txns

import (
	"sync"

	"github.com/pingcap/errors"
)

type State int

const (
	Active State = iota
	Prepared
	Committed
	Aborted
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Prepared:
		return "PREPARED"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) IsTerminal() bool {
	return s == Committed || s == Aborted
}

// Txn is the per-transaction context. Callers that touch State, ReadSet or
// WriteSet hold Latch; ID, Isolation and SnapshotTS never change.
type Txn struct {
	ID         uint64
	Isolation  IsolationLevel
	SnapshotTS uint64
	CommitTS   uint64

	State State
	// ReadSet is checked against concurrent writers at commit
	ReadSet map[string]struct{}
	// WriteSet names the keys holding a tentative version of this txn
	WriteSet map[string]struct{}
	Latch    sync.Mutex
}

// NewTxn creates an active transaction whose snapshot is its own id.
func NewTxn(id uint64, isolation IsolationLevel) *Txn {
	return &Txn{
		ID:         id,
		Isolation:  isolation,
		SnapshotTS: id,
		State:      Active,
		ReadSet:    map[string]struct{}{},
		WriteSet:   map[string]struct{}{},
	}
}

func (txn *Txn) IsWriting(key string) bool {
	_, exist := txn.WriteSet[key]
	return exist
}

func (txn *Txn) IsReading(key string) bool {
	_, exist := txn.ReadSet[key]
	return exist
}

func (txn *Txn) SetWriting(key string) {
	txn.WriteSet[key] = struct{}{}
}

func (txn *Txn) SetReading(key string) {
	txn.ReadSet[key] = struct{}{}
}

// GetState reads State under the latch.
func (txn *Txn) GetState() State {
	txn.Latch.Lock()
	defer txn.Latch.Unlock()
	return txn.State
}

// Transit moves the txn to state `to`, rejecting any transition out of a
// terminal state and any move back to ACTIVE.
func (txn *Txn) Transit(to State) error {
	from := txn.State
	switch {
	case from.IsTerminal():
	case to == Active:
	case from == Prepared && to == Prepared:
	default:
		txn.State = to
		return nil
	}
	return errors.Annotatef(ErrInvalidTransactionState, "txn %d: %v -> %v", txn.ID, from, to)
}

// CheckActive fails unless the txn still accepts reads and writes.
func (txn *Txn) CheckActive() error {
	if txn.State != Active {
		return errors.Annotatef(ErrInvalidTransactionState, "txn %d is %v", txn.ID, txn.State)
	}
	return nil
}

// ConflictsWith reports whether txn must not commit after other did.
func (txn *Txn) ConflictsWith(otherWrites map[string]struct{}) bool {
	for key := range txn.WriteSet {
		if _, ok := otherWrites[key]; ok {
			return true
		}
	}
	if txn.Isolation >= ReadCommitted {
		for key := range txn.ReadSet {
			if _, ok := otherWrites[key]; ok {
				return true
			}
		}
	}
	return false
}
