package locks

import (
	"sort"
	"sync/atomic"
	"time"
)

var requestCounter = uint64(0)

// Request is a lock request of one txn on one resource. It is granted at
// most once and its waiter is woken exactly once.
type Request struct {
	ID          uint64
	TxnID       uint64
	Resource    string
	Mode        Mode
	Granted     bool
	Upgrade     bool
	RequestedAt time.Time

	ready chan error
	Next  *Request
}

func NewRequest(txnID uint64, resource string, mode Mode) *Request {
	return &Request{
		ID:          atomic.AddUint64(&requestCounter, 1),
		TxnID:       txnID,
		Resource:    resource,
		Mode:        mode,
		RequestedAt: time.Now(),
		ready:       make(chan error, 1),
	}
}

// Ready delivers nil once the request is granted, or the reason it was
// withdrawn from the queue.
func (r *Request) Ready() <-chan error {
	return r.ready
}

func (r *Request) Wake(err error) {
	select {
	case r.ready <- err:
	default:
	}
}

// Lock is the lock state of one resource: granted modes and a FIFO queue of
// waiting requests, upgrades first.
type Lock struct {
	Resource string
	Holders  map[uint64]Mode

	WaitingHead *Request
	WaitingTail *Request
}

func NewLock(resource string) *Lock {
	return &Lock{
		Resource: resource,
		Holders:  map[uint64]Mode{},
	}
}

func (l *Lock) HeldBy(txnID uint64) (Mode, bool) {
	mode, ok := l.Holders[txnID]
	return mode, ok
}

func (l *Lock) compatibleWithHolders(txnID uint64, mode Mode) bool {
	for holder, held := range l.Holders {
		if holder != txnID && !held.Compatible(mode) {
			return false
		}
	}
	return true
}

// compatibleWithWaiters checks mode against the waiters queued before `until`
// (the whole queue when until is nil).
func (l *Lock) compatibleWithWaiters(txnID uint64, mode Mode, until *Request) bool {
	for task := l.WaitingHead; task != nil && task != until; task = task.Next {
		if task.TxnID != txnID && !task.Mode.Compatible(mode) {
			return false
		}
	}
	return true
}

// CanGrant reports whether a new request may skip the queue. Upgrades only
// have to get along with the other holders.
func (l *Lock) CanGrant(txnID uint64, mode Mode, upgrade bool) bool {
	if !l.compatibleWithHolders(txnID, mode) {
		return false
	}
	return upgrade || l.compatibleWithWaiters(txnID, mode, nil)
}

func (l *Lock) Grant(txnID uint64, mode Mode) {
	if held, ok := l.Holders[txnID]; ok {
		mode = Combine(held, mode)
	}
	l.Holders[txnID] = mode
}

func (l *Lock) Release(txnID uint64) bool {
	if _, ok := l.Holders[txnID]; !ok {
		return false
	}
	delete(l.Holders, txnID)
	return true
}

// PushTask queues a request. Upgrades go behind earlier upgrades but ahead of
// every plain waiter.
func (l *Lock) PushTask(task *Request) {
	if !task.Upgrade {
		if l.WaitingTail == nil {
			l.WaitingHead = task
			l.WaitingTail = task
			return
		}
		l.WaitingTail.Next = task
		l.WaitingTail = task
		return
	}

	var prev *Request
	for cur := l.WaitingHead; cur != nil && cur.Upgrade; cur = cur.Next {
		prev = cur
	}
	if prev == nil {
		task.Next = l.WaitingHead
		l.WaitingHead = task
	} else {
		task.Next = prev.Next
		prev.Next = task
	}
	if task.Next == nil {
		l.WaitingTail = task
	}
}

// CancelTask unlinks a queued request.
func (l *Lock) CancelTask(task *Request) bool {
	var prev *Request
	for cur := l.WaitingHead; cur != nil; prev, cur = cur, cur.Next {
		if cur != task {
			continue
		}
		if prev == nil {
			l.WaitingHead = cur.Next
		} else {
			prev.Next = cur.Next
		}
		if l.WaitingTail == cur {
			l.WaitingTail = prev
		}
		cur.Next = nil
		return true
	}
	return false
}

// Promote grants, in queue order, every waiter that is compatible with the
// holders and with the waiters still ahead of it. The granted requests are
// returned, unlinked and marked, but not yet woken.
func (l *Lock) Promote() []*Request {
	var granted []*Request
	task := l.WaitingHead
	for task != nil {
		next := task.Next
		ok := l.compatibleWithHolders(task.TxnID, task.Mode) &&
			(task.Upgrade || l.compatibleWithWaiters(task.TxnID, task.Mode, task))
		if ok {
			l.CancelTask(task)
			l.Grant(task.TxnID, task.Mode)
			task.Granted = true
			granted = append(granted, task)
		}
		task = next
	}
	return granted
}

// Blockers returns the txns a queued request waits for: incompatible holders
// and incompatible requests queued ahead of it.
func (l *Lock) Blockers(task *Request) []uint64 {
	set := map[uint64]struct{}{}
	for holder, held := range l.Holders {
		if holder != task.TxnID && !held.Compatible(task.Mode) {
			set[holder] = struct{}{}
		}
	}
	if !task.Upgrade {
		for cur := l.WaitingHead; cur != nil && cur != task; cur = cur.Next {
			if cur.TxnID != task.TxnID && !cur.Mode.Compatible(task.Mode) {
				set[cur.TxnID] = struct{}{}
			}
		}
	}

	res := make([]uint64, 0, len(set))
	for txnID := range set {
		res = append(res, txnID)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// Waiters lists the queued requests in order.
func (l *Lock) Waiters() []*Request {
	var res []*Request
	for task := l.WaitingHead; task != nil; task = task.Next {
		res = append(res, task)
	}
	return res
}

func (l *Lock) Idle() bool {
	return len(l.Holders) == 0 && l.WaitingHead == nil
}
