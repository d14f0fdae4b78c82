package txns

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrRetryable suggests that the client may abort and restart the txn with a
// fresh snapshot.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

var (
	ErrLockAcquisitionFailed = ErrRetryable("lock acquisition failed")
	ErrConflict              = ErrRetryable("write conflict")
)

var (
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrParticipantAborted      = errors.New("participant aborted")
	// ErrAborted wakes a lock waiter whose transaction was aborted elsewhere.
	ErrAborted = errors.New("transaction aborted")
	// ErrDeadlock wakes a lock waiter chosen as deadlock victim.
	ErrDeadlock = errors.New("deadlock victim")
)

// IsRetryable reports whether err is worth an abort-and-retry loop.
func IsRetryable(err error) bool {
	_, ok := errors.Cause(err).(ErrRetryable)
	return ok
}
