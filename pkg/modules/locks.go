package modules

// DeadlockDetector is told whenever a lock request has to queue.
type DeadlockDetector interface {
	Notify()
}
