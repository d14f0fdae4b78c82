package modules

// GarbageCollector is poked after commits so it can clean eagerly.
type GarbageCollector interface {
	Notify()
}
