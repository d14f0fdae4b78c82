package txns

// IsolationLevel is ordered: a stronger level compares greater.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsolationLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "READ_UNCOMMITTED"
	case ReadCommitted:
		return "READ_COMMITTED"
	case RepeatableRead:
		return "REPEATABLE_READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return "UNKNOWN"
	}
}

// NeedsReadLock reports whether reads take shared locks.
func (l IsolationLevel) NeedsReadLock() bool {
	return l >= RepeatableRead
}

// NeedsValidation reports whether commit runs the first-committer-wins check.
func (l IsolationLevel) NeedsValidation() bool {
	return l >= RepeatableRead
}

// AllowsDirtyRead reports whether tentative versions of other txns are visible.
func (l IsolationLevel) AllowsDirtyRead() bool {
	return l == ReadUncommitted
}
