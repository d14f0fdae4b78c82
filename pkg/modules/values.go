package modules

import (
	"txnkv/pkg/values"
)

type VersionStore interface {
	// Vacuum drops versions invisible to every snapshot >= minTS.
	Vacuum(minTS uint64) int
}

// DurableLog persists committed versions. Append is called during publish and
// a failure aborts the commit.
type DurableLog interface {
	Append(key string, version values.Version) error
}

// BatchLog is a DurableLog that persists all versions of one commit at once.
type BatchLog interface {
	DurableLog
	AppendBatch(keys []string, versions []values.Version) error
}
