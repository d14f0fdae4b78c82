package values

import (
	"math"
)

// Infinite marks a version that has not been superseded.
const Infinite = uint64(math.MaxUint64)

type Version struct {
	Key string
	Val []byte

	Deleted   bool
	WriterTxn uint64
	StartTime uint64
	EndTime   uint64
	// Committed is false while the writer may still abort.
	Committed bool
}

func NewVersion(key string, val []byte, writer uint64, startTime uint64) *Version {
	return &Version{
		Key:       key,
		Val:       val,
		Deleted:   false,
		WriterTxn: writer,
		StartTime: startTime,
		EndTime:   Infinite,
		Committed: false,
	}
}

func (v *Version) IsVisible(ts uint64) bool {
	return v.StartTime <= ts && ts < v.EndTime
}
