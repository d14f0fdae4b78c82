package tso

import "go.uber.org/atomic"

// Oracle hands out transaction ids and timestamps from one sequence, so that
// begin, snapshot and commit events are totally ordered.
type Oracle interface {
	Next() uint64
	Current() uint64
}

type Counter struct {
	ts *atomic.Uint64
}

// NewCounter returns a counter whose first Next() is start+1.
func NewCounter(start uint64) *Counter {
	return &Counter{ts: atomic.NewUint64(start)}
}

func (c *Counter) Next() uint64 {
	return c.ts.Inc()
}

func (c *Counter) Current() uint64 {
	return c.ts.Load()
}

// Advance moves the counter forward to at least ts. It never moves it back.
func (c *Counter) Advance(ts uint64) {
	for {
		cur := c.ts.Load()
		if cur >= ts || c.ts.CompareAndSwap(cur, ts) {
			return
		}
	}
}
