package twopc

import (
	"context"
	"sync"
)

type Result[T any] struct {
	Participant string
	Value       T
	Err         error
}

// Broadcast calls fn on every participant concurrently and collects one
// result per participant, in participant order.
func Broadcast[T any](ctx context.Context, participants []Participant,
	fn func(ctx context.Context, p Participant) (T, error)) []Result[T] {
	results := make([]Result[T], len(participants))

	var wg sync.WaitGroup
	wg.Add(len(participants))
	for i, p := range participants {
		go func(i int, p Participant) {
			defer wg.Done()
			value, err := fn(ctx, p)
			results[i] = Result[T]{
				Participant: p.Name,
				Value:       value,
				Err:         err,
			}
		}(i, p)
	}
	wg.Wait()

	return results
}
