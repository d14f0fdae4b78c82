package engines

import (
	"sync"
	"time"
)

// stepGap gives the previous step time to block before the next one is queued.
const stepGap = 2 * time.Millisecond

// Thread runs the steps of one txn on its own goroutine, in order. A step
// returning true ends the thread and marks it done in Group.
type Thread struct {
	TaskChan chan func() bool
	Group    *sync.WaitGroup
}

func NewThread(group *sync.WaitGroup) *Thread {
	return &Thread{
		TaskChan: make(chan func() bool, 16),
		Group:    group,
	}
}

func (t *Thread) Run() *Thread {
	go func() {
		defer t.Group.Done()
		for step := range t.TaskChan {
			if step() {
				return
			}
		}
	}()
	return t
}

func (t *Thread) Do(step func() bool) {
	time.Sleep(stepGap)
	t.TaskChan <- step
}
