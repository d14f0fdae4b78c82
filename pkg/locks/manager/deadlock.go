package manager

import (
	"context"
	"sort"
	"time"

	"txnkv/pkg/logger"
	"txnkv/pkg/metrics"
	"txnkv/pkg/txns"
)

// WaitForGraph is the view of the lock table the detector works on.
type WaitForGraph interface {
	WaitForGraph() map[uint64][]uint64
	Cancel(txnID uint64, cause error) bool
}

type DeadlockDetector struct {
	LockManager WaitForGraph
	Interval    time.Duration

	notifyCh chan struct{}
	onBlock  bool
}

// NewDeadlockDetector builds a detector polling every interval. With onBlock
// set, Notify also triggers a pass as soon as a request queues.
func NewDeadlockDetector(lockManager WaitForGraph, interval time.Duration, onBlock bool) *DeadlockDetector {
	return &DeadlockDetector{
		LockManager: lockManager,
		Interval:    interval,
		notifyCh:    make(chan struct{}, 1),
		onBlock:     onBlock,
	}
}

func (d *DeadlockDetector) Notify() {
	if !d.onBlock {
		return
	}
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

func (d *DeadlockDetector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.notifyCh:
		}
		d.Resolve()
	}
}

// Detect returns the sorted ids of every txn sitting on a wait-for cycle.
func (d *DeadlockDetector) Detect() []uint64 {
	set := map[uint64]struct{}{}
	for _, cycle := range d.Cycles() {
		for _, txnID := range cycle {
			set[txnID] = struct{}{}
		}
	}
	return sortedIDs(set)
}

func (d *DeadlockDetector) Cycles() [][]uint64 {
	return FindCycles(d.LockManager.WaitForGraph())
}

// Resolve cancels the waits of the victims of every cycle and returns them.
func (d *DeadlockDetector) Resolve() []uint64 {
	cycles := d.Cycles()
	if len(cycles) == 0 {
		return nil
	}

	victims := ChooseVictims(cycles)
	for _, victim := range victims {
		if !d.LockManager.Cancel(victim, txns.ErrDeadlock) {
			continue
		}
		metrics.DeadlockVictimCounter.Inc()
		logger.Inst.Warnw("deadlock detected, aborting youngest txn",
			"victim", victim, "cycles", len(cycles))
	}
	return victims
}

// FindCycles runs a DFS with a recursion stack over the graph. Every back edge
// closes one cycle, reported as the path from the edge target to its source.
// Nodes are visited in id order so the output is deterministic.
func FindCycles(graph map[uint64][]uint64) [][]uint64 {
	const (
		unvisited = iota
		onStack
		done
	)

	nodes := make([]uint64, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	state := map[uint64]int{}
	var stack []uint64
	var cycles [][]uint64

	var visit func(node uint64)
	visit = func(node uint64) {
		state[node] = onStack
		stack = append(stack, node)

		for _, next := range graph[node] {
			switch state[next] {
			case unvisited:
				visit(next)
			case onStack:
				i := len(stack) - 1
				for stack[i] != next {
					i--
				}
				cycles = append(cycles, append([]uint64(nil), stack[i:]...))
			}
		}

		stack = stack[:len(stack)-1]
		state[node] = done
	}

	for _, node := range nodes {
		if state[node] == unvisited {
			visit(node)
		}
	}
	return cycles
}

// ChooseVictims picks the largest id of each cycle, skipping cycles already
// broken by an earlier victim.
func ChooseVictims(cycles [][]uint64) []uint64 {
	victims := map[uint64]struct{}{}
Loop:
	for _, cycle := range cycles {
		victim := cycle[0]
		for _, txnID := range cycle {
			if _, ok := victims[txnID]; ok {
				continue Loop
			}
			if txnID > victim {
				victim = txnID
			}
		}
		victims[victim] = struct{}{}
	}
	return sortedIDs(victims)
}

func sortedIDs(set map[uint64]struct{}) []uint64 {
	res := make([]uint64, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}
