package gc

import (
	"context"
	"time"

	"txnkv/pkg/logger"
	"txnkv/pkg/metrics"
	"txnkv/pkg/modules"
)

type GarbageCollector struct {
	cleanChan    chan struct{}
	Interval     time.Duration
	TxnManager   modules.TxnManager
	VersionStore modules.VersionStore
}

func NewGarbageCollector(txnManager modules.TxnManager, versionStore modules.VersionStore,
	interval time.Duration) *GarbageCollector {
	return &GarbageCollector{
		cleanChan:    make(chan struct{}, 1),
		Interval:     interval,
		TxnManager:   txnManager,
		VersionStore: versionStore,
	}
}

// Run cleans every interval, and sooner after a commit, until ctx is done.
func (g *GarbageCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(g.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-g.cleanChan:
		}
		g.Clean()
	}
}

// Notify asks for a pass without blocking the committing txn.
func (g *GarbageCollector) Notify() {
	select {
	case g.cleanChan <- struct{}{}:
	default:
	}
}

// Clean drops the versions and commit records no running or future txn can
// observe, and returns how many of each went away.
func (g *GarbageCollector) Clean() (versions int, records int) {
	minTS := g.TxnManager.OldestSnapshot()
	versions = g.VersionStore.Vacuum(minTS)
	records = g.TxnManager.PruneCommitted(minTS)

	if versions != 0 {
		metrics.GCVersionCounter.Add(float64(versions))
	}
	if versions != 0 || records != 0 {
		logger.Inst.Debugw("gc pass", "min-ts", minTS, "versions", versions, "records", records)
	}
	return
}
